package sync

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/identity"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/status"
	"github.com/lucasmbraz/syncbox/internal/store"
	"go.uber.org/zap"
)

// Listener ingests server-pushed deltas for subscribed scopes, applies them
// to the local store, and advances the per-scope cursor. Applying is
// idempotent: redelivered deltas are recognized and skipped, so a crash
// between apply and cursor write is safe.
type Listener struct {
	db     *store.DB
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	self   string

	// Pause before replaying a delta that failed to apply.
	retryDelay time.Duration

	mu     sync.Mutex
	scopes map[string]*scopeHandle
	wg     sync.WaitGroup
}

type scopeHandle struct {
	cancel context.CancelFunc
	sub    remote.Subscription
}

// NewListener creates a listener applying deltas on behalf of the given
// local actor.
func NewListener(db *store.DB, rs remote.Store, b *bus.Bus, self string, logger *zap.Logger) *Listener {
	return &Listener{
		db:         db,
		remote:     rs,
		bus:        b,
		logger:     logger,
		self:       self,
		retryDelay: time.Second,
		scopes:     make(map[string]*scopeHandle),
	}
}

// Listen subscribes to a scope, resuming from the persisted cursor. Calling
// Listen for an already-subscribed scope is a no-op.
func (l *Listener) Listen(ctx context.Context, scope string) error {
	l.mu.Lock()
	if _, ok := l.scopes[scope]; ok {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	cursor, err := l.db.GetCursor(scope)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	sub, err := l.remote.Subscribe(ctx, scope, cursor)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", scope, err)
	}

	sctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if _, ok := l.scopes[scope]; ok {
		// Lost a subscribe race; keep the first stream.
		l.mu.Unlock()
		cancel()
		return sub.Close()
	}
	l.scopes[scope] = &scopeHandle{cancel: cancel, sub: sub}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run(sctx, scope, sub)
	return nil
}

// Close tears down one scope's stream. Safe to call while a delta is being
// applied; the in-flight delta finishes and later ones are dropped.
func (l *Listener) Close(scope string) {
	l.mu.Lock()
	h := l.scopes[scope]
	delete(l.scopes, scope)
	l.mu.Unlock()
	if h != nil {
		h.cancel()
		_ = h.sub.Close()
	}
}

// CloseAll tears down every stream and waits for apply loops to exit.
func (l *Listener) CloseAll() {
	l.mu.Lock()
	handles := make([]*scopeHandle, 0, len(l.scopes))
	for scope, h := range l.scopes {
		handles = append(handles, h)
		delete(l.scopes, scope)
	}
	l.mu.Unlock()
	for _, h := range handles {
		h.cancel()
		_ = h.sub.Close()
	}
	l.wg.Wait()
}

func (l *Listener) run(ctx context.Context, scope string, sub remote.Subscription) {
	defer l.wg.Done()
	for {
		select {
		case d, ok := <-sub.Deltas():
			if !ok {
				// Stream ended (buffer overflow or remote teardown); re-enter
				// from the persisted cursor.
				next, alive := l.reopen(ctx, scope, sub)
				if !alive {
					return
				}
				sub = next
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := l.apply(d); err != nil {
				l.logger.Error("failed to apply delta",
					zap.Error(err), zap.String("scope", scope), zap.Int64("seq", d.Seq))
				// The cursor has not advanced, so tearing the stream down and
				// re-entering replays this delta instead of skipping it.
				select {
				case <-time.After(l.retryDelay):
				case <-ctx.Done():
					return
				}
				next, alive := l.reopen(ctx, scope, sub)
				if !alive {
					return
				}
				sub = next
				continue
			}
			if d.Seq > 0 {
				if err := l.db.SetCursor(scope, d.Seq); err != nil {
					l.logger.Error("failed to persist cursor", zap.Error(err), zap.String("scope", scope))
				}
				l.publish(bus.KindSyncCursor, map[string]any{"scope": scope, "seq": d.Seq})
			}
		case <-ctx.Done():
			return
		}
	}
}

// reopen closes a scope's stream and resubscribes from the persisted cursor.
// Returns false when the scope was closed meanwhile or resubscribing failed;
// in the failure case the scope is dropped so a later Listen can retry.
func (l *Listener) reopen(ctx context.Context, scope string, old remote.Subscription) (remote.Subscription, bool) {
	_ = old.Close()
	l.mu.Lock()
	_, live := l.scopes[scope]
	l.mu.Unlock()
	if !live || ctx.Err() != nil {
		return nil, false
	}

	cursor, err := l.db.GetCursor(scope)
	if err != nil {
		l.logger.Error("failed to load cursor", zap.Error(err), zap.String("scope", scope))
		l.drop(scope)
		return nil, false
	}
	sub, err := l.remote.Subscribe(ctx, scope, cursor)
	if err != nil {
		l.logger.Error("failed to resubscribe", zap.Error(err), zap.String("scope", scope))
		l.drop(scope)
		return nil, false
	}

	l.mu.Lock()
	h, live := l.scopes[scope]
	if live {
		h.sub = sub
	}
	l.mu.Unlock()
	if !live {
		_ = sub.Close()
		return nil, false
	}
	return sub, true
}

func (l *Listener) drop(scope string) {
	l.mu.Lock()
	delete(l.scopes, scope)
	l.mu.Unlock()
}

func (l *Listener) apply(d remote.Delta) error {
	switch d.Kind {
	case remote.DeltaConversation:
		return l.applyConversation(d.Conversation)
	case remote.DeltaMessageNew:
		return l.applyMessage(d.Message)
	case remote.DeltaMessageStatus:
		return l.applyStatus(d.Scope, d.Status)
	case remote.DeltaPresence:
		// Presence is ephemeral; republish for observers, never persist.
		l.publish(bus.KindPresenceChanged, d.Presence)
		return nil
	default:
		l.logger.Warn("ignoring unknown delta kind", zap.String("kind", string(d.Kind)))
		return nil
	}
}

func (l *Listener) applyMessage(rec *remote.MessageRecord) error {
	if rec == nil {
		return nil
	}
	exists, err := l.db.MessageExists(rec.ConvID, rec.ID)
	if err != nil {
		return err
	}
	if exists {
		// Redelivery after a crash before the cursor write, or the echo of a
		// send whose ack already finalized the row.
		return nil
	}

	if rec.ClientID != "" && identity.IsLocal(rec.ClientID) {
		placeholder, err := l.db.GetMessage(rec.ConvID, rec.ClientID)
		if err != nil {
			return err
		}
		if placeholder != nil {
			// Echo of our own in-flight send arriving before the ack.
			if err := l.db.FinalizeMessage(rec.ConvID, rec.ClientID, rec.ID, rec.ServerTS, rec.Seq); err != nil {
				return err
			}
			l.publish(bus.KindMessageUpserted, map[string]string{"conv_id": rec.ConvID, "msg_id": rec.ID})
			return nil
		}
	}

	localTS := rec.LocalTS
	if localTS == 0 {
		localTS = rec.ServerTS
	}
	delivery := status.Sent
	if rec.Author != l.self {
		// Reaching this device is the delivery event for inbound messages.
		delivery = status.Delivered
	}
	if _, err := l.db.InsertMessage(&store.Message{
		ConvID:        rec.ConvID,
		ID:            rec.ID,
		Author:        rec.Author,
		Body:          rec.Body,
		AttachmentURL: rec.AttachmentURL,
		LocalTS:       localTS,
		ServerTS:      rec.ServerTS,
		Seq:           rec.Seq,
		Delivery:      delivery,
		SyncState:     status.Synced,
	}); err != nil {
		return err
	}
	if err := l.db.UpdateConversationSummary(rec.ConvID, localTS, truncate(rec.Body, 100), rec.Author); err != nil {
		return err
	}
	l.publish(bus.KindMessageUpserted, map[string]string{"conv_id": rec.ConvID, "msg_id": rec.ID})
	return nil
}

func (l *Listener) applyStatus(scope string, rec *remote.StatusRecord) error {
	if rec == nil {
		return nil
	}
	// AdvanceDelivery only moves forward, so out-of-order and redelivered
	// status deltas cannot regress a message.
	if err := l.db.AdvanceDelivery(scope, rec.MsgID, rec.Delivery); err != nil {
		return err
	}
	if rec.Reader != "" {
		if err := l.db.MergeReadReceipts(scope, rec.MsgID, map[string]int64{rec.Reader: rec.ReadAt}); err != nil {
			return err
		}
	}
	l.publish(bus.KindMessageUpserted, map[string]string{"conv_id": scope, "msg_id": rec.MsgID})
	return nil
}

func (l *Listener) applyConversation(rec *remote.ConversationRecord) error {
	if rec == nil {
		return nil
	}
	admins := rec.Admins
	if len(admins) == 0 && len(rec.Participants) > 2 {
		// A group must keep at least one admin. Promote the first participant
		// in identity order so every replica converges on the same choice.
		sorted := append([]string(nil), rec.Participants...)
		slices.Sort(sorted)
		admins = sorted[:1]
	}

	local, err := l.db.GetConversation(rec.ID)
	if err != nil {
		return err
	}
	if local == nil {
		if _, err := l.db.InsertConversation(&store.Conversation{
			ID:                 rec.ID,
			Participants:       rec.Participants,
			Admins:             admins,
			LastMessageAt:      rec.LastMessageAt,
			LastMessagePreview: rec.LastMessagePreview,
			LastMessageAuthor:  rec.LastMessageAuthor,
			UnreadCount:        rec.Unread[l.self],
			Archived:           rec.Archived,
			SyncState:          status.Synced,
		}); err != nil {
			return err
		}
		l.publish(bus.KindEntityUpserted, map[string]string{"conv_id": rec.ID})
		return nil
	}

	// Last write wins on the admin set; the server's unread counter for this
	// viewer is authoritative over any local guess.
	if err := l.db.SetAdmins(rec.ID, admins); err != nil {
		return err
	}
	if err := l.db.SetUnreadCount(rec.ID, rec.Unread[l.self]); err != nil {
		return err
	}
	if err := l.db.SetArchived(rec.ID, rec.Archived); err != nil {
		return err
	}
	if rec.LastMessageAt > 0 {
		if err := l.db.UpdateConversationSummary(rec.ID, rec.LastMessageAt, rec.LastMessagePreview, rec.LastMessageAuthor); err != nil {
			return err
		}
	}
	if local.SyncState != status.Synced {
		if err := l.db.SetConversationSyncState(rec.ID, status.Synced); err != nil {
			return err
		}
	}
	l.publish(bus.KindEntityUpserted, map[string]string{"conv_id": rec.ID})
	return nil
}

func (l *Listener) publish(kind string, payload any) {
	l.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
