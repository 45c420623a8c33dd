// Package sync orchestrates the mutation lifecycle (optimistic local write,
// outbox transmission, reconciliation) and ingests server-pushed deltas.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/identity"
	"github.com/lucasmbraz/syncbox/internal/outbox"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/status"
	"github.com/lucasmbraz/syncbox/internal/store"
	"go.uber.org/zap"
)

// Coordinator owns the full lifecycle of a mutation: write-local, enqueue,
// transmit, confirm or fail, reconcile. Submission paths return immediately
// with the optimistically applied entity; all remote work happens on the
// outbox sender's lanes.
type Coordinator struct {
	db     *store.DB
	queue  *outbox.Queue
	remote remote.Store
	bus    *bus.Bus
	logger *zap.Logger
	self   string
	now    func() time.Time

	mu    sync.Mutex
	lanes map[string]*sync.Mutex
}

// NewCoordinator creates a coordinator acting as the given local actor.
func NewCoordinator(db *store.DB, queue *outbox.Queue, rs remote.Store, b *bus.Bus, self string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:     db,
		queue:  queue,
		remote: rs,
		bus:    b,
		logger: logger,
		self:   self,
		now:    time.Now,
		lanes:  make(map[string]*sync.Mutex),
	}
}

// SetClock overrides the coordinator clock. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

type createConversationPayload struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Admins       []string `json:"admins"`
}

type sendMessagePayload struct {
	LocalID       string `json:"localId"`
	ConvID        string `json:"convId"`
	Author        string `json:"author"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	LocalTS       int64  `json:"localTs"`
	// Server-assigned fields captured mid-attempt so a retry after a dropped
	// ack reuses the already-issued identity instead of minting a duplicate.
	ServerID string `json:"serverId,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
}

type markReadPayload struct {
	ConvID string   `json:"convId"`
	Actor  string   `json:"actor"`
	MsgIDs []string `json:"msgIds"`
	ReadAt int64    `json:"readAt"`
}

// CreateConversation resolves the deterministic identity for the participant
// set and returns the existing record unchanged if one is already present;
// otherwise it writes an optimistic pending record and enqueues the remote
// creation. Two racing creators converge on one record either locally (the
// insert is keyed on identity) or remotely (the identity is the same).
func (c *Coordinator) CreateConversation(participants, admins []string) (*store.Conversation, error) {
	id := identity.ConversationID(participants)
	if id == "" {
		return nil, fmt.Errorf("%w: empty participant set", remote.ErrValidation)
	}
	normalized := strings.Split(id, ":")

	if existing, err := c.db.GetConversation(id); err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	} else if existing != nil {
		return existing, nil
	}

	if len(admins) == 0 && len(normalized) > 2 {
		// Group conversations need an admin set; the creator starts as one.
		admins = []string{c.self}
	}

	conv := &store.Conversation{
		ID:           id,
		Participants: normalized,
		Admins:       admins,
		SyncState:    status.Pending,
	}
	inserted, err := c.db.InsertConversation(conv)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if !inserted {
		// Lost a local race; the winner's record is authoritative.
		return c.db.GetConversation(id)
	}

	if _, err := c.queue.Enqueue(outbox.KindConversationCreate, id, id, createConversationPayload{
		ID:           id,
		Participants: normalized,
		Admins:       admins,
	}); err != nil {
		return nil, err
	}

	c.publish(bus.KindEntityUpserted, map[string]string{"conv_id": id})
	return conv, nil
}

// SendMessage applies an optimistic local message under a placeholder
// identity and enqueues the remote write. The canonical identity is minted
// by the remote store during transmission.
func (c *Coordinator) SendMessage(convID, body, attachmentURL string) (*store.Message, error) {
	conv, err := c.db.GetConversation(convID)
	if err != nil {
		return nil, fmt.Errorf("lookup conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", convID)
	}

	msg := &store.Message{
		ConvID:        convID,
		ID:            identity.LocalMessageID(),
		Author:        c.self,
		Body:          body,
		AttachmentURL: attachmentURL,
		LocalTS:       c.now().UnixMilli(),
		Delivery:      status.Sent,
		SyncState:     status.Pending,
	}
	if _, err := c.db.InsertMessage(msg); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := c.db.UpdateConversationSummary(convID, msg.LocalTS, truncate(body, 100), c.self); err != nil {
		return nil, fmt.Errorf("update summary: %w", err)
	}

	if _, err := c.queue.Enqueue(outbox.KindMessageSend, msg.ID, convID, sendMessagePayload{
		LocalID:       msg.ID,
		ConvID:        convID,
		Author:        c.self,
		Body:          body,
		AttachmentURL: attachmentURL,
		LocalTS:       msg.LocalTS,
	}); err != nil {
		return nil, err
	}

	c.publish(bus.KindMessageUpserted, map[string]string{"conv_id": convID, "msg_id": msg.ID})
	return msg, nil
}

// MarkRead advances the given messages to read locally, clears the viewer's
// unread counter, and enqueues the receipt write.
func (c *Coordinator) MarkRead(convID string, msgIDs []string) error {
	readAt := c.now().UnixMilli()
	for _, id := range msgIDs {
		if err := c.db.AdvanceDelivery(convID, id, status.Read); err != nil {
			return fmt.Errorf("advance delivery: %w", err)
		}
		if err := c.db.MergeReadReceipts(convID, id, map[string]int64{c.self: readAt}); err != nil {
			return fmt.Errorf("merge receipts: %w", err)
		}
	}
	if err := c.db.SetUnreadCount(convID, 0); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	_, err := c.queue.Enqueue(outbox.KindMessageRead, convID, convID, markReadPayload{
		ConvID: convID,
		Actor:  c.self,
		MsgIDs: msgIDs,
		ReadAt: readAt,
	})
	return err
}

// CancelSend removes a queued outbox entry and its optimistic message before
// transmission starts. Mid-flight entries cannot be cancelled.
func (c *Coordinator) CancelSend(entryID string) (bool, error) {
	entry, err := c.db.GetOutbox(entryID)
	if err != nil || entry == nil {
		return false, err
	}
	cancelled, err := c.queue.Cancel(entryID)
	if err != nil || !cancelled {
		return false, err
	}
	if entry.Kind == outbox.KindMessageSend {
		if err := c.db.DeleteMessage(entry.ConvID, entry.EntityID); err != nil {
			return true, err
		}
	}
	return true, nil
}

// RetrySend re-queues a non-terminal failed entry (user-initiated retry) and
// moves the entity back to pending.
func (c *Coordinator) RetrySend(entryID string) (bool, error) {
	entry, err := c.db.GetOutbox(entryID)
	if err != nil || entry == nil {
		return false, err
	}
	retried, err := c.queue.Retry(entryID)
	if err != nil || !retried {
		return false, err
	}
	switch entry.Kind {
	case outbox.KindMessageSend:
		err = c.db.SetMessageSyncState(entry.ConvID, entry.EntityID, status.Pending, entry.Attempts)
	case outbox.KindConversationCreate:
		err = c.db.SetConversationSyncState(entry.EntityID, status.Pending)
	}
	return true, err
}

// Transmit sends one outbox entry to the remote store. Called by the outbox
// sender, sequentially per conversation lane.
func (c *Coordinator) Transmit(ctx context.Context, entry *store.OutboxEntry) error {
	lane := c.lane(entry.ConvID)
	lane.Lock()
	defer lane.Unlock()

	switch entry.Kind {
	case outbox.KindConversationCreate:
		var p createConversationPayload
		if err := unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return c.transmitConversation(ctx, p.ID, p.Participants, p.Admins)
	case outbox.KindMessageSend:
		return c.transmitMessage(ctx, entry)
	case outbox.KindMessageRead:
		var p markReadPayload
		if err := unmarshal(entry.Payload, &p); err != nil {
			return err
		}
		return c.transmitRead(ctx, p)
	default:
		return fmt.Errorf("%w: unknown outbox kind %q", remote.ErrValidation, entry.Kind)
	}
}

// EntityFailed implements outbox.Transmitter: once an entry stops
// auto-retrying, the entity's sync-state surfaces the failure to observers.
func (c *Coordinator) EntityFailed(entry *store.OutboxEntry, cause error, terminal bool) {
	var err error
	switch entry.Kind {
	case outbox.KindMessageSend:
		err = c.db.SetMessageSyncState(entry.ConvID, entry.EntityID, status.Failed, entry.Attempts+1)
	case outbox.KindConversationCreate:
		err = c.db.SetConversationSyncState(entry.EntityID, status.Failed)
	}
	if err != nil {
		c.logger.Error("failed to mark entity failed", zap.Error(err), zap.String("entry_id", entry.ID))
	}
	c.logger.Error("mutation failed",
		zap.Error(cause),
		zap.String("kind", entry.Kind),
		zap.String("entity_id", entry.EntityID),
		zap.Bool("terminal", terminal))
}

func (c *Coordinator) transmitConversation(ctx context.Context, id string, participants, admins []string) error {
	if _, err := c.remote.Write(ctx, "conversations/"+id, remote.ConversationRecord{
		ID:           id,
		Participants: participants,
		Admins:       admins,
	}); err != nil {
		return err
	}
	if err := c.db.SetConversationSyncState(id, status.Synced); err != nil {
		return err
	}
	c.publish(bus.KindEntityUpserted, map[string]string{"conv_id": id})
	return nil
}

func (c *Coordinator) transmitMessage(ctx context.Context, entry *store.OutboxEntry) error {
	var p sendMessagePayload
	if err := unmarshal(entry.Payload, &p); err != nil {
		return err
	}

	// Parent-before-child: the conversation record must exist remotely
	// before its first message, or the recipient's listener never sees it.
	// Sequenced synchronously on this lane, never fire-and-forget.
	if err := c.ensureConversationSynced(ctx, p.ConvID); err != nil {
		return err
	}

	if p.ServerID == "" {
		serverID, err := c.remote.GenerateChildID(ctx, "conversations/"+p.ConvID+"/messages")
		if err != nil {
			return err
		}
		p.ServerID = serverID
		if err := c.queue.SavePayload(entry.ID, p); err != nil {
			return err
		}
	}
	if p.Seq == 0 {
		seq, err := c.remote.TransactionalIncrement(ctx, "conversations/"+p.ConvID+"/seq")
		if err != nil {
			return err
		}
		p.Seq = seq
		if err := c.queue.SavePayload(entry.ID, p); err != nil {
			return err
		}
	}

	ack, err := c.remote.Write(ctx, "conversations/"+p.ConvID+"/messages/"+p.ServerID, remote.MessageRecord{
		ID:            p.ServerID,
		ClientID:      p.LocalID,
		ConvID:        p.ConvID,
		Author:        p.Author,
		Body:          p.Body,
		AttachmentURL: p.AttachmentURL,
		LocalTS:       p.LocalTS,
		Seq:           p.Seq,
	})
	if err != nil {
		return err
	}

	if err := c.db.FinalizeMessage(p.ConvID, p.LocalID, p.ServerID, ack.ServerTS, p.Seq); err != nil {
		return err
	}
	c.publish(bus.KindMessageUpserted, map[string]string{"conv_id": p.ConvID, "msg_id": p.ServerID})
	return nil
}

func (c *Coordinator) transmitRead(ctx context.Context, p markReadPayload) error {
	if err := c.ensureConversationSynced(ctx, p.ConvID); err != nil {
		return err
	}
	if _, err := c.remote.Write(ctx, "conversations/"+p.ConvID+"/receipts/"+p.Actor, remote.ReceiptRecord{
		Actor:  p.Actor,
		MsgIDs: p.MsgIDs,
		ReadAt: p.ReadAt,
	}); err != nil {
		return err
	}
	// The viewer's unread counter is server-maintained; reading resets it.
	_, err := c.remote.Write(ctx, "conversations/"+p.ConvID+"/unread/"+p.Actor, int64(0))
	return err
}

func (c *Coordinator) ensureConversationSynced(ctx context.Context, convID string) error {
	conv, err := c.db.GetConversation(convID)
	if err != nil {
		return err
	}
	if conv == nil {
		return fmt.Errorf("%w: conversation %s missing locally", remote.ErrValidation, convID)
	}
	if conv.SyncState == status.Synced {
		return nil
	}
	if err := c.transmitConversation(ctx, conv.ID, conv.Participants, conv.Admins); err != nil {
		return err
	}
	// The queued creation entry is now redundant.
	return c.db.AckOutboxByEntity(outbox.KindConversationCreate, convID)
}

func (c *Coordinator) lane(convID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lanes[convID] == nil {
		c.lanes[convID] = &sync.Mutex{}
	}
	return c.lanes[convID]
}

func (c *Coordinator) publish(kind string, payload any) {
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", remote.ErrValidation, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
