package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucasmbraz/syncbox/internal/status"
)

// maxBodyBytes is the validation ceiling for message payloads.
const maxBodyBytes = 64 * 1024

// Memory is an in-process Store. It keeps the authoritative documents,
// assigns server timestamps and sequence numbers, and pushes deltas to
// subscribers, which makes it a faithful stand-in for the managed backend in
// development and tests.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	convs     map[string]*ConversationRecord
	messages  map[string]map[string]*MessageRecord // convID -> msgID
	counters  map[string]int64
	ephemeral map[string]PresenceRecord
	history   map[string][]Delta
	subs      map[string][]*memSub
	seqs      map[string]int64
}

// NewMemory creates an empty in-process remote store.
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		convs:     make(map[string]*ConversationRecord),
		messages:  make(map[string]map[string]*MessageRecord),
		counters:  make(map[string]int64),
		ephemeral: make(map[string]PresenceRecord),
		history:   make(map[string][]Delta),
		subs:      make(map[string][]*memSub),
		seqs:      make(map[string]int64),
	}
}

// SetClock overrides the server clock. Test hook.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Write stores a value at a path and emits the corresponding delta.
// Supported paths:
//
//	conversations/<id>
//	conversations/<id>/messages/<msgID>
//	conversations/<id>/status/<msgID>
//	conversations/<id>/receipts/<actor>
//	conversations/<id>/unread/<actor>
func (m *Memory) Write(_ context.Context, path string, value any) (Ack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	serverTS := m.now().UnixMilli()
	parts := strings.Split(path, "/")

	switch {
	case len(parts) == 2 && parts[0] == "conversations":
		rec, ok := value.(ConversationRecord)
		if !ok {
			return Ack{}, fmt.Errorf("%w: conversation path wants ConversationRecord", ErrValidation)
		}
		if rec.ID != parts[1] {
			return Ack{}, fmt.Errorf("%w: path %q vs record id %q", ErrConflict, path, rec.ID)
		}
		if len(rec.Participants) == 0 {
			return Ack{}, fmt.Errorf("%w: empty participant set", ErrValidation)
		}
		existing := m.convs[rec.ID]
		if existing != nil {
			// Creation race: both actors derived the same identity, so the
			// record converges. Keep server-maintained counters.
			rec.Unread = existing.Unread
		}
		if rec.Unread == nil {
			rec.Unread = make(map[string]int64)
		}
		m.convs[rec.ID] = &rec
		m.emitLocked(rec.ID, Delta{Kind: DeltaConversation, Scope: rec.ID, Conversation: cloneConv(&rec)})
		return Ack{ServerTS: serverTS}, nil

	case len(parts) == 4 && parts[0] == "conversations" && parts[2] == "messages":
		rec, ok := value.(MessageRecord)
		if !ok {
			return Ack{}, fmt.Errorf("%w: message path wants MessageRecord", ErrValidation)
		}
		if rec.Body == "" && rec.AttachmentURL == "" {
			return Ack{}, fmt.Errorf("%w: empty message", ErrValidation)
		}
		if len(rec.Body) > maxBodyBytes {
			return Ack{}, fmt.Errorf("%w: body exceeds %d bytes", ErrValidation, maxBodyBytes)
		}
		convID := parts[1]
		if m.convs[convID] == nil {
			return Ack{}, fmt.Errorf("%w: conversation %s does not exist", ErrPermission, convID)
		}
		rec.ID = parts[3]
		rec.ConvID = convID
		if existing := m.messages[convID][rec.ID]; existing != nil {
			// Idempotent retry of an already-accepted write.
			return Ack{ServerTS: existing.ServerTS}, nil
		}
		rec.ServerTS = serverTS
		if m.messages[convID] == nil {
			m.messages[convID] = make(map[string]*MessageRecord)
		}
		stored := rec
		m.messages[convID][rec.ID] = &stored
		m.emitLocked(convID, Delta{Kind: DeltaMessageNew, Scope: convID, Message: cloneMsg(&stored)})
		// Unread counters are maintained server-side so a retried message
		// write never double-counts.
		conv := m.convs[convID]
		bumped := false
		for _, p := range conv.Participants {
			if p == rec.Author {
				continue
			}
			conv.Unread[p]++
			m.counters["conversations/"+convID+"/unread/"+p] = conv.Unread[p]
			bumped = true
		}
		if bumped {
			m.emitLocked(convID, Delta{Kind: DeltaConversation, Scope: convID, Conversation: cloneConv(conv)})
		}
		return Ack{ServerTS: serverTS}, nil

	case len(parts) == 4 && parts[0] == "conversations" && parts[2] == "unread":
		count, ok := value.(int64)
		if !ok {
			return Ack{}, fmt.Errorf("%w: unread path wants int64", ErrValidation)
		}
		conv := m.convs[parts[1]]
		if conv == nil {
			return Ack{}, fmt.Errorf("%w: conversation %s does not exist", ErrPermission, parts[1])
		}
		conv.Unread[parts[3]] = count
		m.counters[path] = count
		m.emitLocked(conv.ID, Delta{Kind: DeltaConversation, Scope: conv.ID, Conversation: cloneConv(conv)})
		return Ack{ServerTS: serverTS}, nil

	case len(parts) == 4 && parts[0] == "conversations" && parts[2] == "status":
		rec, ok := value.(StatusRecord)
		if !ok {
			return Ack{}, fmt.Errorf("%w: status path wants StatusRecord", ErrValidation)
		}
		rec.MsgID = parts[3]
		m.emitLocked(parts[1], Delta{Kind: DeltaMessageStatus, Scope: parts[1], Status: &rec})
		return Ack{ServerTS: serverTS}, nil

	case len(parts) == 4 && parts[0] == "conversations" && parts[2] == "receipts":
		rec, ok := value.(ReceiptRecord)
		if !ok {
			return Ack{}, fmt.Errorf("%w: receipt path wants ReceiptRecord", ErrValidation)
		}
		convID := parts[1]
		for _, msgID := range rec.MsgIDs {
			m.emitLocked(convID, Delta{Kind: DeltaMessageStatus, Scope: convID, Status: &StatusRecord{
				MsgID:    msgID,
				Delivery: status.Read,
				Reader:   rec.Actor,
				ReadAt:   rec.ReadAt,
			}})
		}
		return Ack{ServerTS: serverTS}, nil
	}

	return Ack{}, fmt.Errorf("%w: unsupported path %q", ErrValidation, path)
}

// TransactionalIncrement atomically bumps the counter at a path. Unread
// counter paths re-emit the owning conversation so viewers see the new value.
func (m *Memory) TransactionalIncrement(_ context.Context, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counters[path]++
	value := m.counters[path]

	if parts := strings.Split(path, "/"); len(parts) == 4 && parts[0] == "conversations" && parts[2] == "unread" {
		if conv := m.convs[parts[1]]; conv != nil {
			conv.Unread[parts[3]] = value
			m.emitLocked(conv.ID, Delta{Kind: DeltaConversation, Scope: conv.ID, Conversation: cloneConv(conv)})
		}
	}
	return value, nil
}

// GenerateChildID mints a unique child identity under a path.
func (m *Memory) GenerateChildID(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

// SetEphemeral writes auto-expiring presence state and notifies observers.
func (m *Memory) SetEphemeral(_ context.Context, path string, value PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value.At == 0 {
		value.At = m.now().UnixMilli()
	}
	m.ephemeral[path] = value
	rec := value
	m.emitLocked(PresenceScope(value.Scope), Delta{Kind: DeltaPresence, Scope: PresenceScope(value.Scope), Presence: &rec})
	return nil
}

// ClearEphemeral removes presence state and notifies observers.
func (m *Memory) ClearEphemeral(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearEphemeralLocked(path)
	return nil
}

// Disconnect simulates an ungraceful client disconnect: the server removes
// every ephemeral record the connection owned. Test hook for the
// remove-on-disconnect primitive.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.ephemeral {
		m.clearEphemeralLocked(path)
	}
}

func (m *Memory) clearEphemeralLocked(path string) {
	rec, ok := m.ephemeral[path]
	if !ok {
		return
	}
	delete(m.ephemeral, path)
	rec.Active = false
	rec.At = m.now().UnixMilli()
	m.emitLocked(PresenceScope(rec.Scope), Delta{Kind: DeltaPresence, Scope: PresenceScope(rec.Scope), Presence: &rec})
}

// Subscribe opens a delta stream for a scope, replaying history after fromSeq.
func (m *Memory) Subscribe(_ context.Context, scope string, fromSeq int64) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memSub{ch: make(chan Delta, 256)}
	for _, d := range m.history[scope] {
		if d.Seq > fromSeq {
			sub.deliver(d)
		}
	}
	m.subs[scope] = append(m.subs[scope], sub)
	return sub, nil
}

// emitLocked assigns the per-scope delta sequence, records history for
// cursor resume, and fans out to live subscribers.
func (m *Memory) emitLocked(scope string, d Delta) {
	m.seqs[scope]++
	d.Seq = m.seqs[scope]
	m.history[scope] = append(m.history[scope], d)
	for _, sub := range m.subs[scope] {
		sub.deliver(d)
	}
}

type memSub struct {
	mu     sync.Mutex
	ch     chan Delta
	closed bool
}

func (s *memSub) Deltas() <-chan Delta { return s.ch }

// Close tears down the stream. Deliveries racing with Close are dropped.
func (s *memSub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *memSub) deliver(d Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- d:
	default:
		// Buffer full: end the stream so the consumer resubscribes from
		// its cursor instead of silently missing a delta.
		s.closed = true
		close(s.ch)
	}
}

func cloneConv(c *ConversationRecord) *ConversationRecord {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.Admins = append([]string(nil), c.Admins...)
	out.Unread = make(map[string]int64, len(c.Unread))
	for k, v := range c.Unread {
		out.Unread[k] = v
	}
	return &out
}

func cloneMsg(msg *MessageRecord) *MessageRecord {
	out := *msg
	return &out
}
