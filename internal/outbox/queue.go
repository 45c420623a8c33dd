// Package outbox drives the durable retry queue for locally committed
// mutations. Entries survive restarts; transient failures reschedule with
// bounded exponential backoff, terminal rejections and exhausted budgets
// park the entry for explicit user action.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/store"
)

// Mutation kinds carried by outbox entries.
const (
	KindConversationCreate = "conversation.create"
	KindMessageSend        = "message.send"
	KindMessageRead        = "message.read"
)

// Queue is the durable outbox backed by the local store.
type Queue struct {
	db     *store.DB
	policy Policy
	now    func() time.Time
}

// NewQueue creates a queue with the given backoff policy.
func NewQueue(db *store.DB, policy Policy) *Queue {
	return &Queue{db: db, policy: policy, now: time.Now}
}

// SetClock overrides the queue clock. Test hook.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue persists a new entry for the given mutation.
func (q *Queue) Enqueue(kind, entityID, convID string, payload any) (*store.OutboxEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	e := &store.OutboxEntry{
		ID:       uuid.NewString(),
		Kind:     kind,
		EntityID: entityID,
		ConvID:   convID,
		Payload:  raw,
		State:    store.OutboxQueued,
	}
	if err := q.db.EnqueueOutbox(e); err != nil {
		return nil, fmt.Errorf("enqueue outbox: %w", err)
	}
	return e, nil
}

// DequeueReady returns queued entries eligible for transmission now.
func (q *Queue) DequeueReady() ([]store.OutboxEntry, error) {
	return q.db.ReadyOutbox(q.now().UnixMilli())
}

// Ack removes an entry after confirmed remote success.
func (q *Queue) Ack(id string) error {
	return q.db.AckOutbox(id)
}

// Cancel removes an entry that has not started transmitting (user-initiated
// cancel send). Returns false if the entry is mid-flight or already gone.
func (q *Queue) Cancel(id string) (bool, error) {
	return q.db.CancelOutbox(id)
}

// Retry re-queues a non-terminal failed entry with a fresh retry budget.
func (q *Queue) Retry(id string) (bool, error) {
	return q.db.RequeueOutbox(id)
}

// RecordFailure classifies a transmission failure and updates the entry.
// It returns true when the entry will not be auto-retried again, either
// because the rejection is terminal or the retry budget is exhausted.
func (q *Queue) RecordFailure(e *store.OutboxEntry, cause error) (done bool, terminal bool, err error) {
	if remote.Terminal(cause) {
		if err := q.db.FailOutbox(e.ID, true, cause.Error()); err != nil {
			return false, false, err
		}
		return true, true, nil
	}
	attempts := e.Attempts + 1
	if q.policy.Exhausted(attempts) {
		if err := q.db.FailOutbox(e.ID, false, cause.Error()); err != nil {
			return false, false, err
		}
		return true, false, nil
	}
	next := q.now().Add(q.policy.Delay(e.Attempts)).UnixMilli()
	if err := q.db.RescheduleOutbox(e.ID, attempts, next, cause.Error()); err != nil {
		return false, false, err
	}
	return false, false, nil
}

// SavePayload persists a mutated payload back to the entry, so fields the
// remote assigned mid-attempt survive a crash before the ack.
func (q *Queue) SavePayload(id string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return q.db.UpdateOutboxPayload(id, raw)
}
