// Package remote defines the contract this engine consumes from the
// authoritative remote store, plus two implementations: an in-process
// Memory store for development and tests, and a websocket Client for a real
// backend. The remote store is the sole owner of server-assigned timestamps
// and sequence numbers.
package remote

import (
	"context"

	"github.com/lucasmbraz/syncbox/internal/status"
)

// Ack is the acceptance response for a write, carrying the server-assigned
// timestamp for the written record.
type Ack struct {
	ServerTS int64
}

// Store is the remote store contract.
type Store interface {
	// Write stores a value at a path and returns the acceptance ack.
	Write(ctx context.Context, path string, value any) (Ack, error)
	// TransactionalIncrement atomically increments the counter at a path and
	// returns the new value. Used for sequence numbers and unread counters.
	TransactionalIncrement(ctx context.Context, path string) (int64, error)
	// GenerateChildID mints a unique child identity under a path. Message
	// identity is always server-generated so retried writes are idempotent.
	GenerateChildID(ctx context.Context, path string) (string, error)
	// Subscribe opens a delta stream for a scope, replaying deltas after
	// fromSeq before going live.
	Subscribe(ctx context.Context, scope string, fromSeq int64) (Subscription, error)
	// SetEphemeral writes auto-expiring state that the server removes on
	// ungraceful disconnect.
	SetEphemeral(ctx context.Context, path string, value PresenceRecord) error
	// ClearEphemeral explicitly removes ephemeral state.
	ClearEphemeral(ctx context.Context, path string) error
}

// Subscription is a handle on a delta stream. Close is safe to call
// concurrently with in-flight delivery; deliveries after Close are dropped.
type Subscription interface {
	Deltas() <-chan Delta
	Close() error
}

// DeltaKind discriminates the delta payload.
type DeltaKind string

const (
	DeltaConversation  DeltaKind = "conversation"
	DeltaMessageNew    DeltaKind = "message.new"
	DeltaMessageStatus DeltaKind = "message.status"
	DeltaPresence      DeltaKind = "presence"
)

// Delta is an incremental change pushed by the remote store to subscribers.
// Seq is the per-scope delta sequence used for cursor resume.
type Delta struct {
	Kind         DeltaKind           `json:"kind"`
	Scope        string              `json:"scope"`
	Seq          int64               `json:"seq"`
	Conversation *ConversationRecord `json:"conversation,omitempty"`
	Message      *MessageRecord      `json:"message,omitempty"`
	Status       *StatusRecord       `json:"status,omitempty"`
	Presence     *PresenceRecord     `json:"presence,omitempty"`
}

// ConversationRecord is the remote conversation document. Unread counters
// are per viewer and maintained server-side via transactional increments.
type ConversationRecord struct {
	ID                 string           `json:"id"`
	Participants       []string         `json:"participants"`
	Admins             []string         `json:"admins"`
	LastMessageAt      int64            `json:"lastMessageAt,omitempty"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastMessageAuthor  string           `json:"lastMessageAuthor,omitempty"`
	Unread             map[string]int64 `json:"unread,omitempty"`
	Archived           bool             `json:"archived,omitempty"`
}

// MessageRecord is the remote message document. ClientID carries the
// sender's local placeholder so the sender can recognize the echo of its own
// write. The record includes every field the push-notification dispatcher
// depends on (author, body, conversation).
type MessageRecord struct {
	ID            string `json:"id"`
	ClientID      string `json:"clientId,omitempty"`
	ConvID        string `json:"convId"`
	Author        string `json:"author"`
	Body          string `json:"body"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	LocalTS       int64  `json:"localTs"`
	ServerTS      int64  `json:"serverTs,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
}

// StatusRecord is a delivery-status or read-receipt change for one message.
type StatusRecord struct {
	MsgID    string          `json:"msgId"`
	Delivery status.Delivery `json:"delivery"`
	Reader   string          `json:"reader,omitempty"`
	ReadAt   int64           `json:"readAt,omitempty"`
}

// ReceiptRecord is the write payload for a batch of read receipts.
type ReceiptRecord struct {
	Actor  string   `json:"actor"`
	MsgIDs []string `json:"msgIds"`
	ReadAt int64    `json:"readAt"`
}

// PresenceRecord is short-lived activity state. It is never persisted
// locally; the server removes it on disconnect.
type PresenceRecord struct {
	Scope  string `json:"scope"`
	Actor  string `json:"actor"`
	Active bool   `json:"active"`
	At     int64  `json:"at"`
}

// PresenceScope returns the subscription scope for a conversation's
// ephemeral presence channel.
func PresenceScope(convID string) string {
	return "presence/" + convID
}

// PresencePath returns the ephemeral path for one actor in a scope.
func PresencePath(convID, actor string) string {
	return "presence/" + convID + "/" + actor
}
