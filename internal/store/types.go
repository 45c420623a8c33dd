package store

import "github.com/lucasmbraz/syncbox/internal/status"

// Conversation is the locally cached conversation record. The ID is a pure
// function of the participant set at creation time and never changes.
type Conversation struct {
	ID                 string
	Participants       []string
	Admins             []string
	LastMessageAt      int64
	LastMessagePreview string
	LastMessageAuthor  string
	UnreadCount        int64
	Archived           bool
	SyncState          status.SyncState
}

// Message is the locally cached message record. ID is server-assigned; until
// the remote confirms the write it holds a local placeholder. LocalTS is the
// client wall clock and is always set; ServerTS and Seq are zero until the
// server assigns them.
type Message struct {
	ConvID        string
	ID            string
	Author        string
	Body          string
	AttachmentURL string
	LocalTS       int64
	ServerTS      int64
	Seq           int64
	Delivery      status.Delivery
	SyncState     status.SyncState
	RetryCount    int
	ReadReceipts  map[string]int64
}

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxFailed  = "failed"
)

// OutboxEntry is a locally committed mutation awaiting remote confirmation.
// Entries are durable across restarts and are deleted only on confirmed
// success or user-initiated cancellation.
type OutboxEntry struct {
	ID            string
	Kind          string
	EntityID      string
	ConvID        string
	Payload       []byte
	Attempts      int
	NextAttemptAt int64
	State         string
	Terminal      bool
	LastError     string
	CreatedAt     int64
}
