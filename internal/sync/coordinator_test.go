package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/identity"
	"github.com/lucasmbraz/syncbox/internal/outbox"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/status"
	"github.com/lucasmbraz/syncbox/internal/store"
	"go.uber.org/zap"
)

type fixture struct {
	db     *store.DB
	queue  *outbox.Queue
	remote *remote.Memory
	bus    *bus.Bus
	coord  *Coordinator
}

func newFixture(t *testing.T, self string) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mem := remote.NewMemory()
	b := bus.New()
	q := outbox.NewQueue(db, outbox.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 3})
	return &fixture{
		db:     db,
		queue:  q,
		remote: mem,
		bus:    b,
		coord:  NewCoordinator(db, q, mem, b, self, zap.NewNop()),
	}
}

// drainOutbox transmits every ready entry through the coordinator, acking on
// success, the way the sender would.
func (f *fixture) drainOutbox(t *testing.T) {
	t.Helper()
	ready, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	for i := range ready {
		if err := f.coord.Transmit(context.Background(), &ready[i]); err != nil {
			t.Fatalf("transmit %s: %v", ready[i].ID, err)
		}
		if err := f.queue.Ack(ready[i].ID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestCreateConversationIsDeterministic(t *testing.T) {
	f := newFixture(t, "alice")

	first, err := f.coord.CreateConversation([]string{"bob", "alice"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Errorf("ids diverged: %q vs %q", first.ID, second.ID)
	}
	if first.ID != "alice:bob" {
		t.Errorf("id = %q", first.ID)
	}

	convs, err := f.db.ListConversations(10, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Errorf("conversations = %d, want 1", len(convs))
	}
	ready, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 {
		t.Errorf("outbox entries = %d, want 1 (no duplicate create)", len(ready))
	}
}

func TestCreateConversationRejectsEmptySet(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation(nil, nil); !errors.Is(err, remote.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestCreateGroupPromotesCreatorToAdmin(t *testing.T) {
	f := newFixture(t, "alice")
	conv, err := f.coord.CreateConversation([]string{"alice", "bob", "carol"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Admins) != 1 || conv.Admins[0] != "alice" {
		t.Errorf("admins = %v, want creator", conv.Admins)
	}
}

func TestSendMessageAppliesOptimistically(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}

	msg, err := f.coord.SendMessage("alice:bob", "hello from a tunnel", "")
	if err != nil {
		t.Fatal(err)
	}
	if !identity.IsLocal(msg.ID) {
		t.Errorf("id = %q, want local placeholder", msg.ID)
	}
	if msg.SyncState != status.Pending || msg.Delivery != status.Sent {
		t.Errorf("state = %s/%s", msg.SyncState, msg.Delivery)
	}

	// Visible immediately, before any network traffic.
	stored, err := f.db.GetMessage("alice:bob", msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("optimistic message not stored")
	}
	conv, err := f.db.GetConversation("alice:bob")
	if err != nil {
		t.Fatal(err)
	}
	if conv.LastMessagePreview != "hello from a tunnel" {
		t.Errorf("preview = %q", conv.LastMessagePreview)
	}
}

func TestSendMessageRequiresConversation(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.SendMessage("nope", "hi", ""); err == nil {
		t.Error("send into missing conversation succeeded")
	}
}

func TestTransmitFinalizesMessage(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	msg, err := f.coord.SendMessage("alice:bob", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	f.drainOutbox(t)

	// Placeholder replaced by the server identity, seq and timestamp set.
	if gone, _ := f.db.GetMessage("alice:bob", msg.ID); gone != nil {
		t.Error("placeholder row still present after sync")
	}
	msgs, err := f.db.ListMessages("alice:bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	final := msgs[0]
	if identity.IsLocal(final.ID) {
		t.Errorf("id = %q, want server identity", final.ID)
	}
	if final.SyncState != status.Synced || final.Seq != 1 || final.ServerTS == 0 {
		t.Errorf("final = state %s seq %d serverTS %d", final.SyncState, final.Seq, final.ServerTS)
	}
	conv, _ := f.db.GetConversation("alice:bob")
	if conv.SyncState != status.Synced {
		t.Errorf("conversation state = %s", conv.SyncState)
	}
}

func TestTransmitSyncsParentBeforeChild(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.SendMessage("alice:bob", "first", ""); err != nil {
		t.Fatal(err)
	}

	// Pick only the message entry, as if the send became ready while the
	// creation entry were still waiting.
	ready, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	var sendEntry *store.OutboxEntry
	for i := range ready {
		if ready[i].Kind == outbox.KindMessageSend {
			sendEntry = &ready[i]
		}
	}
	if sendEntry == nil {
		t.Fatal("no send entry queued")
	}
	if err := f.coord.Transmit(context.Background(), sendEntry); err != nil {
		t.Fatal(err)
	}

	// The conversation was written remotely ahead of the message and its
	// queued creation entry is redundant now.
	conv, _ := f.db.GetConversation("alice:bob")
	if conv.SyncState != status.Synced {
		t.Errorf("conversation state = %s, want synced", conv.SyncState)
	}
	remaining, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range remaining {
		if e.Kind == outbox.KindConversationCreate {
			t.Error("redundant creation entry left queued")
		}
	}
}

func TestTransmitRetryReusesServerIdentity(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.SendMessage("alice:bob", "hello", ""); err != nil {
		t.Fatal(err)
	}

	ready, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	var sendEntry *store.OutboxEntry
	for i := range ready {
		if ready[i].Kind == outbox.KindMessageSend {
			sendEntry = &ready[i]
		}
	}

	// First attempt succeeds remotely but the ack is "lost": transmit again
	// with the persisted payload, as a restarted sender would.
	if err := f.coord.Transmit(context.Background(), sendEntry); err != nil {
		t.Fatal(err)
	}
	retried, err := f.db.GetOutbox(sendEntry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(retried.Payload), "serverId") {
		t.Fatal("server identity not persisted into the entry payload")
	}
	if err := f.coord.Transmit(context.Background(), retried); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.ListMessages("alice:bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1 (no duplicate from retry)", len(msgs))
	}
	if msgs[0].Seq != 1 {
		t.Errorf("seq = %d, want 1 (no second increment)", msgs[0].Seq)
	}
}

func TestMarkReadAdvancesAndClearsUnread(t *testing.T) {
	f := newFixture(t, "bob")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.InsertMessage(&store.Message{
		ConvID: "alice:bob", ID: "srv-1", Author: "alice", Body: "hi",
		LocalTS: 1000, Delivery: status.Delivered, SyncState: status.Synced,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.db.SetUnreadCount("alice:bob", 1); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.MarkRead("alice:bob", []string{"srv-1"}); err != nil {
		t.Fatal(err)
	}

	msg, _ := f.db.GetMessage("alice:bob", "srv-1")
	if msg.Delivery != status.Read {
		t.Errorf("delivery = %s", msg.Delivery)
	}
	if _, ok := msg.ReadReceipts["bob"]; !ok {
		t.Error("reader receipt missing")
	}
	conv, _ := f.db.GetConversation("alice:bob")
	if conv.UnreadCount != 0 {
		t.Errorf("unread = %d", conv.UnreadCount)
	}

	f.drainOutbox(t)
}

func TestCancelSendRemovesOptimisticMessage(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	msg, err := f.coord.SendMessage("alice:bob", "oops", "")
	if err != nil {
		t.Fatal(err)
	}

	ready, err := f.queue.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	var entryID string
	for _, e := range ready {
		if e.Kind == outbox.KindMessageSend {
			entryID = e.ID
		}
	}
	cancelled, err := f.coord.CancelSend(entryID)
	if err != nil {
		t.Fatal(err)
	}
	if !cancelled {
		t.Fatal("queued send not cancelled")
	}
	if got, _ := f.db.GetMessage("alice:bob", msg.ID); got != nil {
		t.Error("cancelled message still present")
	}
}

func TestEntityFailedMarksMessageFailed(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	msg, err := f.coord.SendMessage("alice:bob", "hello", "")
	if err != nil {
		t.Fatal(err)
	}

	ready, _ := f.queue.DequeueReady()
	var sendEntry *store.OutboxEntry
	for i := range ready {
		if ready[i].Kind == outbox.KindMessageSend {
			sendEntry = &ready[i]
		}
	}
	f.coord.EntityFailed(sendEntry, errors.New("gave up"), false)

	got, _ := f.db.GetMessage("alice:bob", msg.ID)
	if got.SyncState != status.Failed {
		t.Errorf("state = %s, want failed", got.SyncState)
	}
}

func TestRetrySendRestoresPending(t *testing.T) {
	f := newFixture(t, "alice")
	if _, err := f.coord.CreateConversation([]string{"alice", "bob"}, nil); err != nil {
		t.Fatal(err)
	}
	msg, err := f.coord.SendMessage("alice:bob", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	ready, _ := f.queue.DequeueReady()
	var sendEntry *store.OutboxEntry
	for i := range ready {
		if ready[i].Kind == outbox.KindMessageSend {
			sendEntry = &ready[i]
		}
	}
	if err := f.db.FailOutbox(sendEntry.ID, false, "timeout"); err != nil {
		t.Fatal(err)
	}
	f.coord.EntityFailed(sendEntry, errors.New("timeout"), false)

	retried, err := f.coord.RetrySend(sendEntry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !retried {
		t.Fatal("retry refused")
	}
	got, _ := f.db.GetMessage("alice:bob", msg.ID)
	if got.SyncState != status.Pending {
		t.Errorf("state = %s, want pending", got.SyncState)
	}
}
