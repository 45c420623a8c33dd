package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/store"
	"go.uber.org/zap"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewQueue(db, Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 3})
}

// fakeTransmitter scripts per-entry outcomes and records transmission order.
type fakeTransmitter struct {
	mu       sync.Mutex
	errs     map[string]error
	sent     []string
	failures []string
}

func (f *fakeTransmitter) Transmit(_ context.Context, entry *store.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, entry.ID)
	return f.errs[entry.ID]
}

func (f *fakeTransmitter) EntityFailed(entry *store.OutboxEntry, _ error, _ bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, entry.EntityID)
}

func (f *fakeTransmitter) sentIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func enqueueTest(t *testing.T, q *Queue, id, convID string, createdAt int64) {
	t.Helper()
	if err := q.db.EnqueueOutbox(&store.OutboxEntry{
		ID: id, Kind: KindMessageSend, EntityID: "entity-" + id, ConvID: convID,
		Payload: []byte(`{}`), CreatedAt: createdAt,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestSenderAcksSuccessfulEntries(t *testing.T) {
	q := testQueue(t)
	ft := &fakeTransmitter{}
	b := bus.New()
	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 4)
	defer unsub()

	s := NewSender(q, ft, b, zap.NewNop())
	enqueueTest(t, q, "e1", "conv-a", 1000)

	s.processReady(context.Background())
	s.wg.Wait()

	if got, _ := q.db.GetOutbox("e1"); got != nil {
		t.Error("successful entry not removed from outbox")
	}
	select {
	case evt := <-acks:
		payload := evt.Payload.(map[string]string)
		if payload["entry_id"] != "e1" {
			t.Errorf("ack for %q", payload["entry_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("no ack event published")
	}
}

func TestSenderPreservesLaneOrderOnTransientFailure(t *testing.T) {
	q := testQueue(t)
	ft := &fakeTransmitter{errs: map[string]error{"e1": errors.New("connection refused")}}
	s := NewSender(q, ft, bus.New(), zap.NewNop())

	enqueueTest(t, q, "e1", "conv-a", 1000)
	enqueueTest(t, q, "e2", "conv-a", 1001)

	s.processReady(context.Background())
	s.wg.Wait()

	// e2 must not overtake the failed e1 in the same conversation.
	if sent := ft.sentIDs(); len(sent) != 1 || sent[0] != "e1" {
		t.Errorf("sent = %v, want only e1", sent)
	}
	e1, _ := q.db.GetOutbox("e1")
	if e1 == nil || e1.State != store.OutboxQueued || e1.Attempts != 1 {
		t.Errorf("e1 not rescheduled: %+v", e1)
	}
	e2, _ := q.db.GetOutbox("e2")
	if e2 == nil || e2.State != store.OutboxQueued || e2.Attempts != 0 {
		t.Errorf("e2 touched: %+v", e2)
	}
}

func TestSenderRunsConversationsInParallelLanes(t *testing.T) {
	q := testQueue(t)
	ft := &fakeTransmitter{errs: map[string]error{"e1": errors.New("connection refused")}}
	s := NewSender(q, ft, bus.New(), zap.NewNop())

	enqueueTest(t, q, "e1", "conv-a", 1000)
	enqueueTest(t, q, "e2", "conv-b", 1001)

	s.processReady(context.Background())
	s.wg.Wait()

	// conv-a's failure must not block conv-b.
	sent := ft.sentIDs()
	if len(sent) != 2 {
		t.Fatalf("sent = %v, want both lanes attempted", sent)
	}
	if got, _ := q.db.GetOutbox("e2"); got != nil {
		t.Error("conv-b entry not acked")
	}
}

func TestSenderMarksEntityFailedOnTerminalRejection(t *testing.T) {
	q := testQueue(t)
	cause := fmt.Errorf("%w: body too large", remote.ErrValidation)
	ft := &fakeTransmitter{errs: map[string]error{"e1": cause}}
	b := bus.New()
	fails, unsub := b.Subscribe(bus.KindMessageSendFailed, 4)
	defer unsub()
	s := NewSender(q, ft, b, zap.NewNop())

	enqueueTest(t, q, "e1", "conv-a", 1000)
	s.processReady(context.Background())
	s.wg.Wait()

	entry, _ := q.db.GetOutbox("e1")
	if entry == nil || entry.State != store.OutboxFailed || !entry.Terminal {
		t.Errorf("entry = %+v, want terminal failed", entry)
	}
	if len(ft.failures) != 1 || ft.failures[0] != "entity-e1" {
		t.Errorf("EntityFailed calls = %v", ft.failures)
	}
	select {
	case <-fails:
	case <-time.After(time.Second):
		t.Fatal("no failure event published")
	}
}

func TestSenderStopsRetryingAfterBudgetExhausted(t *testing.T) {
	q := testQueue(t)
	q.SetClock(func() time.Time { return time.Unix(0, 0) })
	ft := &fakeTransmitter{errs: map[string]error{"e1": errors.New("connection refused")}}
	s := NewSender(q, ft, bus.New(), zap.NewNop())

	enqueueTest(t, q, "e1", "conv-a", 1000)
	// Each round reschedules with a tiny delay; drive rounds until the
	// three-attempt budget runs out.
	for i := 0; i < 10; i++ {
		entry, err := q.db.GetOutbox("e1")
		if err != nil {
			t.Fatal(err)
		}
		if entry.State == store.OutboxFailed {
			break
		}
		if err := q.db.RescheduleOutbox("e1", entry.Attempts, 0, entry.LastError); err != nil {
			t.Fatal(err)
		}
		s.processReady(context.Background())
		s.wg.Wait()
	}

	entry, _ := q.db.GetOutbox("e1")
	if entry == nil || entry.State != store.OutboxFailed {
		t.Fatalf("entry = %+v, want failed", entry)
	}
	if entry.Terminal {
		t.Error("exhausted budget marked terminal; user retry should stay possible")
	}
	if requeued, _ := q.Retry("e1"); !requeued {
		t.Error("user retry refused for exhausted entry")
	}
}

func TestFirstRetryWaitsBaseDelay(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	q := NewQueue(db, Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5})
	now := time.Unix(100, 0)
	q.SetClock(func() time.Time { return now })

	e, err := q.Enqueue(KindMessageSend, "local:p1", "conv-a", map[string]string{"body": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if done, _, err := q.RecordFailure(e, errors.New("connection refused")); err != nil || done {
		t.Fatalf("RecordFailure = done=%v err=%v", done, err)
	}

	got, err := db.GetOutbox(e.ID)
	if err != nil {
		t.Fatal(err)
	}
	wait := got.NextAttemptAt - now.UnixMilli()
	// First retry waits roughly one base delay (plus jitter up to half a
	// base), not the second backoff step.
	if wait < 1000 || wait > 1500 {
		t.Errorf("first retry scheduled %dms out, want within [1000, 1500]", wait)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
}

func TestQueueEnqueueRoundTrip(t *testing.T) {
	q := testQueue(t)
	type payload struct {
		Body string `json:"body"`
	}
	e, err := q.Enqueue(KindMessageSend, "local:p1", "conv-a", payload{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	ready, err := q.DequeueReady()
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != e.ID {
		t.Fatalf("ready = %v", ready)
	}
	if err := q.SavePayload(e.ID, payload{Body: "hi-final"}); err != nil {
		t.Fatal(err)
	}
	got, _ := q.db.GetOutbox(e.ID)
	if string(got.Payload) != `{"body":"hi-final"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}
