package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/config"
	"github.com/lucasmbraz/syncbox/internal/identity"
	"github.com/lucasmbraz/syncbox/internal/lock"
	"github.com/lucasmbraz/syncbox/internal/outbox"
	"github.com/lucasmbraz/syncbox/internal/remote"
	"github.com/lucasmbraz/syncbox/internal/status"
	"github.com/lucasmbraz/syncbox/internal/store"
	intsync "github.com/lucasmbraz/syncbox/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// TestEndToEndMessageSync composes the full engine by hand and walks one
// message through the pipeline: optimistic write, outbox pickup, remote
// confirmation, local finalization.
func TestEndToEndMessageSync(t *testing.T) {
	dataDir := t.TempDir()

	lk, err := lock.Acquire(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := store.Open(filepath.Join(dataDir, "syncbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	logger := zap.NewNop()
	b := bus.New()
	mem := remote.NewMemory()
	queue := outbox.NewQueue(db, outbox.Policy{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 3})
	coord := intsync.NewCoordinator(db, queue, mem, b, "alice", logger)
	listener := intsync.NewListener(db, mem, b, "alice", logger)
	defer listener.CloseAll()
	sender := outbox.NewSender(queue, coord, b, logger)

	acks, unsub := b.Subscribe(bus.KindMessageSendAck, 16)
	defer unsub()

	sender.Start(context.Background())
	defer sender.Stop()

	conv, err := coord.CreateConversation([]string{"alice", "bob"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := listener.Listen(context.Background(), conv.ID); err != nil {
		t.Fatal(err)
	}
	msg, err := coord.SendMessage(conv.ID, "through the whole stack", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.SyncState != status.Pending {
		t.Fatalf("optimistic state = %s", msg.SyncState)
	}

	// Two acks: conversation creation, then the message.
	for i := 0; i < 2; i++ {
		select {
		case <-acks:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for send ack")
		}
	}

	msgs, err := db.ListMessages(conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	final := msgs[0]
	if identity.IsLocal(final.ID) || final.SyncState != status.Synced || final.Seq != 1 {
		t.Errorf("final message = id %q state %s seq %d", final.ID, final.SyncState, final.Seq)
	}

	got, _ := db.GetConversation(conv.ID)
	if got.SyncState != status.Synced {
		t.Errorf("conversation state = %s", got.SyncState)
	}
	if ready, _ := queue.DequeueReady(); len(ready) != 0 {
		t.Errorf("outbox not drained: %v", ready)
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves and the
// lifecycle starts and stops cleanly against a temp data dir.
func TestFxModuleWiring(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := filepath.Join(dataDir, "config.toml")
	if err := config.Save(cfgPath, &config.Config{
		DataDir: dataDir,
		Actor:   "alice",
		Backoff: config.Backoff{BaseMS: 1, MaxMS: 10, MaxAttempts: 3},
		Presence: config.Presence{
			ThrottleMS: 10,
			IdleMS:     50,
		},
	}); err != nil {
		t.Fatal(err)
	}

	app := fx.New(
		Module(Params{ConfigPath: cfgPath}),
		fx.NopLogger,
	)
	if err := app.Err(); err != nil {
		t.Fatalf("fx graph error: %v", err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()
	if err := app.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
