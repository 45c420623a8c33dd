package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/lucasmbraz/syncbox/internal/bus"
	"github.com/lucasmbraz/syncbox/internal/store"
	"go.uber.org/zap"
)

// Transmitter sends one outbox entry to the remote store. Implemented by the
// sync coordinator.
type Transmitter interface {
	Transmit(ctx context.Context, entry *store.OutboxEntry) error
	// EntityFailed marks the entry's entity failed once the entry stops
	// auto-retrying. Terminal distinguishes rejections from exhausted budgets.
	EntityFailed(entry *store.OutboxEntry, cause error, terminal bool)
}

// Sender drains the outbox in the background. Entries for one conversation
// transmit strictly in order on a single lane; distinct conversations
// proceed in parallel.
type Sender struct {
	queue          *Queue
	transmitter    Transmitter
	bus            *bus.Bus
	logger         *zap.Logger
	attemptTimeout time.Duration
	pollInterval   time.Duration
	cancel         context.CancelFunc

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewSender creates a new outbox sender.
func NewSender(queue *Queue, transmitter Transmitter, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		queue:          queue,
		transmitter:    transmitter,
		bus:            b,
		logger:         logger,
		attemptTimeout: 10 * time.Second,
		pollInterval:   250 * time.Millisecond,
		inflight:       make(map[string]bool),
	}
}

// Start begins polling the outbox for ready entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for in-flight lanes to drain.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processReady(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processReady(ctx context.Context) {
	ready, err := s.queue.DequeueReady()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	if len(ready) == 0 {
		return
	}

	// One lane per conversation; ReadyOutbox returns oldest first so the
	// per-lane slice preserves submission order.
	lanes := make(map[string][]store.OutboxEntry)
	var order []string
	for _, e := range ready {
		if _, ok := lanes[e.ConvID]; !ok {
			order = append(order, e.ConvID)
		}
		lanes[e.ConvID] = append(lanes[e.ConvID], e)
	}

	for _, convID := range order {
		entries := lanes[convID]
		s.mu.Lock()
		if s.inflight[convID] {
			s.mu.Unlock()
			continue
		}
		s.inflight[convID] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(convID string, entries []store.OutboxEntry) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.inflight, convID)
				s.mu.Unlock()
			}()
			s.drainLane(ctx, entries)
		}(convID, entries)
	}
}

func (s *Sender) drainLane(ctx context.Context, entries []store.OutboxEntry) {
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		if !s.attempt(ctx, &entries[i]) {
			// A transient failure parks the lane; later entries must not
			// overtake the one that failed.
			return
		}
	}
}

// attempt transmits one entry. Returns false when the lane should stop.
func (s *Sender) attempt(ctx context.Context, entry *store.OutboxEntry) bool {
	if err := s.queue.db.MarkOutboxSending(entry.ID); err != nil {
		s.logger.Error("failed to mark sending", zap.Error(err), zap.String("entry_id", entry.ID))
		return false
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	err := s.transmitter.Transmit(attemptCtx, entry)
	cancel()

	if err == nil {
		if ackErr := s.queue.Ack(entry.ID); ackErr != nil {
			s.logger.Error("failed to ack outbox entry", zap.Error(ackErr), zap.String("entry_id", entry.ID))
		}
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendAck,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"entry_id":  entry.ID,
				"entity_id": entry.EntityID,
				"conv_id":   entry.ConvID,
			},
		})
		return true
	}

	done, terminal, qErr := s.queue.RecordFailure(entry, err)
	if qErr != nil {
		s.logger.Error("failed to record outbox failure", zap.Error(qErr), zap.String("entry_id", entry.ID))
		return false
	}
	if done {
		s.transmitter.EntityFailed(entry, err, terminal)
		s.bus.Publish(bus.Event{
			Kind:      bus.KindMessageSendFailed,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"entry_id":  entry.ID,
				"entity_id": entry.EntityID,
				"conv_id":   entry.ConvID,
				"error":     err.Error(),
			},
		})
		s.logger.Error("outbox entry failed",
			zap.Error(err), zap.String("entry_id", entry.ID), zap.Bool("terminal", terminal))
		// The entity is settled; later entries in the lane may still apply.
		return true
	}

	s.logger.Warn("transient send failure, rescheduled",
		zap.Error(err), zap.String("entry_id", entry.ID), zap.Int("attempts", entry.Attempts+1))
	return false
}
