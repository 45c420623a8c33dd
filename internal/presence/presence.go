// Package presence handles short-lived activity state (typing, online). It
// is fully ephemeral: signals ride the remote store's auto-expiring channel
// and never touch the local database, so a crashed client cannot leave a
// ghost typing indicator behind.
package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/lucasmbraz/syncbox/internal/remote"
	"go.uber.org/zap"
)

// Channel publishes this actor's activity signals. Repeated pings for the
// same conversation are throttled, and a signal auto-clears after the idle
// window even if the caller forgets to.
type Channel struct {
	remote   remote.Store
	self     string
	throttle time.Duration
	idle     time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	timers   map[string]*time.Timer
}

// NewChannel creates a presence channel for the given local actor.
func NewChannel(rs remote.Store, self string, throttle, idle time.Duration, logger *zap.Logger) *Channel {
	return &Channel{
		remote:   rs,
		self:     self,
		throttle: throttle,
		idle:     idle,
		logger:   logger,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
		timers:   make(map[string]*time.Timer),
	}
}

// SetClock overrides the channel clock. Test hook.
func (c *Channel) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Ping signals activity in a conversation. Pings inside the throttle window
// only rearm the idle timer; the remote write is skipped.
func (c *Channel) Ping(ctx context.Context, convID string) error {
	c.mu.Lock()
	now := c.now()
	last, sent := c.lastSent[convID]
	throttled := sent && now.Sub(last) < c.throttle
	if !throttled {
		c.lastSent[convID] = now
	}
	c.rearmLocked(convID)
	c.mu.Unlock()

	if throttled {
		return nil
	}
	return c.remote.SetEphemeral(ctx, remote.PresencePath(convID, c.self), remote.PresenceRecord{
		Scope:  convID,
		Actor:  c.self,
		Active: true,
		At:     now.UnixMilli(),
	})
}

// ClearActive explicitly withdraws this actor's signal for a conversation.
func (c *Channel) ClearActive(ctx context.Context, convID string) error {
	c.mu.Lock()
	if t := c.timers[convID]; t != nil {
		t.Stop()
		delete(c.timers, convID)
	}
	delete(c.lastSent, convID)
	c.mu.Unlock()
	return c.remote.ClearEphemeral(ctx, remote.PresencePath(convID, c.self))
}

// Close withdraws every outstanding signal.
func (c *Channel) Close() {
	c.mu.Lock()
	convIDs := make([]string, 0, len(c.timers))
	for convID, t := range c.timers {
		t.Stop()
		convIDs = append(convIDs, convID)
	}
	c.timers = make(map[string]*time.Timer)
	c.lastSent = make(map[string]time.Time)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, convID := range convIDs {
		if err := c.remote.ClearEphemeral(ctx, remote.PresencePath(convID, c.self)); err != nil {
			c.logger.Warn("failed to clear presence", zap.Error(err), zap.String("conv_id", convID))
		}
	}
}

func (c *Channel) rearmLocked(convID string) {
	if t := c.timers[convID]; t != nil {
		t.Stop()
	}
	c.timers[convID] = time.AfterFunc(c.idle, func() {
		c.mu.Lock()
		delete(c.timers, convID)
		delete(c.lastSent, convID)
		c.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.remote.ClearEphemeral(ctx, remote.PresencePath(convID, c.self)); err != nil {
			c.logger.Warn("failed to auto-clear presence", zap.Error(err), zap.String("conv_id", convID))
		}
	})
}

// Observer watches other actors' activity in one conversation. The observer
// expires stale signals on its own clock as a backstop against a remote that
// never delivered the clear.
type Observer struct {
	self    string
	idle    time.Duration
	now     func() time.Time
	sub     remote.Subscription
	cancel  context.CancelFunc
	updates chan []string

	mu     sync.Mutex
	active map[string]int64
}

// Observe opens an observer on a conversation's presence scope. The local
// actor's own signals are excluded.
func (c *Channel) Observe(ctx context.Context, convID string) (*Observer, error) {
	sub, err := c.remote.Subscribe(ctx, remote.PresenceScope(convID), 0)
	if err != nil {
		return nil, fmt.Errorf("observe presence: %w", err)
	}
	octx, cancel := context.WithCancel(ctx)
	o := &Observer{
		self:    c.self,
		idle:    c.idle,
		now:     c.now,
		sub:     sub,
		cancel:  cancel,
		updates: make(chan []string, 16),
		active:  make(map[string]int64),
	}
	go o.run(octx)
	return o, nil
}

func (o *Observer) run(ctx context.Context) {
	for {
		select {
		case d, ok := <-o.sub.Deltas():
			if !ok {
				return
			}
			if d.Kind != remote.DeltaPresence || d.Presence == nil || d.Presence.Actor == o.self {
				continue
			}
			o.mu.Lock()
			if d.Presence.Active {
				o.active[d.Presence.Actor] = d.Presence.At
			} else {
				delete(o.active, d.Presence.Actor)
			}
			o.mu.Unlock()
			select {
			case o.updates <- o.Active():
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// Active returns the actors currently signalling, oldest signals expired.
func (o *Observer) Active() []string {
	cutoff := o.now().Add(-o.idle).UnixMilli()
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for actor, at := range o.active {
		if at >= cutoff {
			out = append(out, actor)
		} else {
			delete(o.active, actor)
		}
	}
	slices.Sort(out)
	return out
}

// Updates streams active-set snapshots as signals arrive and clear.
func (o *Observer) Updates() <-chan []string {
	return o.updates
}

// Close stops the observer.
func (o *Observer) Close() error {
	o.cancel()
	return o.sub.Close()
}

// RenderTyping formats an active set as a typing indicator line.
func RenderTyping(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing…"
	case 2:
		return names[0] + " and " + names[1] + " are typing…"
	case 3:
		return names[0] + ", " + names[1] + " and " + names[2] + " are typing…"
	default:
		return fmt.Sprintf("%s, %s and %d others are typing…", names[0], names[1], len(names)-2)
	}
}
