package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// command is a client-to-server request frame.
type command struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Path      string          `json:"path,omitempty"`
	Scope     string          `json:"scope,omitempty"`
	FromSeq   int64           `json:"fromSeq,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// frame is a server-to-client frame: either an ack correlated by request ID
// or a pushed delta.
type frame struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId,omitempty"`
	ServerTS  int64       `json:"serverTs,omitempty"`
	Value     int64       `json:"value,omitempty"`
	ChildID   string      `json:"childId,omitempty"`
	Scope     string      `json:"scope,omitempty"`
	Delta     *Delta      `json:"delta,omitempty"`
	Error     *frameError `json:"error,omitempty"`
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *frameError) toError() error {
	switch e.Code {
	case "validation":
		return fmt.Errorf("%w: %s", ErrValidation, e.Message)
	case "permission":
		return fmt.Errorf("%w: %s", ErrPermission, e.Message)
	case "conflict":
		return fmt.Errorf("%w: %s", ErrConflict, e.Message)
	default:
		return fmt.Errorf("remote error %s: %s", e.Code, e.Message)
	}
}

// Client is a websocket-backed Store. It correlates request/ack pairs by
// request ID, routes pushed deltas to scope subscriptions, and reconnects
// with jittered exponential backoff, resubscribing each scope from its last
// delivered sequence.
type Client struct {
	url    string
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	subs    map[string]*wsSub
	closed  bool

	base        time.Duration
	max         time.Duration
	maxAttempts int

	cancel context.CancelFunc
}

// NewClient creates a websocket remote store client.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:         url,
		logger:      logger,
		pending:     make(map[string]chan frame),
		subs:        make(map[string]*wsSub),
		base:        time.Second,
		max:         30 * time.Second,
		maxAttempts: 0, // reconnect forever
	}
}

// Connect dials the remote and starts the read loop. The given context
// bounds the handshake only; the connection and read loop live until Close.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial remote: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(loopCtx)
	return nil
}

// Close shuts the connection down and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	attempt := 0
	for {
		err := c.readFrames(ctx)
		if ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		delay := backoffDelay(c.base, c.max, attempt)
		attempt++
		if c.maxAttempts > 0 && attempt > c.maxAttempts {
			c.logger.Error("remote connection lost, giving up", zap.Error(err))
			return
		}
		c.logger.Warn("remote connection lost, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		conn, _, derr := websocket.Dial(ctx, c.url, nil)
		if derr != nil {
			continue
		}
		attempt = 0
		c.mu.Lock()
		c.conn = conn
		scopes := make(map[string]int64, len(c.subs))
		for scope, sub := range c.subs {
			scopes[scope] = sub.lastSeq()
		}
		c.mu.Unlock()
		// Re-establish every live subscription from its cursor.
		for scope, fromSeq := range scopes {
			if _, err := c.request(ctx, command{Type: "subscribe", Scope: scope, FromSeq: fromSeq}); err != nil {
				c.logger.Error("resubscribe failed", zap.String("scope", scope), zap.Error(err))
			}
		}
	}
}

func (c *Client) readFrames(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return fmt.Errorf("not connected")
		}
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		switch f.Type {
		case "ack":
			c.mu.Lock()
			ch := c.pending[f.RequestID]
			delete(c.pending, f.RequestID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case "delta":
			if f.Delta == nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[f.Scope]
			c.mu.Unlock()
			if sub != nil {
				sub.deliver(*f.Delta)
			}
		}
	}
}

func (c *Client) request(ctx context.Context, cmd command) (frame, error) {
	cmd.RequestID = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return frame{}, fmt.Errorf("remote not connected")
	}
	c.pending[cmd.RequestID] = ch
	c.mu.Unlock()

	if err := wsjson.Write(ctx, conn, cmd); err != nil {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case f := <-ch:
		if f.Error != nil {
			return frame{}, f.Error.toError()
		}
		return f, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	}
}

// Write implements Store.
func (c *Client) Write(ctx context.Context, path string, value any) (Ack, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	f, err := c.request(ctx, command{Type: "write", Path: path, Value: raw})
	if err != nil {
		return Ack{}, err
	}
	return Ack{ServerTS: f.ServerTS}, nil
}

// TransactionalIncrement implements Store.
func (c *Client) TransactionalIncrement(ctx context.Context, path string) (int64, error) {
	f, err := c.request(ctx, command{Type: "increment", Path: path})
	if err != nil {
		return 0, err
	}
	return f.Value, nil
}

// GenerateChildID implements Store.
func (c *Client) GenerateChildID(ctx context.Context, path string) (string, error) {
	f, err := c.request(ctx, command{Type: "childId", Path: path})
	if err != nil {
		return "", err
	}
	return f.ChildID, nil
}

// SetEphemeral implements Store. The server associates the value with this
// connection and removes it on ungraceful disconnect.
func (c *Client) SetEphemeral(ctx context.Context, path string, value PresenceRecord) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	_, err = c.request(ctx, command{Type: "ephemeral.set", Path: path, Value: raw})
	return err
}

// ClearEphemeral implements Store.
func (c *Client) ClearEphemeral(ctx context.Context, path string) error {
	_, err := c.request(ctx, command{Type: "ephemeral.clear", Path: path})
	return err
}

// Subscribe implements Store.
func (c *Client) Subscribe(ctx context.Context, scope string, fromSeq int64) (Subscription, error) {
	sub := &wsSub{
		ch:  make(chan Delta, 256),
		seq: fromSeq,
		onClose: func() {
			c.mu.Lock()
			delete(c.subs, scope)
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				// Best effort; the server also drops the scope on disconnect.
				go func() {
					unsubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_, _ = c.request(unsubCtx, command{Type: "unsubscribe", Scope: scope})
				}()
			}
		},
	}
	c.mu.Lock()
	c.subs[scope] = sub
	c.mu.Unlock()

	if _, err := c.request(ctx, command{Type: "subscribe", Scope: scope, FromSeq: fromSeq}); err != nil {
		c.mu.Lock()
		delete(c.subs, scope)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

type wsSub struct {
	onClose func()

	mu     sync.Mutex
	ch     chan Delta
	closed bool
	seq    int64
}

func (s *wsSub) Deltas() <-chan Delta { return s.ch }

func (s *wsSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (s *wsSub) deliver(d Delta) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if d.Seq > s.seq {
		s.seq = d.Seq
	}
	select {
	case s.ch <- d:
		s.mu.Unlock()
	default:
		// Buffer full: end the stream so the consumer resubscribes from
		// its cursor instead of silently missing a delta.
		s.closed = true
		close(s.ch)
		onClose := s.onClose
		s.mu.Unlock()
		if onClose != nil {
			onClose()
		}
	}
}

func (s *wsSub) lastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// backoffDelay computes a jittered exponential delay capped at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	return time.Duration(math.Min(
		float64(base)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(max),
	))
}
