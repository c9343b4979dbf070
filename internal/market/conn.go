package market

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"clob-agent/internal/clock"
	"clob-agent/internal/retry"
	"clob-agent/pkg/errs"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State of a streaming connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Streaming
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Streaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Framer builds the subscription frames for one channel protocol.
// Initial may return nil to send nothing.
type Framer interface {
	Initial(ids []string) any
	Change(subscribe bool, ids []string) any
}

// ConnConfig configures one resilient connection.
type ConnConfig struct {
	Name         string
	URL          string
	Backoff      retry.Policy
	PingInterval time.Duration
	ReadTimeout  time.Duration
	Dialer       *websocket.Dialer
}

// Conn is one resilient websocket: it reconnects with jittered exponential
// backoff and replays the desired subscription set on every new session.
type Conn struct {
	cfg     ConnConfig
	framer  Framer
	subs    *Subscriptions
	handler func(ctx context.Context, data []byte)
	logger  *zap.Logger
	clock   clock.Clock

	state       atomic.Int32
	sessions    atomic.Int64
	reconnects  atomic.Int64
	lastMessage atomic.Int64

	// writeMu guards ws and ready; frames are only written under it.
	writeMu sync.Mutex
	ws      *websocket.Conn
	ready   bool

	hookMu      sync.Mutex
	onReconnect []func()
	onState     []func(State)
}

// NewConn creates a connection. Call Run to start it.
func NewConn(cfg ConnConfig, framer Framer, subs *Subscriptions, handler func(ctx context.Context, data []byte), clk clock.Clock, logger *zap.Logger) *Conn {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if subs == nil {
		subs = NewSubscriptions()
	}
	return &Conn{
		cfg:     cfg,
		framer:  framer,
		subs:    subs,
		handler: handler,
		clock:   clk,
		logger:  logger.With(zap.String("conn", cfg.Name)),
	}
}

// OnReconnect registers fn to run (in its own goroutine) after the
// subscriptions of every session but the first have been replayed.
func (c *Conn) OnReconnect(fn func()) {
	c.hookMu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.hookMu.Unlock()
}

// OnState registers fn to observe state changes.
func (c *Conn) OnState(fn func(State)) {
	c.hookMu.Lock()
	c.onState = append(c.onState, fn)
	c.hookMu.Unlock()
}

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Reconnects counts sessions after the first.
func (c *Conn) Reconnects() int64 { return c.reconnects.Load() }

// LastMessage is when the last frame arrived.
func (c *Conn) LastMessage() time.Time {
	ns := c.lastMessage.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Subscriptions exposes the desired-state record.
func (c *Conn) Subscriptions() *Subscriptions { return c.subs }

func (c *Conn) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.hookMu.Lock()
	hooks := append([]func(State){}, c.onState...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		fn(s)
	}
}

// Subscribe adds ids to the desired set and, when a session is live, sends a
// change frame for the new ones.
func (c *Conn) Subscribe(ids ...string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	added := c.subs.Add(ids...)
	if len(added) == 0 || !c.ready {
		return nil
	}
	return c.writeLocked(c.framer.Change(true, added))
}

// Unsubscribe removes ids from the desired set.
func (c *Conn) Unsubscribe(ids ...string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	removed := c.subs.Remove(ids...)
	if len(removed) == 0 || !c.ready {
		return nil
	}
	return c.writeLocked(c.framer.Change(false, removed))
}

func (c *Conn) writeLocked(frame any) error {
	if frame == nil || c.ws == nil {
		return nil
	}
	var (
		data []byte
		err  error
	)
	if s, ok := frame.(string); ok {
		data = []byte(s)
	} else if data, err = json.Marshal(frame); err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.KindTransport, "WS_WRITE", err, c.cfg.Name)
	}
	return nil
}

// Run keeps the connection alive until ctx ends.
func (c *Conn) Run(ctx context.Context) error {
	rs := c.cfg.Backoff.Start(c.clock.Now())
	for {
		streamed, err := c.session(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if streamed {
			rs.Reset(c.clock.Now())
		}
		rs.Fail(c.clock.Now())
		wait := rs.Wait(c.clock.Now())
		c.logger.Warn("stream disconnected",
			zap.Error(err),
			zap.Int("attempt", rs.Attempt),
			zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

func (c *Conn) session(ctx context.Context) (streamed bool, err error) {
	c.setState(Connecting)
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, errs.Wrap(errs.KindTransport, "WS_DIAL", err, c.cfg.Name)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		ws.Close()
	}()

	c.writeMu.Lock()
	c.ws = ws
	err = c.writeLocked(c.framer.Initial(c.subs.List()))
	c.ready = err == nil
	c.writeMu.Unlock()
	defer func() {
		c.writeMu.Lock()
		c.ws, c.ready = nil, false
		c.writeMu.Unlock()
	}()
	if err != nil {
		return false, err
	}

	c.setState(Subscribed)
	if c.sessions.Add(1) > 1 {
		c.reconnects.Add(1)
		c.fireReconnect()
	}
	c.logger.Info("stream subscribed", zap.Int("subscriptions", c.subs.Len()))

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(sessCtx)
	}

	for {
		if c.cfg.ReadTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil {
				return streamed, sessCtx.Err()
			}
			return streamed, errs.Wrap(errs.KindTransport, "WS_READ", err, c.cfg.Name)
		}
		c.lastMessage.Store(time.Now().UnixNano())
		if !streamed {
			streamed = true
			c.setState(Streaming)
		}
		if isPong(data) {
			continue
		}
		c.handler(sessCtx, data)
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.writeLocked("PING")
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) fireReconnect() {
	c.hookMu.Lock()
	hooks := append([]func(){}, c.onReconnect...)
	c.hookMu.Unlock()
	for _, fn := range hooks {
		go fn()
	}
}

func isPong(data []byte) bool {
	return string(data) == "PONG" || string(data) == "PING"
}
