// Package transport keeps one WebSocket to the live relay open, reconnecting
// with exponential backoff after abnormal closes.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"nhooyr.io/websocket"

	"github.com/gastownhall/live-relay/internal/wire"
)

// Reconnect policy defaults.
const (
	DefaultInitialDelay = 1000 * time.Millisecond
	DefaultMaxDelay     = 30000 * time.Millisecond
	DefaultMaxAttempts  = 10
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 256
)

// Timer is the handle returned by AfterFunc. *time.Timer satisfies it.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Conn.
type Options struct {
	// Endpoint is the relay WebSocket URL, without the token query.
	Endpoint string
	Dialer   Dialer
	// OnEvent receives every well-formed inbound event plus a synthetic
	// session_update whenever connectivity changes.
	OnEvent func(wire.Event)
	Logger  *slog.Logger

	AfterFunc    AfterFunc
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateOpen
)

// Conn owns at most one socket to the relay. All methods are safe for
// concurrent use and never return errors; failures are logged and, for
// abnormal closes, answered with a scheduled reconnect.
type Conn struct {
	endpoint     string
	dialer       Dialer
	onEvent      func(wire.Event)
	log          *slog.Logger
	afterFunc    AfterFunc
	maxAttempts  int
	dialTimeout  time.Duration
	writeTimeout time.Duration
	sendBuffer   int

	mu       sync.Mutex
	state    state
	gen      uint64 // bumped on every dial and on Disconnect; stale goroutines compare against it
	sock     Socket
	out      chan []byte
	cancel   context.CancelFunc
	token    string
	attempts int
	timer    Timer
	backoff  *backoff.ExponentialBackOff
}

// New creates a disconnected Conn.
func New(opts Options) *Conn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	onEvent := opts.OnEvent
	if onEvent == nil {
		onEvent = func(wire.Event) {}
	}
	after := opts.AfterFunc
	if after == nil {
		after = realAfterFunc
	}
	initial := opts.InitialDelay
	if initial <= 0 {
		initial = DefaultInitialDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	sendBuffer := opts.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	return &Conn{
		endpoint:     opts.Endpoint,
		dialer:       dialer,
		onEvent:      onEvent,
		log:          logger.With("component", "transport"),
		afterFunc:    after,
		maxAttempts:  maxAttempts,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		sendBuffer:   sendBuffer,
		backoff:      b,
	}
}

// Connect opens a socket authenticated with token. It is a no-op while a
// socket is open or being opened. An explicit Connect re-arms the reconnect
// budget, so it is the way out of the exhausted state.
func (c *Conn) Connect(token string) {
	if c.endpoint == "" {
		c.log.Warn("no relay endpoint configured")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
	if c.state != stateIdle {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = 0
	c.backoff.Reset()
	c.dialLocked()
}

// Disconnect closes the socket with the normal closure code and suppresses
// any further automatic reconnect. It is idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.attempts = c.maxAttempts
	c.gen++
	sock := c.sock
	cancel := c.cancel
	wasOpen := c.state == stateOpen
	c.sock = nil
	c.cancel = nil
	c.out = nil
	c.state = stateIdle
	c.mu.Unlock()

	if sock != nil {
		if err := sock.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			c.log.Debug("close after disconnect", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if wasOpen {
		c.log.Info("disconnected")
		c.onEvent(wire.Event{Type: wire.EventSessionUpdate})
	}
}

// Connected reports whether the socket is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// Attempts returns the number of reconnect attempts since the last open.
func (c *Conn) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Send queues v as a JSON text frame. It returns false, without queuing,
// when the socket is not open or its buffer is full. Delivery is best-effort.
func (c *Conn) Send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to marshal frame", "err", err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateOpen {
		c.log.Warn("not connected, cannot send")
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		c.log.Warn("dropping frame for slow connection")
		return false
	}
}

func (c *Conn) url() string {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.endpoint + "?token=" + url.QueryEscape(c.token)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String()
}

// dialLocked starts a dial in the background. Must be called with c.mu held.
func (c *Conn) dialLocked() {
	c.state = stateConnecting
	c.gen++
	gen := c.gen
	target := c.url()
	c.log.Info("connecting", "endpoint", c.endpoint)
	go c.dial(gen, target)
}

func (c *Conn) dial(gen uint64, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	sock, err := c.dialer.Dial(ctx, target)
	cancel()

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close(websocket.StatusNormalClosure, "superseded")
		}
		return
	}
	if err != nil {
		c.state = stateIdle
		c.log.Error("failed to open websocket", "err", err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	out := make(chan []byte, c.sendBuffer)
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	c.state = stateOpen
	c.sock = sock
	c.out = out
	c.cancel = pumpCancel
	c.attempts = 0
	c.backoff.Reset()
	c.mu.Unlock()

	c.log.Info("connected")
	c.onEvent(wire.Event{Type: wire.EventSessionUpdate})

	go c.writePump(pumpCtx, sock, out)
	go c.readPump(pumpCtx, gen, sock)
}

func (c *Conn) readPump(ctx context.Context, gen uint64, sock Socket) {
	for {
		data, err := sock.Read(ctx)
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		ev, err := wire.DecodeEvent(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.onEvent(ev)
	}
}

func (c *Conn) writePump(ctx context.Context, sock Socket, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := sock.Write(wctx, data)
			cancel()
			if err != nil {
				c.log.Warn("write failed", "err", err)
				return
			}
		}
	}
}

func (c *Conn) handleClose(gen uint64, err error) {
	code := websocket.CloseStatus(err)

	c.mu.Lock()
	if gen != c.gen {
		// Disconnect already tore this socket down
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.state = stateIdle
	c.sock = nil
	c.cancel = nil
	c.out = nil
	if code != websocket.StatusNormalClosure {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	c.log.Info("socket closed", "code", int(code), "err", err)
	c.onEvent(wire.Event{Type: wire.EventSessionUpdate})
}

// scheduleReconnectLocked must be called with c.mu held.
func (c *Conn) scheduleReconnectLocked() {
	if c.attempts >= c.maxAttempts {
		c.log.Warn("max reconnect attempts reached", "attempts", c.attempts)
		return
	}
	delay := c.backoff.NextBackOff()
	gen := c.gen
	c.log.Info("reconnect scheduled", "delay", delay, "attempt", c.attempts+1)
	c.timer = c.afterFunc(delay, func() { c.reconnect(gen) })
}

func (c *Conn) reconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != stateIdle {
		return
	}
	c.timer = nil
	c.attempts++
	c.dialLocked()
}
