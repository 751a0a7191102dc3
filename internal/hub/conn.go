// Package hub is the client side of the push-notification channel: a single
// websocket that carries named server events and group join/leave calls, and
// that reconnects by itself after a drop.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/aussiebroadwan/shopfloor/pkg/idx"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrClosed          = errors.New("hub: connection closed")
	ErrNotConnected    = errors.New("hub: not connected")
	ErrConnectionLost  = errors.New("hub: connection lost")
	ErrAlreadyStarting = errors.New("hub: start already in progress")
)

// TokenFactory returns the access token to present. It is called on every
// dial, initial and reconnect, so a rotated token is picked up lazily.
type TokenFactory func() string

// Handler receives the raw JSON payload of a named event. Handlers run on the
// connection's reader goroutine and must not block.
type Handler func(payload json.RawMessage)

type Options struct {
	Dialer       *websocket.Dialer
	Logger       *slog.Logger
	Backoff      backoff.BackOff // nil uses DefaultBackoff
	WriteTimeout time.Duration   // default 10s
}

type handlerEntry struct {
	id string
	fn Handler
}

// Conn is one logical push connection. A Conn is single-use: after Stop it
// cannot be started again.
type Conn struct {
	url          string
	token        TokenFactory
	dialer       *websocket.Dialer
	logger       *slog.Logger
	bo           backoff.BackOff
	writeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	stopped        bool
	attempts       int
	handlers       map[string][]handlerEntry
	pending        map[string]chan error
	onState        func(State)
	onConnected    func()
	onReconnecting func()
	onReconnected  func()

	writeMu sync.Mutex
}

// New creates a disconnected Conn for endpoint.
func New(endpoint string, token TokenFactory, opts Options) *Conn {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		url:          endpoint,
		token:        token,
		dialer:       opts.Dialer,
		logger:       slogx.OrDefault(opts.Logger).With("component", "hub"),
		bo:           opts.Backoff,
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[string][]handlerEntry),
		pending:      make(map[string]chan error),
	}
}

// OnStateChange, OnConnected, OnReconnecting and OnReconnected set lifecycle
// hooks. Set them before Start. Connected and Reconnected hooks run on the
// goroutine that owns the socket before any frame from it is dispatched.
func (c *Conn) OnStateChange(fn func(State)) { c.mu.Lock(); c.onState = fn; c.mu.Unlock() }
func (c *Conn) OnConnected(fn func()) { c.mu.Lock(); c.onConnected = fn; c.mu.Unlock() }
func (c *Conn) OnReconnecting(fn func()) { c.mu.Lock(); c.onReconnecting = fn; c.mu.Unlock() }
func (c *Conn) OnReconnected(fn func()) { c.mu.Lock(); c.onReconnected = fn; c.mu.Unlock() }

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts is the number of dial attempts in the current reconnect
// sequence. It returns to zero after a successful reconnect.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start dials once. Failures are returned and leave the Conn disconnected;
// Start does not retry. It is a no-op while connected or reconnecting.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrAlreadyStarting
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	ws, err := c.dial(ctx)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
		return err
	}
	c.ws = ws
	c.state = StateConnected
	connected := c.onConnected
	c.mu.Unlock()

	c.logger.Info("hub connected", "url", c.url)
	c.notifyState(StateConnected)
	if connected != nil {
		connected()
	}

	go c.readLoop(ws)
	return nil
}

// Stop closes the connection and ends any reconnect loop. In-flight invokes
// fail with ErrClosed. No hooks or handlers fire after Stop returns.
func (c *Conn) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.cancel()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	for _, ch := range pending {
		ch <- ErrClosed
	}

	c.logger.Info("hub stopped")
}

// On attaches fn for event under id, replacing any handler already attached
// under the same id.
func (c *Conn) On(event, id string, fn Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := removeEntry(c.handlers[event], id)
	c.handlers[event] = append(entries, handlerEntry{id: id, fn: fn})
}

// Off detaches the handler attached under id. Unknown ids are ignored.
func (c *Conn) Off(event, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries := removeEntry(c.handlers[event], id)
	if len(entries) == 0 {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = entries
}

// HandlerCount returns how many handlers are attached for event.
func (c *Conn) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

func removeEntry(entries []handlerEntry, id string) []handlerEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Invoke calls a server-side operation and waits for its completion.
func (c *Conn) Invoke(ctx context.Context, target string, args ...string) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.ws == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ws := c.ws
	id := idx.New().String()
	ch := make(chan error, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ws, Frame{Type: FrameInvoke, ID: id, Target: target, Args: args}); err != nil {
		c.dropPending(id)
		return fmt.Errorf("hub: invoke %s: %w", target, err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrClosed
	}
}

func (c *Conn) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// dial is bounded by ctx only. Stop does not abort a dial started by Start;
// Start closes the socket once the dial returns.
func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("hub: invalid url: %w", err)
	}

	header := http.Header{}
	if token := c.token(); token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("hub: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("hub: dial: %w", err)
	}
	return ws, nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			next := c.reconnect(ws, err)
			if next == nil {
				return
			}
			ws = next
			continue
		}
		c.handleFrame(ws, data)
	}
}

// reconnect runs the backoff loop after ws dropped. It returns the new socket,
// or nil once the Conn is stopped.
func (c *Conn) reconnect(ws *websocket.Conn, cause error) *websocket.Conn {
	c.mu.Lock()
	if c.stopped || c.ws != ws {
		c.mu.Unlock()
		return nil
	}
	c.ws = nil
	c.state = StateReconnecting
	pending := c.pending
	c.pending = make(map[string]chan error)
	reconnecting := c.onReconnecting
	c.mu.Unlock()

	_ = ws.Close()
	for _, ch := range pending {
		ch <- ErrConnectionLost
	}

	c.logger.Warn("hub connection lost", "error", cause)
	c.notifyState(StateReconnecting)
	if reconnecting != nil {
		reconnecting()
	}

	for {
		delay := c.bo.NextBackOff()
		if delay == backoff.Stop {
			delay = DefaultMaxDelay
		}

		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		next, err := c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("hub reconnect failed", "attempt", attempt, "delay", delay, "error", err)
			continue
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			_ = next.Close()
			return nil
		}
		c.ws = next
		c.state = StateConnected
		c.attempts = 0
		reconnected := c.onReconnected
		c.mu.Unlock()

		c.bo.Reset()
		c.logger.Info("hub reconnected", "attempts", attempt)
		c.notifyState(StateConnected)
		if reconnected != nil {
			reconnected()
		}
		return next
	}
}

func (c *Conn) handleFrame(ws *websocket.Conn, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn("hub: malformed frame", "error", err)
		return
	}

	switch f.Type {
	case FrameEvent:
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		entries := append([]handlerEntry(nil), c.handlers[f.Event]...)
		c.mu.Unlock()

		for _, e := range entries {
			e.fn(f.Payload)
		}

	case FrameCompletion:
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()

		if ok {
			if f.Error != "" {
				ch <- fmt.Errorf("hub: %s", f.Error)
			} else {
				ch <- nil
			}
		}

	case FramePing:
		if err := c.write(ws, Frame{Type: FramePong}); err != nil {
			c.logger.Debug("hub: pong failed", "error", err)
		}

	default:
		c.logger.Debug("hub: ignoring frame", "type", f.Type)
	}
}

func (c *Conn) write(ws *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return ws.WriteJSON(f)
}

func (c *Conn) notifyState(s State) {
	c.mu.Lock()
	fn := c.onState
	stopped := c.stopped
	c.mu.Unlock()

	if fn != nil && !stopped {
		fn(s)
	}
}
