// Package realtime owns the process's push connection and the subscriptions
// that ride on it.
//
// Manager drives the connection lifecycle:
//
//	Disconnected -> Connecting -> Connected -> Reconnecting -> Connected ...
//	any state    -> Disconnected (Stop)
//
// Registry keeps a durable record of (event, handler) pairs and re-attaches
// all of them every time the Manager reports the connection ready.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aussiebroadwan/shopfloor/internal/hub"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// State mirrors the transport states.
type State = hub.State

const (
	Disconnected = hub.StateDisconnected
	Connecting   = hub.StateConnecting
	Connected    = hub.StateConnected
	Reconnecting = hub.StateReconnecting
)

// ErrNotCreated is returned by Start before Create.
var ErrNotCreated = errors.New("realtime: connection not created")

type Options struct {
	Logger *slog.Logger
	Dialer *websocket.Dialer

	// NewBackoff builds the reconnect schedule for each new connection so a
	// recreated connection starts again at the first delay. Nil uses
	// hub.DefaultBackoff.
	NewBackoff func() backoff.BackOff
}

// TokenSource returns the current access token, read fresh on every call.
type TokenSource func() string

// Manager owns at most one hub connection at a time.
type Manager struct {
	endpoint string
	tokens   TokenSource
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	conn     *hub.Conn
	groups   map[string]bool
	readyObs map[int]func(*hub.Conn)
	stateObs map[int]func(State)
	nextObs  int

	starts singleflight.Group
}

// NewManager creates a Manager for the default endpoint. tokens may be nil,
// in which case the token given to Create is used as is.
func NewManager(endpoint string, tokens TokenSource, opts Options) *Manager {
	if opts.NewBackoff == nil {
		opts.NewBackoff = hub.DefaultBackoff
	}

	return &Manager{
		endpoint: endpoint,
		tokens:   tokens,
		opts:     opts,
		logger:   slogx.OrDefault(opts.Logger).With("component", "realtime"),
		groups:   make(map[string]bool),
		readyObs: make(map[int]func(*hub.Conn)),
		stateObs: make(map[int]func(State)),
	}
}

// Create builds the connection if none exists and returns it; an existing
// connection is returned unchanged. The transport asks for the token on
// every dial, preferring the token source over accessToken so a rotated
// token is never stale. An empty endpoint uses the Manager's default.
func (m *Manager) Create(accessToken, endpoint string) *hub.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return m.conn
	}
	if endpoint == "" {
		endpoint = m.endpoint
	}

	supplier := func() string {
		if m.tokens != nil {
			if tok := m.tokens(); tok != "" {
				return tok
			}
		}
		return accessToken
	}

	conn := hub.New(endpoint, supplier, hub.Options{
		Dialer:  m.opts.Dialer,
		Logger:  m.opts.Logger,
		Backoff: m.opts.NewBackoff(),
	})
	conn.OnStateChange(m.fireState)
	conn.OnConnected(func() { m.fireReady(conn) })
	conn.OnReconnecting(func() {
		// The server forgets memberships with the socket.
		m.mu.Lock()
		m.groups = make(map[string]bool)
		m.mu.Unlock()
	})
	conn.OnReconnected(func() { m.fireReady(conn) })

	m.conn = conn
	m.logger.Debug("connection created", "endpoint", endpoint)
	return conn
}

// Connection returns the current connection or nil.
func (m *Manager) Connection() *hub.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// State reports Disconnected when no connection exists.
func (m *Manager) State() State {
	conn := m.Connection()
	if conn == nil {
		return Disconnected
	}
	return conn.State()
}

// Start connects the current connection. Concurrent callers share one
// in-flight start. It is a no-op when already connected. Failures are
// returned once and not retried; the connection goes back to Disconnected.
func (m *Manager) Start(ctx context.Context) error {
	conn := m.Connection()
	if conn == nil {
		return ErrNotCreated
	}
	if conn.State() == Connected {
		return nil
	}

	key := fmt.Sprintf("%p", conn)
	ch := m.starts.DoChan(key, func() (any, error) {
		return nil, conn.Start(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.logger.Warn("connection start failed", "error", res.Err)
			return fmt.Errorf("realtime: start: %w", res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears the connection down. A later Create builds a fresh connection
// whose reconnect schedule starts from the first delay.
func (m *Manager) Stop() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.groups = make(map[string]bool)
	m.mu.Unlock()

	if conn == nil {
		return
	}

	m.starts.Forget(fmt.Sprintf("%p", conn))
	conn.Stop()
	m.fireState(Disconnected)
}

// JoinGroup joins a server-side group. It is a no-op unless connected;
// callers re-join from an OnReady observer after reconnects.
func (m *Manager) JoinGroup(ctx context.Context, group string) error {
	conn := m.Connection()
	if conn == nil || conn.State() != Connected {
		m.logger.Debug("join skipped, not connected", "group", group)
		return nil
	}

	if err := conn.Invoke(ctx, hub.TargetJoinGroup, group); err != nil {
		return fmt.Errorf("realtime: join %s: %w", group, err)
	}

	m.mu.Lock()
	if m.conn == conn {
		m.groups[group] = true
	}
	m.mu.Unlock()
	return nil
}

// LeaveGroup leaves a server-side group. It is a no-op unless connected.
func (m *Manager) LeaveGroup(ctx context.Context, group string) error {
	conn := m.Connection()
	if conn == nil || conn.State() != Connected {
		m.logger.Debug("leave skipped, not connected", "group", group)
		return nil
	}

	if err := conn.Invoke(ctx, hub.TargetLeaveGroup, group); err != nil {
		return fmt.Errorf("realtime: leave %s: %w", group, err)
	}

	m.mu.Lock()
	delete(m.groups, group)
	m.mu.Unlock()
	return nil
}

// Groups returns the groups joined on the current socket, sorted.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// OnReady registers fn for every connection-ready notification, fired after
// the initial start and after each automatic reconnect. fn runs on the
// goroutine owning the socket before any event from it is dispatched, so it
// must not block; in particular JoinGroup must be called from a new
// goroutine.
func (m *Manager) OnReady(fn func(*hub.Conn)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.readyObs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.readyObs, id)
		m.mu.Unlock()
	}
}

// OnStateChange registers fn for every lifecycle transition.
func (m *Manager) OnStateChange(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.stateObs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateObs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) fireReady(conn *hub.Conn) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	fns := make([]func(*hub.Conn), 0, len(m.readyObs))
	for _, id := range sortedKeys(m.readyObs) {
		fns = append(fns, m.readyObs[id])
	}
	m.mu.Unlock()

	m.logger.Info("connection ready")
	for _, fn := range fns {
		fn(conn)
	}
}

func (m *Manager) fireState(s State) {
	m.mu.Lock()
	fns := make([]func(State), 0, len(m.stateObs))
	for _, id := range sortedKeys(m.stateObs) {
		fns = append(fns, m.stateObs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// sortedKeys keeps observers in registration order.
func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
