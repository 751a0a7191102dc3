package offline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/aussiebroadwan/shopfloor/pkg/apiclient"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
)

// Prober reports whether the API is reachable.
type Prober interface {
	Health(ctx context.Context) error
}

// Monitor tracks connectivity by probing the API on an interval and
// replays the queue on every offline to online transition.
type Monitor struct {
	Prober   Prober
	Queue    *Queue
	Logger   *slog.Logger
	Interval time.Duration
	Timeout  time.Duration

	mu        sync.Mutex
	online    bool
	started   bool
	observers []func(bool)

	// submitMu orders Submit calls so the queue check, the direct call and
	// the fallback append happen as one step.
	submitMu sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	replays sync.WaitGroup
	doneCh  chan struct{}
}

// NewMonitor creates a Monitor. If interval is 0 or negative, defaults to
// 10 seconds. The Monitor starts offline so the first successful probe
// replays anything left from a previous run.
func NewMonitor(p Prober, q *Queue, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		Prober:   p,
		Queue:    q,
		Logger:   slogx.OrDefault(logger).With("component", "connectivity"),
		Interval: interval,
		Timeout:  5 * time.Second,
		ctx:      ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
}

// Start begins probing in the background. Call Stop to shut it down.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
	m.Logger.Info("connectivity monitor started", "interval", m.Interval)
}

// Stop ends probing and waits for any running replay to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()

	m.cancel()
	if started {
		<-m.doneCh
	}
	m.replays.Wait()
	m.Logger.Info("connectivity monitor stopped")
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for every connectivity transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// SetOnline records a transition observed elsewhere, such as a transport
// error on a direct call. Going online starts a replay in the background.
func (m *Monitor) SetOnline(online bool) {
	if !m.transition(online) || !online {
		return
	}

	m.replays.Add(1)
	go func() {
		defer m.replays.Done()
		m.replay()
	}()
}

// Probe checks the API once and applies the result. Going online replays
// the queue before Probe returns.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	err := m.Prober.Health(ctx)
	cancel()

	online := err == nil
	if err != nil {
		m.Logger.Debug("health probe failed", "error", err)
	}

	if m.transition(online) && online {
		m.replay()
	}
	return online
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.Probe(m.ctx)

	for {
		select {
		case <-ticker.C:
			m.Probe(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

// transition reports whether the state changed.
func (m *Monitor) transition(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	if online {
		m.Logger.Info("api reachable")
	} else {
		m.Logger.Warn("api unreachable")
	}
	for _, fn := range observers {
		fn(online)
	}
	return true
}

func (m *Monitor) replay() {
	if m.Queue == nil {
		return
	}
	if _, err := m.Queue.Replay(m.ctx); err != nil {
		m.Logger.Warn("replay failed", "error", err)
	}
}

// Submit applies an action directly when the API is reachable and nothing
// is queued ahead of it; otherwise the action is queued. A direct call that
// fails to reach the API marks the Monitor offline and queues the action.
// Any other failure is returned and nothing is queued. Concurrent Submit
// calls run one at a time, in arrival order.
func (m *Monitor) Submit(ctx context.Context, typ string, payload any) (queued bool, err error) {
	a, err := m.Queue.newAction(typ, payload)
	if err != nil {
		return false, err
	}

	m.submitMu.Lock()
	defer m.submitMu.Unlock()

	if m.Online() {
		n, err := m.Queue.Len(ctx)
		if err != nil {
			return false, err
		}
		if n == 0 {
			err := m.Queue.dispatcher.Dispatch(ctx, a)
			if err == nil {
				return false, nil
			}
			if !apiclient.IsTransportError(err) {
				return false, err
			}
			m.SetOnline(false)
		}
	}

	if _, err := m.Queue.AddPendingAction(ctx, a.Type, a.Payload); err != nil {
		return false, err
	}
	return true, nil
}
