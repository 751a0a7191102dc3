package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/hub"
	"github.com/aussiebroadwan/shopfloor/internal/hub/hubtest"
	"github.com/aussiebroadwan/shopfloor/internal/realtime"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

func newManager(t *testing.T, srv *hubtest.Server, tokens realtime.TokenSource) *realtime.Manager {
	t.Helper()

	m := realtime.NewManager(srv.URL(), tokens, realtime.Options{
		Logger: slogx.Discard(),
		NewBackoff: func() backoff.BackOff {
			return hub.NewBackoff(10*time.Millisecond, 50*time.Millisecond)
		},
	})
	t.Cleanup(m.Stop)
	return m
}

type stateLog struct {
	mu     sync.Mutex
	states []realtime.State
}

func (l *stateLog) record(s realtime.State) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) snapshot() []realtime.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]realtime.State(nil), l.states...)
}

func TestManagerCreateIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)

	require.Nil(t, m.Connection())
	require.Equal(t, realtime.Disconnected, m.State())

	first := m.Create("T1", "")
	second := m.Create("T2", "")
	require.Same(t, first, second)
	require.Equal(t, realtime.Disconnected, m.State())
}

func TestManagerStartBeforeCreate(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)

	require.ErrorIs(t, m.Start(t.Context()), realtime.ErrNotCreated)
}

func TestManagerStartIsSingleFlight(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)
	m.Create("T1", "")

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Start(t.Context())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, realtime.Connected, m.State())
	require.Equal(t, 1, srv.Handshakes())

	// Already connected.
	require.NoError(t, m.Start(t.Context()))
	require.Equal(t, 1, srv.Handshakes())
}

func TestManagerStartFailureReturnsToDisconnected(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	srv.SetReject(true)
	m := newManager(t, srv, nil)
	m.Create("T1", "")

	var log stateLog
	m.OnStateChange(log.record)

	require.Error(t, m.Start(t.Context()))
	require.Equal(t, realtime.Disconnected, m.State())
	require.Equal(t, []realtime.State{realtime.Connecting, realtime.Disconnected}, log.snapshot())

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, srv.Handshakes(), "failed start must not retry")

	srv.SetReject(false)
	require.NoError(t, m.Start(t.Context()))
	require.Equal(t, realtime.Connected, m.State())
}

func TestManagerReadsTokenOnEveryDial(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)

	var mu sync.Mutex
	current := "T1"
	m := newManager(t, srv, func() string {
		mu.Lock()
		defer mu.Unlock()
		return current
	})
	m.Create("ignored", "")
	require.NoError(t, m.Start(t.Context()))

	mu.Lock()
	current = "T2"
	mu.Unlock()

	ready := make(chan struct{}, 1)
	m.OnReady(func(*hub.Conn) { ready <- struct{}{} })
	srv.DropAll()

	select {
	case <-ready:
	case <-time.After(waitFor):
		t.Fatal("no reconnect")
	}
	require.Equal(t, []string{"T1", "T2"}, srv.Tokens())
}

func TestManagerFallsBackToCreateToken(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, func() string { return "" })
	m.Create("T1", "")
	require.NoError(t, m.Start(t.Context()))
	require.Equal(t, []string{"T1"}, srv.Tokens())
}

func TestManagerReadyFiresOnStartAndReconnect(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)

	ready := make(chan *hub.Conn, 4)
	cancel := m.OnReady(func(c *hub.Conn) { ready <- c })

	conn := m.Create("T1", "")
	require.NoError(t, m.Start(t.Context()))
	require.Same(t, conn, <-ready)

	srv.DropAll()
	select {
	case c := <-ready:
		require.Same(t, conn, c)
	case <-time.After(waitFor):
		t.Fatal("ready not fired after reconnect")
	}
	require.Equal(t, 0, conn.ReconnectAttempts())

	cancel()
	srv.DropAll()
	require.Eventually(t, func() bool {
		return m.State() == realtime.Connected && srv.Connections() == 1
	}, waitFor, 10*time.Millisecond)
	require.Empty(t, ready)
}

func TestManagerStopThenCreateStartsFresh(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)

	first := m.Create("T1", "")
	require.NoError(t, m.Start(t.Context()))

	srv.SetReject(true)
	srv.DropAll()
	require.Eventually(t, func() bool {
		return first.ReconnectAttempts() >= 2
	}, waitFor, 5*time.Millisecond)

	var log stateLog
	m.OnStateChange(log.record)

	m.Stop()
	require.Nil(t, m.Connection())
	require.Equal(t, realtime.Disconnected, m.State())

	srv.SetReject(false)
	second := m.Create("T1", "")
	require.NotSame(t, first, second)
	require.Equal(t, 0, second.ReconnectAttempts())

	require.NoError(t, m.Start(t.Context()))
	require.Equal(t, []realtime.State{
		realtime.Disconnected,
		realtime.Connecting,
		realtime.Connected,
	}, log.snapshot())
}

// scheduleLog records the delays a real reconnect schedule would wait while
// sleeping only briefly, one entry list per connection built.
type scheduleLog struct {
	mu     sync.Mutex
	delays [][]time.Duration
}

type recordingBackoff struct {
	log  *scheduleLog
	idx  int
	real backoff.BackOff
}

func (b *recordingBackoff) NextBackOff() time.Duration {
	d := b.real.NextBackOff()
	b.log.mu.Lock()
	b.log.delays[b.idx] = append(b.log.delays[b.idx], d)
	b.log.mu.Unlock()
	return 10 * time.Millisecond
}

func (b *recordingBackoff) Reset() { b.real.Reset() }

func (l *scheduleLog) factory() backoff.BackOff {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delays = append(l.delays, nil)
	return &recordingBackoff{log: l, idx: len(l.delays) - 1, real: hub.DefaultBackoff()}
}

func (l *scheduleLog) first(conn int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn >= len(l.delays) || len(l.delays[conn]) == 0 {
		return 0, false
	}
	return l.delays[conn][0], true
}

func (l *scheduleLog) count(conn int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if conn >= len(l.delays) {
		return 0
	}
	return len(l.delays[conn])
}

func TestManagerStopThenCreateRestartsSchedule(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	var sched scheduleLog
	m := realtime.NewManager(srv.URL(), nil, realtime.Options{
		Logger:     slogx.Discard(),
		NewBackoff: sched.factory,
	})
	t.Cleanup(m.Stop)

	m.Create("T1", "")
	require.NoError(t, m.Start(t.Context()))

	srv.SetReject(true)
	srv.DropAll()
	require.Eventually(t, func() bool { return sched.count(0) >= 3 }, waitFor, 5*time.Millisecond)

	m.Stop()
	srv.SetReject(false)

	m.Create("T1", "")
	require.NoError(t, m.Start(t.Context()))
	srv.DropAll()

	require.Eventually(t, func() bool {
		_, ok := sched.first(1)
		return ok
	}, waitFor, 5*time.Millisecond)

	d, _ := sched.first(1)
	require.Equal(t, time.Second, d, "first delay after a fresh create")
	require.Eventually(t, func() bool { return m.State() == realtime.Connected }, waitFor, 5*time.Millisecond)
}

func TestManagerStopIsSafeWithoutConnection(t *testing.T) {
	t.Parallel()

	srv := hubtest.NewServer(t)
	m := newManager(t, srv, nil)

	m.Stop()
	m.Stop()
	require.Equal(t, realtime.Disconnected, m.State())
}

func TestManagerGroups(t *testing.T) {
	t.Parallel()

	t.Run("no-op while disconnected", func(t *testing.T) {
		t.Parallel()

		srv := hubtest.NewServer(t)
		m := newManager(t, srv, nil)

		require.NoError(t, m.JoinGroup(t.Context(), "tenant-1"))
		m.Create("T1", "")
		require.NoError(t, m.JoinGroup(t.Context(), "tenant-1"))
		require.NoError(t, m.LeaveGroup(t.Context(), "tenant-1"))

		require.Empty(t, srv.Invocations())
		require.Empty(t, m.Groups())
	})

	t.Run("join and leave while connected", func(t *testing.T) {
		t.Parallel()

		srv := hubtest.NewServer(t)
		m := newManager(t, srv, nil)
		m.Create("T1", "")
		require.NoError(t, m.Start(t.Context()))

		require.NoError(t, m.JoinGroup(t.Context(), "tenant-1"))
		require.True(t, srv.InGroup("tenant-1"))
		require.Equal(t, []string{"tenant-1"}, m.Groups())

		require.NoError(t, m.LeaveGroup(t.Context(), "tenant-1"))
		require.False(t, srv.InGroup("tenant-1"))
		require.Empty(t, m.Groups())
	})

	t.Run("server failure surfaces", func(t *testing.T) {
		t.Parallel()

		srv := hubtest.NewServer(t)
		srv.FailTarget(hub.TargetJoinGroup, "forbidden")
		m := newManager(t, srv, nil)
		m.Create("T1", "")
		require.NoError(t, m.Start(t.Context()))

		require.ErrorContains(t, m.JoinGroup(t.Context(), "tenant-2"), "forbidden")
		require.Empty(t, m.Groups())
	})

	t.Run("rejoin from ready observer", func(t *testing.T) {
		t.Parallel()

		srv := hubtest.NewServer(t)
		m := newManager(t, srv, nil)
		m.OnReady(func(*hub.Conn) {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), waitFor)
				defer cancel()
				_ = m.JoinGroup(ctx, "tenant-1")
			}()
		})

		m.Create("T1", "")
		require.NoError(t, m.Start(t.Context()))
		require.Eventually(t, func() bool { return srv.InGroup("tenant-1") }, waitFor, 5*time.Millisecond)

		srv.DropAll()
		require.Eventually(t, func() bool {
			return len(srv.Invocations()) == 2 && srv.InGroup("tenant-1") && len(m.Groups()) == 1
		}, waitFor, 5*time.Millisecond)
	})
}
