package offline_test

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/offline"
	"github.com/aussiebroadwan/shopfloor/pkg/apiclient"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
	"github.com/stretchr/testify/require"
)

type fakeProber struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *fakeProber) Health(context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return &apiclient.TransportError{Err: errors.New("connection refused")}
}

func newMonitor(t *testing.T, rec *recorder, types ...string) (*offline.Monitor, *offline.Queue, *fakeProber) {
	t.Helper()

	q := newQueue(t, rec, types...)
	p := &fakeProber{}
	m := offline.NewMonitor(p, q, slogx.Discard(), 10*time.Millisecond)
	t.Cleanup(m.Stop)
	return m, q, p
}

func TestMonitorReplaysWhenBackOnline(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m, q, p := newMonitor(t, rec, "A", "B", "C")
	ctx := t.Context()

	for _, typ := range []string{"A", "B", "C"} {
		_, err := q.AddPendingAction(ctx, typ, nil)
		require.NoError(t, err)
	}

	m.Start()
	require.Eventually(t, func() bool { return p.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.False(t, m.Online())
	require.Empty(t, rec.calls())

	p.up.Store(true)
	require.Eventually(t, func() bool {
		n, err := q.Len(ctx)
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)

	require.True(t, m.Online())
	require.Equal(t, []string{"A", "B", "C"}, rec.calls())
}

func TestMonitorTransitions(t *testing.T) {
	t.Parallel()

	m, _, p := newMonitor(t, &recorder{})

	var mu sync.Mutex
	var seen []bool
	m.OnChange(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	ctx := t.Context()
	require.False(t, m.Probe(ctx))
	p.up.Store(true)
	require.True(t, m.Probe(ctx))
	require.True(t, m.Probe(ctx))
	p.up.Store(false)
	require.False(t, m.Probe(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, seen)
}

func TestMonitorSetOnlineReplays(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	m, q, _ := newMonitor(t, rec, "A")
	ctx := t.Context()

	_, err := q.AddPendingAction(ctx, "A", nil)
	require.NoError(t, err)

	m.SetOnline(false)
	require.Empty(t, rec.calls())

	m.SetOnline(true)
	require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	t.Run("online with empty queue dispatches directly", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		m, q, _ := newMonitor(t, rec, "A")
		m.SetOnline(true)

		queued, err := m.Submit(t.Context(), "A", nil)
		require.NoError(t, err)
		require.False(t, queued)
		require.Equal(t, []string{"A"}, rec.calls())
		require.Empty(t, pendingTypes(t, q))
	})

	t.Run("offline queues", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		m, q, _ := newMonitor(t, rec, "A")

		queued, err := m.Submit(t.Context(), "A", nil)
		require.NoError(t, err)
		require.True(t, queued)
		require.Empty(t, rec.calls())
		require.Equal(t, []string{"A"}, pendingTypes(t, q))
	})

	t.Run("transport failure queues and goes offline", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{fail: map[string]error{
			"A": &apiclient.TransportError{Err: &net.OpError{Op: "dial", Err: errors.New("refused")}},
		}}
		m, q, _ := newMonitor(t, rec, "A")
		m.SetOnline(true)

		queued, err := m.Submit(t.Context(), "A", nil)
		require.NoError(t, err)
		require.True(t, queued)
		require.False(t, m.Online())
		require.Equal(t, []string{"A"}, pendingTypes(t, q))
	})

	t.Run("domain failure is returned", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{fail: map[string]error{"A": &apiclient.APIError{StatusCode: 409}}}
		m, q, _ := newMonitor(t, rec, "A")
		m.SetOnline(true)

		queued, err := m.Submit(t.Context(), "A", nil)
		require.Error(t, err)
		require.False(t, queued)
		require.True(t, m.Online())
		require.Empty(t, pendingTypes(t, q))
	})

	t.Run("queued actions keep their place", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{fail: map[string]error{"A": errors.New("still failing")}}
		m, q, _ := newMonitor(t, rec, "A", "B")

		_, err := q.AddPendingAction(t.Context(), "A", nil)
		require.NoError(t, err)
		m.SetOnline(true)
		require.Eventually(t, func() bool { return len(rec.calls()) == 1 }, time.Second, 5*time.Millisecond)

		queued, err := m.Submit(t.Context(), "B", nil)
		require.NoError(t, err)
		require.True(t, queued)
		require.Equal(t, []string{"A", "B"}, pendingTypes(t, q))
	})
}

func TestSubmitDoesNotOvertakeFailingCall(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var direct []string
	var mu sync.Mutex

	d := offline.NewDispatcher()
	d.Register("A", func(context.Context, offline.PendingAction) error {
		close(entered)
		<-release
		return &apiclient.TransportError{Err: errors.New("connection reset")}
	})
	d.Register("B", func(_ context.Context, a offline.PendingAction) error {
		mu.Lock()
		direct = append(direct, a.Type)
		mu.Unlock()
		return nil
	})

	db := openStore(t, filepath.Join(t.TempDir(), "queue.db"))
	q := offline.NewQueue(db, d, offline.Options{Logger: slogx.Discard()})
	m := offline.NewMonitor(&fakeProber{}, q, slogx.Discard(), time.Hour)
	t.Cleanup(m.Stop)
	m.SetOnline(true)

	ctx := t.Context()
	firstDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, "A", nil)
		firstDone <- err
	}()
	<-entered

	secondDone := make(chan error, 1)
	go func() {
		_, err := m.Submit(ctx, "B", nil)
		secondDone <- err
	}()

	// B must wait for A's outcome rather than see an empty queue.
	time.Sleep(50 * time.Millisecond)
	close(release)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	mu.Lock()
	require.Empty(t, direct, "B must not reach the API ahead of A")
	mu.Unlock()
	require.Equal(t, []string{"A", "B"}, pendingTypes(t, q))
}

func TestMonitorStopWithoutStart(t *testing.T) {
	t.Parallel()

	m := offline.NewMonitor(&fakeProber{}, nil, slogx.Discard(), time.Second)
	m.Stop()
	require.False(t, m.Online())
}
