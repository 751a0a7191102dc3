package app_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/app"
	"github.com/aussiebroadwan/shopfloor/internal/hub/hubtest"
	"github.com/aussiebroadwan/shopfloor/internal/realtime"
	"github.com/aussiebroadwan/shopfloor/pkg/apiclient"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

// domainAPI issues T1/R1 on login, rejects every refresh and records
// replayed operations in arrival order.
type domainAPI struct {
	down atomic.Bool

	mu         sync.Mutex
	operations []string
	keys       []string
}

func (d *domainAPI) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if d.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "T1", "refreshToken": "R1"})
	})

	mux.HandleFunc("POST /api/auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","message":"refresh token revoked"}`))
	})

	mux.HandleFunc("GET /api/reject", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	mux.HandleFunc("POST /api/operations/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer T1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body struct {
			Operation string `json:"operation"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		d.mu.Lock()
		d.operations = append(d.operations, body.Operation)
		d.keys = append(d.keys, r.Header.Get("Idempotency-Key"))
		d.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func (d *domainAPI) received() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.operations...)
}

func newTestApp(t *testing.T, api *domainAPI) (*app.Application, *hubtest.Server) {
	t.Helper()

	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	hubSrv := hubtest.NewServer(t)

	a, err := app.New(app.Config{
		APIURL:              srv.URL,
		HubURL:              hubSrv.URL(),
		DatabaseFile:        filepath.Join(t.TempDir(), "shopfloor.db"),
		Tenant:              "line-1",
		Actions:             "startOperation=POST /api/operations/start",
		HealthPath:          "/health",
		ProbeInterval:       20 * time.Millisecond,
		RequestTimeout:      2 * time.Second,
		Env:                 "test",
		LogLevel:            "error",
		LogFormat:           "json",
		ShutdownGracePeriod: time.Second,
		LogOutput:           io.Discard,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Shutdown() })

	return a, hubSrv
}

func TestLoginConnectsAndLogoutDisconnects(t *testing.T) {
	t.Parallel()

	a, hubSrv := newTestApp(t, &domainAPI{})
	ctx := t.Context()

	require.NoError(t, a.Connect(ctx))
	require.Equal(t, realtime.Disconnected, a.Realtime().State())
	require.Nil(t, a.Realtime().Connection())

	_, err := a.Client().Login(ctx, "operator", "secret")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.Realtime().State() == realtime.Connected
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hubSrv.InGroup("line-1") }, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"T1"}, hubSrv.Tokens())

	require.NoError(t, a.Client().Logout(ctx))
	require.Equal(t, realtime.Disconnected, a.Realtime().State())
	require.Nil(t, a.Realtime().Connection())
}

func TestForcedLogoutStopsRealtime(t *testing.T) {
	t.Parallel()

	a, _ := newTestApp(t, &domainAPI{})
	ctx := t.Context()
	require.NoError(t, a.Connect(ctx))

	_, err := a.Client().Login(ctx, "operator", "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return a.Realtime().State() == realtime.Connected
	}, waitFor, 5*time.Millisecond)

	err = a.Client().GetJSON(ctx, "/api/reject", nil)
	require.ErrorIs(t, err, apiclient.ErrSessionExpired)

	require.Equal(t, realtime.Disconnected, a.Realtime().State())
	require.Empty(t, a.Tokens().AccessToken(ctx))
}

func TestOfflineActionsReplayWhenAPIReturns(t *testing.T) {
	t.Parallel()

	api := &domainAPI{}
	api.down.Store(true)
	a, _ := newTestApp(t, api)

	_, err := a.Client().Login(t.Context(), "operator", "secret")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	for _, op := range []string{"op-10", "op-20", "op-30"} {
		queued, err := a.Monitor().Submit(t.Context(), "startOperation", map[string]string{"operation": op})
		require.NoError(t, err)
		require.True(t, queued)
	}
	require.Empty(t, api.received())

	api.down.Store(false)
	require.Eventually(t, func() bool {
		n, err := a.Queue().Len(t.Context())
		return err == nil && n == 0
	}, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"op-10", "op-20", "op-30"}, api.received())

	api.mu.Lock()
	require.Len(t, api.keys, 3)
	require.NotEqual(t, api.keys[0], api.keys[1])
	api.mu.Unlock()

	// Back online: new actions go straight through.
	queued, err := a.Monitor().Submit(t.Context(), "startOperation", map[string]string{"operation": "op-40"})
	require.NoError(t, err)
	require.False(t, queued)
	require.Equal(t, []string{"op-10", "op-20", "op-30", "op-40"}, api.received())

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("run did not return after cancel")
	}
}

func TestLoginWithoutConnectStaysOffline(t *testing.T) {
	t.Parallel()

	a, hubSrv := newTestApp(t, &domainAPI{})

	_, err := a.Client().Login(t.Context(), "operator", "secret")
	require.NoError(t, err)
	require.Equal(t, "T1", a.Tokens().AccessToken(t.Context()))
	require.Nil(t, a.Realtime().Connection())
	require.Zero(t, hubSrv.Handshakes())
}

func TestSubscriptionsSurviveLogin(t *testing.T) {
	t.Parallel()

	a, hubSrv := newTestApp(t, &domainAPI{})

	var got atomic.Int32
	a.Subscriptions().Subscribe("workOrderUpdated", func(json.RawMessage) { got.Add(1) })

	require.NoError(t, a.Connect(t.Context()))
	_, err := a.Client().Login(t.Context(), "operator", "secret")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hubSrv.Connections() == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return a.Realtime().State() == realtime.Connected
	}, waitFor, 5*time.Millisecond)

	require.Equal(t, 1, hubSrv.Publish("workOrderUpdated", map[string]string{"id": "wo-7"}))
	require.Eventually(t, func() bool { return got.Load() == 1 }, waitFor, 5*time.Millisecond)
}
