package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aussiebroadwan/shopfloor/internal/hub"
	"github.com/aussiebroadwan/shopfloor/internal/offline"
	"github.com/aussiebroadwan/shopfloor/internal/realtime"
	"github.com/aussiebroadwan/shopfloor/internal/store"
	"github.com/aussiebroadwan/shopfloor/internal/store/drivers/sqlite"
	"github.com/aussiebroadwan/shopfloor/internal/tokens"
	"github.com/aussiebroadwan/shopfloor/pkg/apiclient"
	"github.com/aussiebroadwan/shopfloor/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application wires the sync runtime: token storage, the authenticated API
// client, the realtime connection with its subscriptions, and the offline
// queue with its connectivity monitor.
type Application struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// Core dependencies
	db     store.Store
	tokens *tokens.Store
	client *apiclient.Client

	// Realtime
	realtime      *realtime.Manager
	subscriptions *realtime.Registry

	// Offline
	dispatcher *offline.Dispatcher
	queue      *offline.Queue
	monitor    *offline.Monitor

	unsubscribe []func()

	// live is set once Connect runs; from then on logins connect.
	live atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	routes, err := ParseActionRoutes(cfg.Actions)
	if err != nil {
		return nil, err
	}

	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "shopfloor",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			Output:  cfg.LogOutput,
		}),
	}
	app.ctx, app.cancel = context.WithCancel(context.Background())

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	app.initClient()
	app.initRealtime()
	app.initOffline(routes)

	app.unsubscribe = append(app.unsubscribe, app.tokens.OnChange(app.onTokensChanged))

	return app, nil
}

func (app *Application) Logger() *slog.Logger { return app.logger }
func (app *Application) Tokens() *tokens.Store { return app.tokens }
func (app *Application) Client() *apiclient.Client { return app.client }
func (app *Application) Realtime() *realtime.Manager { return app.realtime }
func (app *Application) Subscriptions() *realtime.Registry { return app.subscriptions }
func (app *Application) Dispatcher() *offline.Dispatcher { return app.dispatcher }
func (app *Application) Queue() *offline.Queue { return app.queue }
func (app *Application) Monitor() *offline.Monitor { return app.monitor }

// Connect creates and starts the realtime connection when credentials are
// stored. Without credentials it does nothing. After Connect, a later login
// connects by itself. One-shot commands never call it.
func (app *Application) Connect(ctx context.Context) error {
	app.live.Store(true)

	pair, err := app.tokens.Load(ctx)
	if err != nil {
		return err
	}
	if pair.IsZero() {
		app.logger.Info("no stored credentials, realtime stays disconnected")
		return nil
	}

	app.realtime.Create(pair.AccessToken, "")
	return app.realtime.Start(ctx)
}

// Run connects, starts the connectivity monitor, logs the configured events
// and blocks until ctx is done or a shutdown signal arrives.
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info("shopfloor sync starting",
		"api", app.cfg.APIURL,
		"hub", app.cfg.HubURL,
		"version", BuildVersion,
	)

	for _, event := range app.cfg.Events {
		app.unsubscribe = append(app.unsubscribe, app.subscriptions.Subscribe(event, app.logEvent(event)))
	}

	if err := app.Connect(ctx); err != nil {
		// Start failures are not retried here; the monitor retries on the
		// next offline to online transition.
		app.logger.Warn("realtime connection failed", "error", err)
	}

	app.monitor.Start()

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	app.logger.Info("shutdown requested", "cause", context.Cause(ctx))

	if err := app.Shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// Shutdown stops background work and closes the database. It is safe to
// call on an Application that never ran, and more than once.
func (app *Application) Shutdown() error {
	app.shutdownOnce.Do(func() {
		app.shutdownErr = app.shutdown()
	})
	return app.shutdownErr
}

func (app *Application) shutdown() error {
	app.logger.Info("shutting down shopfloor sync...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		app.monitor.Stop()
	}()

	select {
	case <-done:
	case <-time.After(app.cfg.ShutdownGracePeriod):
		app.logger.Error("replay did not finish within grace period")
	}

	app.cancel()
	for _, fn := range app.unsubscribe {
		fn()
	}
	app.subscriptions.Close()
	app.realtime.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("shopfloor sync stopped")
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(dsn)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.tokens = tokens.New(db)
	app.logger.Debug("database migrations applied successfully")
	return nil
}

func (app *Application) initClient() {
	app.client = apiclient.New(app.cfg.APIURL, app.tokens)
	app.client.Logger = app.logger
	app.client.HTTPClient.Transport = &slogx.Transport{Logger: app.logger}
	if app.cfg.RequestTimeout > 0 {
		app.client.HTTPClient.Timeout = app.cfg.RequestTimeout
	}
	if app.cfg.HealthPath != "" {
		app.client.HealthPath = app.cfg.HealthPath
	}
	app.client.OnForcedLogout(app.onForcedLogout)
}

func (app *Application) initRealtime() {
	app.realtime = realtime.NewManager(
		app.cfg.HubURL,
		func() string { return app.tokens.AccessToken(app.ctx) },
		realtime.Options{Logger: app.logger},
	)
	app.subscriptions = realtime.NewRegistry(app.realtime, app.logger)
	app.unsubscribe = append(app.unsubscribe, app.realtime.OnReady(app.onReady))
}

func (app *Application) initOffline(routes []ActionRoute) {
	app.dispatcher = offline.NewDispatcher()
	for _, r := range routes {
		app.dispatcher.Register(r.Type, offline.HTTPHandler(app.client, r.Method, r.Path))
	}

	app.queue = offline.NewQueue(app.db, app.dispatcher, offline.Options{
		Logger: app.logger,
		Rate:   app.cfg.ReplayRate,
	})
	app.monitor = offline.NewMonitor(app.client, app.queue, app.logger, app.cfg.ProbeInterval)
	app.monitor.OnChange(app.onConnectivityChanged)
}

// onTokensChanged follows login and logout: fresh credentials create and
// start the connection, cleared credentials stop it. A refresh leaves the
// connection alone; it reads the rotated token on its next dial.
func (app *Application) onTokensChanged(p tokens.Pair) {
	if p.IsZero() {
		app.realtime.Stop()
		return
	}
	if !app.live.Load() || app.realtime.Connection() != nil {
		return
	}

	app.realtime.Create(p.AccessToken, "")
	go app.startRealtime()
}

func (app *Application) onForcedLogout() {
	app.logger.Warn("session expired, signing out")
	app.realtime.Stop()
}

func (app *Application) onReady(*hub.Conn) {
	if app.cfg.Tenant == "" {
		return
	}

	go func() {
		timeout := app.cfg.RequestTimeout
		if timeout <= 0 {
			timeout = apiclient.DefaultRequestTimeout
		}
		ctx, cancel := context.WithTimeout(app.ctx, timeout)
		defer cancel()

		if err := app.realtime.JoinGroup(ctx, app.cfg.Tenant); err != nil {
			app.logger.Warn("failed to join tenant group", "tenant", app.cfg.Tenant, "error", err)
		}
	}()
}

func (app *Application) onConnectivityChanged(online bool) {
	if !online || app.realtime.Connection() == nil {
		return
	}
	if app.realtime.State() == realtime.Disconnected {
		go app.startRealtime()
	}
}

func (app *Application) startRealtime() {
	if err := app.realtime.Start(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
		app.logger.Warn("realtime connection failed", "error", err)
	}
}

func (app *Application) logEvent(event string) realtime.Handler {
	return func(payload json.RawMessage) {
		app.logger.Info("event received", "event", event, "payload", payload)
	}
}
