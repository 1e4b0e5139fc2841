package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/entity-sync-core/internal/auth"
	"github.com/codeready-toolchain/entity-sync-core/internal/changelog"
	"github.com/codeready-toolchain/entity-sync-core/internal/config"
	"github.com/codeready-toolchain/entity-sync-core/internal/connmgr"
	"github.com/codeready-toolchain/entity-sync-core/internal/fanout"
	"github.com/codeready-toolchain/entity-sync-core/internal/gateway"
	"github.com/codeready-toolchain/entity-sync-core/internal/listener"
	"github.com/codeready-toolchain/entity-sync-core/internal/platform"
	"github.com/codeready-toolchain/entity-sync-core/internal/poller"
	"github.com/codeready-toolchain/entity-sync-core/internal/subscriptions"
	"github.com/codeready-toolchain/entity-sync-core/internal/telemetry"
	"github.com/codeready-toolchain/entity-sync-core/pkg/version"
)

// app is the composition root: every component is constructed once here and
// wired explicitly, per §9's "no hidden globals except the configuration
// snapshot" design note.
type app struct {
	cfg *config.Config

	pool       *pgxpool.Pool
	conns      *connmgr.Manager
	sweeper    *connmgr.Sweeper
	cleaner    *subscriptions.Cleaner
	subs       *subscriptions.Registry
	log        *changelog.Log
	engine     *fanout.Engine
	listener   *listener.Listener
	poller     *poller.Poller
	gateway    *gateway.Gateway
	echo       *echo.Echo
	httpServer *http.Server
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFatalConfig, err)
	}

	pool, err := openPoolWithRetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errFatalDatabase, err)
	}

	if err := platform.Migrate(cfg.DSN()); err != nil {
		return nil, fmt.Errorf("%w: %v", errFatalDatabase, err)
	}

	verifier := auth.NewVerifier(cfg.TokenSigningSecret)

	conns := connmgr.New(connmgr.Config{
		OutboundByteCap: cfg.OutboundByteCap,
		WriteTimeout:    cfg.WriteTimeout,
	})
	sweeper := connmgr.NewSweeper(conns, cfg.HeartbeatInterval, cfg.HeartbeatInterval, cfg.HeartbeatMissedLimit, cfg.TokenExpiryWarnWindow)

	subs := subscriptions.New(pool, cfg.DBCallTimeout)
	cleaner := subscriptions.NewCleaner(subs, 1*time.Hour, cfg.StaleSubscriptionWindow)
	clog := changelog.New(pool, cfg.DBCallTimeout)
	engine := fanout.New(subs, conns, clog, 4096)

	podID := fmt.Sprintf("pubsubd-%d", os.Getpid())
	nl := listener.New(cfg.DSN(), listener.Config{
		Channel:         cfg.ListenChannel,
		ReconnectBase:   cfg.ReconnectBaseDelay,
		ReconnectMaxAtt: cfg.ReconnectMaxAttempts,
	}, engine)

	pw := poller.New(clog, engine, poller.Config{
		Interval:   cfg.PollInterval,
		InitDelay:  cfg.PollInitDelay,
		BatchLimit: cfg.PollBatchSize,
	})

	gw := gateway.New(verifier, conns, subs, podID)

	e := echo.New()
	gw.Register(e, "/ws")
	registerOpsRoutes(e)

	return &app{
		cfg:      cfg,
		pool:     pool,
		conns:    conns,
		sweeper:  sweeper,
		cleaner:  cleaner,
		subs:     subs,
		log:      clog,
		engine:   engine,
		listener: nl,
		poller:   pw,
		gateway:  gw,
		echo:     e,
		httpServer: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: e,
		},
	}, nil
}

// Start brings up every long-lived task: the HTTP/WebSocket server, the
// Notify Listener, the Poll Watcher and the Connection Manager's sweep.
// Listener startup failure is logged, not fatal: the service then runs on
// the Poll Watcher alone. A failed initial Start is not retried; the
// listener's reconnect loop only runs after a successful Start.
func (a *app) Start(ctx context.Context) error {
	a.sweeper.Start(ctx)
	a.poller.Start(ctx)
	a.cleaner.Start(ctx)

	if err := a.listener.Start(ctx); err != nil {
		slog.Error("notify listener failed to start, relying on poll watcher", "error", err)
	}

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "error", err)
		}
	}()

	slog.Info("pubsubd started", "addr", a.cfg.HTTPAddr)
	return nil
}

// Stop shuts the HTTP server down gracefully, then cancels the sweeper,
// poller, cleaner and listener cooperatively and closes the pool (§5
// stop() contract).
func (a *app) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	a.sweeper.Stop()
	a.poller.Stop()
	a.cleaner.Stop()
	a.listener.Stop(shutdownCtx)
	a.pool.Close()
	return nil
}

func migrateOnly(ctx context.Context) error {
	_ = ctx
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("%w: %v", errFatalConfig, err)
	}
	if err := platform.Migrate(cfg.DSN()); err != nil {
		return fmt.Errorf("%w: %v", errFatalDatabase, err)
	}
	slog.Info("migrations applied")
	return nil
}

// openPoolWithRetry retries the initial connection attempt within the
// configured startup budget before surfacing a fatal database error
// (§6 exit code 2).
func openPoolWithRetry(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	deadline := time.Now().Add(cfg.DBStartupRetry)
	backoff := 1 * time.Second

	var lastErr error
	for {
		pool, err := platform.OpenPool(ctx, cfg.DSN(), int32(cfg.DBMaxOpenConns), int32(cfg.DBMaxIdleConns))
		if err == nil {
			return pool, nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("database unreachable after startup retry budget: %w", lastErr)
		}
		slog.Warn("database not yet reachable, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

// registerOpsRoutes mounts health, readiness, and Prometheus metrics
// endpoints alongside the WebSocket route, following the teacher's
// single-Server-owns-all-routes convention in pkg/api/server.go.
func registerOpsRoutes(e *echo.Echo) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(telemetry.All()...)

	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Full(),
		})
	})
	e.GET("/readyz", func(c *echo.Context) error {
		return c.String(http.StatusOK, "ready")
	})
	metricsHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	e.GET("/metrics", func(c *echo.Context) error {
		metricsHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
}
