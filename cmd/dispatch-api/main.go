package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/depannage/dispatch/internal/app/dispatchapi"
	"github.com/depannage/dispatch/internal/app/livegateway"
	"github.com/depannage/dispatch/internal/config"
	"github.com/depannage/dispatch/internal/engine"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/platform/auth"
	"github.com/depannage/dispatch/internal/platform/dbpool"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/platform/natsutil"
	"github.com/depannage/dispatch/internal/platform/tracing"
	"github.com/depannage/dispatch/internal/ratelimit"
	"github.com/depannage/dispatch/internal/store"
	"github.com/depannage/dispatch/internal/store/mongohistory"
	"github.com/depannage/dispatch/internal/store/postgres"
)

const (
	serviceName  = "dispatch-api"
	tokenTTL     = 12 * time.Hour
	bridgeBuffer = 4096
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", serviceName)
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("dispatch-api failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(runCtx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		shutdownTracing(ctx)
	}()

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL, serviceName, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	pg := postgres.New(pool)
	if err := waitForSchema(runCtx, pg, 30*time.Second, logger); err != nil {
		return fmt.Errorf("postgres schema: %w", err)
	}

	var history store.History = pg
	if cfg.MongoURL != "" {
		client, err := mongohistory.Connect(runCtx, cfg.MongoURL)
		if err != nil {
			return err
		}
		defer func() { _ = client.Disconnect(context.Background()) }()
		mh := mongohistory.New(client, cfg.Dispatch.MaxHistory())
		if err := mh.EnsureIndexes(runCtx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		history = mh
		logger.Info("location history stored in mongo")
	}

	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rc, err := ratelimit.Connect(runCtx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()
		limiter = ratelimit.NewRedis(rc, cfg.Dispatch.MinUpdateInterval())
		logger.Info("location rate limit shared through redis")
	}

	dispatchMetrics := metrics.NewDispatch(metrics.Default)
	e := engine.New(cfg.Dispatch, engine.Deps{
		Store:   pg,
		History: history,
		Limiter: limiter,
		Metrics: dispatchMetrics,
		Logger:  logger,
	})

	var natsConn *nats.Conn
	var bridge *events.Bridge
	if cfg.NATSURL != "" {
		client, err := natsutil.ConnectWithRetry(runCtx, cfg.NATSURL, natsutil.Options{Name: serviceName, Logger: logger}, 20*time.Second)
		if err != nil {
			return err
		}
		defer client.Close()
		natsConn = client.Conn
		bridge = events.NewBridge(client, bridgeBuffer, dispatchMetrics, logger)
		e.Bus.SubscribeAll(bridge.Handle)
	} else {
		logger.Info("nats bridge disabled")
	}

	if err := e.Start(runCtx); err != nil {
		return err
	}

	tokens := auth.NewManager(cfg.JWTSecret, tokenTTL)
	api := dispatchapi.NewHandler(e, tokens, cfg.AllowedOrigin, logger)
	api.Metrics = metrics.DefaultHandler()
	api.Ready = func(ctx context.Context) error {
		return checkReadiness(ctx, pg, natsConn, cfg.NATSURL != "")
	}
	gateway := livegateway.New(e, tokens, cfg.AllowedOrigin, dispatchMetrics, logger)

	root := chi.NewRouter()
	root.Mount("/live", gateway.Router())
	root.Mount("/", api.Router())

	// Live sessions outlive any request timeout; the gateway sets its own
	// per-frame write deadline.
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("dispatch-api listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		e.Close()
		return err
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err, "live_sessions", gateway.Sessions())
	}
	e.Close()
	if bridge != nil {
		bridge.Close()
	}
	return nil
}

func waitForSchema(ctx context.Context, pg *postgres.Store, timeout time.Duration, logger *slog.Logger) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pg.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("waiting for postgres schema", "err", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pg *postgres.Store, conn *nats.Conn, natsRequired bool) error {
	if natsRequired {
		if conn == nil {
			return errors.New("nats connection is nil")
		}
		if conn.Status() != nats.CONNECTED {
			return fmt.Errorf("nats is not connected: %s", conn.Status().String())
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pg.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
