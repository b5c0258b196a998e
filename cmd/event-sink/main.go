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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/depannage/dispatch/internal/app/eventsink"
	"github.com/depannage/dispatch/internal/messaging"
	"github.com/depannage/dispatch/internal/platform/dbpool"
	"github.com/depannage/dispatch/internal/platform/env"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/platform/natsutil"
)

var handledTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "dispatch_event_sink_messages_total",
	Help: "JetStream messages handled by the event sink, by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(handledTotal)
}

func main() {
	addr := pflag.String("addr", env.String("EVENT_SINK_ADDR", env.DefaultSinkAddr), "health and metrics listen address")
	natsURL := pflag.String("nats-url", env.String("NATS_URL", env.DefaultNATSURL), "NATS server URL")
	pgURL := pflag.String("database-url", env.String("DATABASE_URL", env.DefaultDatabaseURL), "Postgres connection URL")
	pflag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "event-sink")
	slog.SetDefault(logger)

	if err := run(*addr, *natsURL, *pgURL, logger); err != nil {
		logger.Error("event-sink failed", "err", err)
		os.Exit(1)
	}
}

func run(addr, natsURL, pgURL string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := dbpool.New(ctx, pgURL, "event-sink", logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	repository := eventsink.NewEventRepository(pool)
	if err := waitForPostgres(ctx, pool, repository, 30*time.Second, logger); err != nil {
		return err
	}
	service := eventsink.NewService(repository)

	client, err := natsutil.ConnectWithRetry(ctx, natsURL, natsutil.Options{Name: "event-sink", Logger: logger}, 20*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	sub, err := client.JS.QueueSubscribe(messaging.EventsSubjects, messaging.SinkQueueGroup, func(msg *nats.Msg) {
		var eventSeq uint64
		if meta, metaErr := msg.Metadata(); metaErr == nil {
			eventSeq = meta.Sequence.Stream
		}

		insertCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := service.Handle(insertCtx, msg.Data, eventSeq); err != nil {
			if errors.Is(err, eventsink.ErrInvalidEventPayload) || errors.Is(err, eventsink.ErrUnsupportedEventType) {
				logger.Warn("discarding event", "subject", msg.Subject, "seq", eventSeq, "err", err)
				handledTotal.WithLabelValues("discarded").Inc()
				_ = msg.Term()
				return
			}
			logger.Error("event persistence failed", "subject", msg.Subject, "seq", eventSeq, "err", err)
			handledTotal.WithLabelValues("retried").Inc()
			_ = msg.Nak()
			return
		}

		handledTotal.WithLabelValues("stored").Inc()
		_ = msg.Ack()
	}, nats.Durable(messaging.SinkDurable), nats.ManualAck())
	if err != nil {
		return err
	}
	defer func() { _ = sub.Drain() }()

	logger.Info("event-sink consuming", "subject", sub.Subject, "queue", messaging.SinkQueueGroup)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultHandler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "err", err)
	}
	return nil
}

func waitForPostgres(
	ctx context.Context,
	pool *pgxpool.Pool,
	repository *eventsink.EventRepository,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repository.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("waiting for postgres readiness", "err", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}
	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
