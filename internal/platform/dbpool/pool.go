// Package dbpool opens the pgx pool each dispatch process shares.
package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/depannage/dispatch/internal/platform/env"
)

// Options sizes the pool for one process. Application tags every
// session in pg_stat_activity and StatementTimeout bounds each query.
type Options struct {
	Application      string
	MinConns         int
	MaxConns         int
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	HealthCheck      time.Duration
	StatementTimeout time.Duration
	Logger           *slog.Logger
}

// FromEnv reads DB_* overrides on top of the defaults for application.
func FromEnv(application string) Options {
	return Options{
		Application:      application,
		MinConns:         env.Int("DB_MIN_CONNS", 2),
		MaxConns:         env.Int("DB_MAX_CONNS", 20),
		MaxConnLifetime:  env.Duration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
		MaxConnIdleTime:  env.Duration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
		HealthCheck:      env.Duration("DB_HEALTH_CHECK_PERIOD", 30*time.Second),
		StatementTimeout: env.Duration("DB_STATEMENT_TIMEOUT", 5*time.Second),
	}
}

// Config parses databaseURL and applies o. Out-of-range sizes fall back
// to the defaults and MinConns never exceeds MaxConns.
func Config(databaseURL string, o Options) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if o.MaxConns <= 0 {
		o.MaxConns = 20
	}
	if o.MinConns < 0 {
		o.MinConns = 2
	}
	o.MinConns = min(o.MinConns, o.MaxConns)

	cfg.MinConns = int32(o.MinConns)
	cfg.MaxConns = int32(o.MaxConns)
	if o.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.MaxConnLifetime
	}
	if o.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = o.MaxConnIdleTime
	}
	if o.HealthCheck > 0 {
		cfg.HealthCheckPeriod = o.HealthCheck
	}

	params := cfg.ConnConfig.RuntimeParams
	if o.Application != "" {
		params["application_name"] = o.Application
	}
	if o.StatementTimeout > 0 {
		params["statement_timeout"] = fmt.Sprint(o.StatementTimeout.Milliseconds())
	}
	// Offers, history and events are all stamped by the engine clock in UTC.
	params["timezone"] = "UTC"

	if o.Logger != nil {
		logger := o.Logger.With("application", o.Application)
		cfg.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
			logger.Debug("postgres connection opened", "pid", conn.PgConn().PID())
			return nil
		}
	}
	return cfg, nil
}

// New opens a pool for application with FromEnv options.
func New(ctx context.Context, databaseURL, application string, logger *slog.Logger) (*pgxpool.Pool, error) {
	o := FromEnv(application)
	o.Logger = logger
	cfg, err := Config(databaseURL, o)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}
