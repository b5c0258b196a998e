// Package engine assembles the dispatch and live-coordination components
// over one persistence port, one bus and one live hub.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/depannage/dispatch/internal/assignment"
	"github.com/depannage/dispatch/internal/chat"
	"github.com/depannage/dispatch/internal/config"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/geo"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/location"
	"github.com/depannage/dispatch/internal/matcher"
	"github.com/depannage/dispatch/internal/notify"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/ratelimit"
	"github.com/depannage/dispatch/internal/statemachine"
	"github.com/depannage/dispatch/internal/store"
	"github.com/depannage/dispatch/internal/tracking"
)

const liveBuffer = 64

type Deps struct {
	Store store.Port
	// History defaults to Store when Store also implements store.History.
	History store.History
	// Limiter defaults to an in-process limiter.
	Limiter ratelimit.Limiter
	Clock   clock.Clock
	Metrics *metrics.Dispatch
	Logger  *slog.Logger
}

type Engine struct {
	Config config.Dispatch
	Store  store.Port
	Clock  clock.Clock
	Bus    *events.Bus
	Hub    *live.Hub
	Index  *geo.Index

	// Requests serializes everything about one request; Owners serializes
	// one location owner's reports; Notices serializes one recipient's
	// notification writes.
	Requests *lane.Pool
	Owners   *lane.Pool
	Notices  *lane.Pool

	Machine     *statemachine.Machine
	Matcher     *matcher.Matcher
	Coordinator *assignment.Coordinator
	Ingress     *location.Ingress
	Tracking    *tracking.Fanout
	Notify      *notify.Service
	Chat        *chat.Service

	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.Dispatch, deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	hist := deps.History
	if hist == nil {
		if h, ok := deps.Store.(store.History); ok {
			hist = h
		}
	}
	lim := deps.Limiter
	if lim == nil {
		lim = ratelimit.NewMemory(cfg.MinUpdateInterval())
	}

	e := &Engine{
		Config:   cfg,
		Store:    deps.Store,
		Clock:    clk,
		Bus:      events.NewBus(clk, logger),
		Hub:      live.NewHub(liveBuffer, logger),
		Index:    geo.NewIndex(cfg.GeohashPrecision),
		Requests: lane.New("requests", cfg.LaneCount, logger),
		Owners:   lane.New("owners", cfg.LaneCount, logger),
		Notices:  lane.New("notifications", cfg.LaneCount, logger),
		logger:   logger.With("component", "engine"),
	}
	st := deps.Store
	e.Machine = statemachine.New(st, e.Requests, e.Bus, clk, cfg.StateMachine(), deps.Metrics, logger)
	e.Matcher = matcher.New(e.Index, st, st, cfg.Matcher(), clk)
	e.Coordinator = assignment.New(st, e.Matcher, e.Machine, e.Requests, e.Bus, clk, cfg.Assignment(), deps.Metrics, logger)
	e.Chat = chat.New(st, e.Requests, e.Bus, e.Hub, clk, logger)
	e.Chat.Retry = cfg.Persistence()
	e.Tracking = tracking.New(st, e.Requests, e.Bus, e.Hub, clk, cfg.Tracking(), logger)
	e.Ingress = location.New(st, hist, e.Index, lim, e.Owners, e.Bus, clk, cfg.Location(), deps.Metrics, logger)
	e.Notify = notify.New(st, e.Notices, e.Bus, e.Hub, clk, cfg.Notify(), deps.Metrics, logger)
	return e
}

// Start rebuilds in-memory state from the persistence port: the geo index,
// lifecycle timers and dispatch of pending requests. It then runs the
// history pruner until Close.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.Ingress.Recover(ctx)
	if err != nil {
		return fmt.Errorf("rebuild geo index: %w", err)
	}
	if err := e.Machine.Recover(ctx); err != nil {
		return err
	}
	if err := e.Tracking.Recover(ctx); err != nil {
		return err
	}
	if err := e.Coordinator.Recover(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.Ingress.Run(runCtx)
	}()
	e.logger.Info("engine started", "indexed_technicians", n, "lanes", e.Requests.Size())
	return nil
}

// Sync waits until every lane is idle. Work hops between pools (owner →
// request → notification), so the pools are drained in that order twice.
func (e *Engine) Sync(ctx context.Context) error {
	for range 2 {
		for _, p := range []*lane.Pool{e.Owners, e.Requests, e.Notices} {
			if err := p.Sync(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close stops timers and background work and drains the lanes.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.Coordinator.Stop()
	e.Machine.Stop()
	e.Ingress.Stop()
	e.Tracking.Stop()
	e.Notify.Stop()
	e.Owners.Close()
	e.Requests.Close()
	e.Notices.Close()
	e.logger.Info("engine stopped")
}
