// Package location accepts position reports, keeps the latest snapshot per
// owner and feeds technician positions into the geo index.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/geo"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/ratelimit"
	"github.com/depannage/dispatch/internal/store"
)

type Config struct {
	MinUpdateInterval time.Duration
	MaxHistory        time.Duration
	PruneInterval     time.Duration
}

// Result says what happened to a submitted update.
type Result string

const (
	Accepted Result = "accepted"
	// Coalesced updates are held and applied when the owner's rate window
	// reopens, unless a newer one replaces them first.
	Coalesced Result = "coalesced"
	Stale     Result = "stale"
)

type Store interface {
	store.Locations
	store.Technicians
}

type Ingress struct {
	Store   Store
	History store.History
	Index   *geo.Index
	Limiter ratelimit.Limiter
	Lanes   *lane.Pool
	Bus     *events.Bus
	Clock   clock.Clock
	Config  Config
	Metrics *metrics.Dispatch

	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*held
}

type held struct {
	snap  domain.LocationSnapshot
	timer *clock.Timer
}

func New(st Store, hist store.History, ix *geo.Index, lim ratelimit.Limiter, lanes *lane.Pool, bus *events.Bus, clk clock.Clock, cfg Config, m *metrics.Dispatch, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	if lim == nil {
		lim = ratelimit.NewMemory(cfg.MinUpdateInterval)
	}
	in := &Ingress{
		Store:   st,
		History: hist,
		Index:   ix,
		Limiter: lim,
		Lanes:   lanes,
		Bus:     bus,
		Clock:   clk,
		Config:  cfg,
		Metrics: m,
		logger:  logger.With("component", "location"),
		pending: map[string]*held{},
	}
	bus.Subscribe(events.ReviewSubmitted, in.onReview)
	return in
}

// authorize checks that p reports its own position.
func authorize(p domain.Principal, kind domain.OwnerKind, ownerID string) error {
	want := domain.RoleClient
	if kind == domain.OwnerTechnician {
		want = domain.RoleTechnician
	}
	if p.Role != want || p.UserID != ownerID {
		return fmt.Errorf("%w: %s %s cannot report for %s %s", domain.ErrForbidden, p.Role, p.UserID, kind, ownerID)
	}
	return nil
}

// Submit validates and records u. Out-of-order updates are dropped with
// Stale; updates inside the owner's rate window are coalesced.
func (in *Ingress) Submit(ctx context.Context, p domain.Principal, u domain.LocationSnapshot) (Result, error) {
	if err := u.Validate(); err != nil {
		in.Metrics.Location("invalid")
		return "", err
	}
	if err := authorize(p, u.OwnerKind, u.OwnerID); err != nil {
		in.Metrics.Location("forbidden")
		return "", err
	}
	if u.Source == "" {
		u.Source = domain.SourceGPS
	}
	u.CapturedAt = u.CapturedAt.UTC()

	key := u.OwnerKey()
	var res Result
	err := in.Lanes.Do(ctx, key, func(ctx context.Context) error {
		r, err := in.submit(ctx, key, u)
		res = r
		return err
	})
	if err != nil {
		return "", err
	}
	in.Metrics.Location(string(res))
	return res, nil
}

func (in *Ingress) submit(ctx context.Context, key string, u domain.LocationSnapshot) (Result, error) {
	last, err := in.Store.LatestLocation(ctx, u.OwnerKind, u.OwnerID)
	switch {
	case err == nil:
		if !u.CapturedAt.After(last.CapturedAt) {
			return Stale, nil
		}
	case errors.Is(err, domain.ErrNotFound):
	default:
		return "", fmt.Errorf("%w: load latest location: %v", domain.ErrUnavailable, err)
	}

	in.mu.Lock()
	h := in.pending[key]
	if h != nil && !u.CapturedAt.After(h.snap.CapturedAt) {
		in.mu.Unlock()
		return Stale, nil
	}
	in.mu.Unlock()

	ok, wait, err := in.Limiter.Allow(ctx, key, in.Clock.Now())
	if err != nil {
		// A limiter outage admits the update.
		in.logger.Warn("rate limiter unavailable", "owner", key, "err", err)
		ok = true
	}
	if !ok {
		in.hold(key, u, wait)
		return Coalesced, nil
	}

	in.mu.Lock()
	if h := in.pending[key]; h != nil {
		h.timer.Stop()
		delete(in.pending, key)
	}
	in.mu.Unlock()
	if err := in.apply(ctx, u); err != nil {
		return "", err
	}
	return Accepted, nil
}

// hold keeps u as the owner's newest pending update, replacing any older
// one, and arms a flush for when the rate window reopens.
func (in *Ingress) hold(key string, u domain.LocationSnapshot, wait time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if h, ok := in.pending[key]; ok {
		h.snap = u
		return
	}
	h := &held{snap: u, timer: &clock.Timer{}}
	in.pending[key] = h
	h.timer = in.Clock.AfterFunc(wait, func() {
		in.Lanes.Submit(key, func(ctx context.Context) { in.flush(ctx, key, h) })
	})
}

func (in *Ingress) flush(ctx context.Context, key string, h *held) {
	in.mu.Lock()
	if in.pending[key] != h {
		in.mu.Unlock()
		return
	}
	delete(in.pending, key)
	snap := h.snap
	in.mu.Unlock()

	ok, wait, err := in.Limiter.Allow(ctx, key, in.Clock.Now())
	if err == nil && !ok {
		in.hold(key, snap, wait)
		return
	}
	if err := in.apply(ctx, snap); err != nil {
		in.logger.Warn("flush coalesced location", "owner", key, "err", err)
		return
	}
	in.Metrics.Location("flushed")
}

func (in *Ingress) apply(ctx context.Context, u domain.LocationSnapshot) error {
	stored, err := in.Store.SaveLatestLocation(ctx, u)
	if err != nil {
		return fmt.Errorf("%w: save location: %v", domain.ErrUnavailable, err)
	}
	if !stored {
		return nil
	}
	if in.History != nil {
		if err := in.History.AppendLocationHistory(ctx, u); err != nil {
			in.logger.Warn("append location history", "owner", u.OwnerKey(), "err", err)
		}
	}
	if u.OwnerKind == domain.OwnerTechnician {
		in.index(ctx, u)
	}
	in.Bus.Publish(ctx, events.LocationUpdated, "", events.LocationPayload{Snapshot: u})
	return nil
}

func (in *Ingress) index(ctx context.Context, u domain.LocationSnapshot) {
	now := in.Clock.Now()
	if e, ok := in.Index.Get(u.OwnerID); ok {
		in.Index.Upsert(e.Technician, u.Point(), now)
		return
	}
	t, err := in.Store.GetTechnician(ctx, u.OwnerID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			in.logger.Warn("load technician for index", "technician_id", u.OwnerID, "err", err)
		}
		return
	}
	in.Index.Upsert(t, u.Point(), now)
}

// SetAvailability toggles whether the technician can receive offers and
// adds or removes them from the geo index.
func (in *Ingress) SetAvailability(ctx context.Context, p domain.Principal, available bool) (domain.Technician, error) {
	if p.Role != domain.RoleTechnician {
		return domain.Technician{}, fmt.Errorf("%w: only technicians set availability", domain.ErrForbidden)
	}
	var out domain.Technician
	err := in.Lanes.Do(ctx, domain.OwnerKey(domain.OwnerTechnician, p.UserID), func(ctx context.Context) error {
		t, err := in.Store.SetAvailability(ctx, p.UserID, available)
		if err != nil {
			return err
		}
		out = t
		if !t.Indexable(in.Clock.Now()) {
			in.Index.Remove(t.ID)
			return nil
		}
		snap, err := in.Store.LatestLocation(ctx, domain.OwnerTechnician, t.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("%w: load latest location: %v", domain.ErrUnavailable, err)
		}
		in.Index.Upsert(t, snap.Point(), in.Clock.Now())
		return nil
	})
	if err != nil {
		return domain.Technician{}, err
	}
	in.logger.Info("technician availability changed", "technician_id", p.UserID, "available", available)
	return out, nil
}

func (in *Ingress) onReview(_ context.Context, e events.Event) {
	p, ok := e.Payload.(events.ReviewPayload)
	if !ok {
		return
	}
	in.Index.UpdateProfile(p.Technician, in.Clock.Now())
}

// Latest returns the owner's authoritative position.
func (in *Ingress) Latest(ctx context.Context, kind domain.OwnerKind, ownerID string) (domain.LocationSnapshot, error) {
	return in.Store.LatestLocation(ctx, kind, ownerID)
}

// Recover rebuilds the geo index from available technicians and their
// latest snapshots.
func (in *Ingress) Recover(ctx context.Context) (int, error) {
	techs, err := in.Store.ListAvailableTechnicians(ctx)
	if err != nil {
		return 0, fmt.Errorf("list available technicians: %w", err)
	}
	now := in.Clock.Now()
	n := 0
	for _, t := range techs {
		snap, err := in.Store.LatestLocation(ctx, domain.OwnerTechnician, t.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("load location of %s: %w", t.ID, err)
		}
		if in.Index.Upsert(t, snap.Point(), now) {
			n++
		}
	}
	in.logger.Info("geo index rebuilt", "technicians", n)
	return n, nil
}

// Prune drops history older than MaxHistory and unindexes technicians whose
// subscription lapsed.
func (in *Ingress) Prune(ctx context.Context) {
	now := in.Clock.Now()
	if in.History != nil && in.Config.MaxHistory > 0 {
		n, err := in.History.PruneLocationHistory(ctx, now.Add(-in.Config.MaxHistory))
		if err != nil {
			in.logger.Warn("prune location history", "err", err)
		} else if n > 0 {
			in.logger.Info("location history pruned", "rows", n)
		}
	}
	if removed := in.Index.Prune(now); len(removed) > 0 {
		in.logger.Info("lapsed technicians unindexed", "count", len(removed))
	}
}

// Run prunes every PruneInterval until ctx ends.
func (in *Ingress) Run(ctx context.Context) {
	if in.Config.PruneInterval <= 0 {
		return
	}
	t := in.Clock.NewTicker(in.Config.PruneInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			in.Prune(ctx)
		}
	}
}

// Stop cancels pending flushes.
func (in *Ingress) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for key, h := range in.pending {
		h.timer.Stop()
		delete(in.pending, key)
	}
}
