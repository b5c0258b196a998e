// Package tracking relays participant positions of active requests to the
// request's room with a distance and ETA estimate.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/geo"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/store"
)

// Store is what tracking reads: latest positions and, on recovery, the
// requests that still have a live job.
type Store interface {
	store.Locations
	ListRequestsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Request, error)
}

// Config tunes the fanout. Throttle is the minimum gap between two
// tracking_info frames of one request.
type Config struct {
	AverageSpeedKmH float64
	MinEtaMinutes   float64
	Throttle        time.Duration
	ArrivalRadiusKm float64
}

// Info is the body of a tracking_info frame.
type Info struct {
	RequestID  string    `json:"request_id"`
	DistanceKm float64   `json:"distance_km"`
	EtaMinutes float64   `json:"eta_minutes"`
	ETA        time.Time `json:"eta_iso8601"`
	IsMoving   bool      `json:"is_moving"`
}

type Fanout struct {
	Store  Store
	Lanes  *lane.Pool
	Bus    *events.Bus
	Hub    live.Publisher
	Clock  clock.Clock
	Config Config

	logger *slog.Logger

	mu      sync.Mutex
	rooms   map[string]*room
	byOwner map[string]map[string]bool
}

// room state is only touched on its request's lane.
type room struct {
	requestID    string
	clientID     string
	technicianID string

	client, tech *domain.LocationSnapshot
	// queued raw updates awaiting the next emission, per owner key
	queued   map[string]domain.LocationSnapshot
	lastEmit time.Time
	flush    *clock.Timer
	armed    bool
	arrived  bool
	closed   bool
}

func New(st Store, lanes *lane.Pool, bus *events.Bus, hub live.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{
		Store:   st,
		Lanes:   lanes,
		Bus:     bus,
		Hub:     hub,
		Clock:   clk,
		Config:  cfg,
		logger:  logger.With("component", "tracking"),
		rooms:   map[string]*room{},
		byOwner: map[string]map[string]bool{},
	}
	bus.Subscribe(events.RequestStatusChanged, f.onStatusChanged)
	bus.Subscribe(events.LocationUpdated, f.onLocation)
	return f
}

// Eta is max(MinEtaMinutes, distance / speed) in minutes.
func Eta(distanceKm, speedKmH, minMinutes float64) float64 {
	if speedKmH <= 0 {
		return minMinutes
	}
	return math.Max(minMinutes, distanceKm/speedKmH*60)
}

// onStatusChanged runs on the request's lane.
func (f *Fanout) onStatusChanged(ctx context.Context, e events.Event) {
	p, ok := e.Payload.(events.StatusChangedPayload)
	if !ok {
		return
	}
	r := p.Request
	switch {
	case r.Status == domain.StatusAssigned:
		f.open(ctx, r)
	case r.Status.Terminal():
		defer f.close(r.ID)
	}
	f.Hub.Publish(live.RequestRoom(r.ID), live.Frame{
		Type: live.FrameStatusUpdate,
		Data: map[string]any{
			"request_id":    r.ID,
			"status":        r.Status,
			"reason":        r.StatusReason,
			"technician_id": r.TechnicianID,
		},
		At: e.EmittedAt,
	})
}

func (f *Fanout) open(ctx context.Context, r domain.Request) {
	f.mu.Lock()
	if _, ok := f.rooms[r.ID]; ok {
		f.mu.Unlock()
		return
	}
	rm := &room{
		requestID:    r.ID,
		clientID:     r.ClientID,
		technicianID: r.TechnicianID,
		queued:       map[string]domain.LocationSnapshot{},
		flush:        &clock.Timer{},
	}
	f.rooms[r.ID] = rm
	for _, key := range []string{
		domain.OwnerKey(domain.OwnerClient, r.ClientID),
		domain.OwnerKey(domain.OwnerTechnician, r.TechnicianID),
	} {
		if f.byOwner[key] == nil {
			f.byOwner[key] = map[string]bool{}
		}
		f.byOwner[key][r.ID] = true
	}
	f.mu.Unlock()

	rm.client = f.latest(ctx, domain.OwnerClient, r.ClientID)
	rm.tech = f.latest(ctx, domain.OwnerTechnician, r.TechnicianID)
	if rm.client != nil && rm.tech != nil {
		f.emit(ctx, rm)
	}
}

// Recover reopens the rooms of requests that were being worked on when the
// process stopped. Each room opens on its request's lane.
func (f *Fanout) Recover(ctx context.Context) error {
	reqs, err := f.Store.ListRequestsByStatus(ctx, domain.StatusAssigned, domain.StatusInProgress, domain.StatusPendingClientValidation)
	if err != nil {
		return fmt.Errorf("list tracked requests: %w", err)
	}
	for _, r := range reqs {
		r := r
		f.Lanes.Submit(r.ID, func(ctx context.Context) { f.open(ctx, r) })
	}
	f.logger.Info("tracking rooms recovered", "requests", len(reqs))
	return nil
}

func (f *Fanout) latest(ctx context.Context, kind domain.OwnerKind, id string) *domain.LocationSnapshot {
	s, err := f.Store.LatestLocation(ctx, kind, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			f.logger.Warn("load latest location", "owner_kind", kind, "owner_id", id, "err", err)
		}
		return nil
	}
	return &s
}

func (f *Fanout) close(requestID string) {
	f.mu.Lock()
	rm, ok := f.rooms[requestID]
	if ok {
		delete(f.rooms, requestID)
		for _, key := range []string{
			domain.OwnerKey(domain.OwnerClient, rm.clientID),
			domain.OwnerKey(domain.OwnerTechnician, rm.technicianID),
		} {
			delete(f.byOwner[key], requestID)
			if len(f.byOwner[key]) == 0 {
				delete(f.byOwner, key)
			}
		}
	}
	f.mu.Unlock()
	if ok {
		rm.closed = true
		rm.flush.Stop()
	}
}

// onLocation runs on the owner's lane and hands the update to the lane of
// every active request the owner takes part in.
func (f *Fanout) onLocation(_ context.Context, e events.Event) {
	p, ok := e.Payload.(events.LocationPayload)
	if !ok {
		return
	}
	snap := p.Snapshot
	f.mu.Lock()
	ids := make([]string, 0, len(f.byOwner[snap.OwnerKey()]))
	for id := range f.byOwner[snap.OwnerKey()] {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		id := id
		f.Lanes.Submit(id, func(ctx context.Context) { f.relay(ctx, id, snap) })
	}
}

func (f *Fanout) room(id string) *room {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms[id]
}

func (f *Fanout) relay(ctx context.Context, requestID string, snap domain.LocationSnapshot) {
	rm := f.room(requestID)
	if rm == nil {
		return
	}
	cur := &rm.client
	if snap.OwnerKind == domain.OwnerTechnician {
		cur = &rm.tech
	}
	if *cur != nil && !snap.CapturedAt.After((*cur).CapturedAt) {
		return
	}
	s := snap
	*cur = &s
	rm.queued[snap.OwnerKey()] = snap

	now := f.Clock.Now()
	wait := rm.lastEmit.Add(f.Config.Throttle).Sub(now)
	if rm.lastEmit.IsZero() || wait <= 0 {
		f.emit(ctx, rm)
		return
	}
	if rm.armed {
		return
	}
	rm.armed = true
	rm.flush = f.Clock.AfterFunc(wait, func() {
		f.Lanes.Submit(requestID, func(ctx context.Context) {
			rm.armed = false
			if !rm.closed && len(rm.queued) > 0 {
				f.emit(ctx, rm)
			}
		})
	})
}

// emit pushes queued raw updates followed by a tracking_info frame.
func (f *Fanout) emit(ctx context.Context, rm *room) {
	now := f.Clock.Now()
	rm.lastEmit = now
	name := live.RequestRoom(rm.requestID)
	for _, key := range []string{
		domain.OwnerKey(domain.OwnerClient, rm.clientID),
		domain.OwnerKey(domain.OwnerTechnician, rm.technicianID),
	} {
		if s, ok := rm.queued[key]; ok {
			f.Hub.Publish(name, live.Frame{Type: live.FrameLocationUpdate, Data: s, At: now})
			delete(rm.queued, key)
		}
	}
	if rm.client == nil || rm.tech == nil {
		return
	}

	d := geo.Haversine(rm.client.Point(), rm.tech.Point())
	eta := Eta(d, f.Config.AverageSpeedKmH, f.Config.MinEtaMinutes)
	info := Info{
		RequestID:  rm.requestID,
		DistanceKm: d,
		EtaMinutes: eta,
		ETA:        now.Add(time.Duration(eta * float64(time.Minute))),
		IsMoving:   rm.tech.IsMoving,
	}
	f.Hub.Publish(name, live.Frame{Type: live.FrameTrackingInfo, Data: info, At: now})
	f.Bus.Publish(ctx, events.TrackingInfo, rm.requestID, events.TrackingPayload{
		RequestID:    rm.requestID,
		ClientID:     rm.clientID,
		TechnicianID: rm.technicianID,
		DistanceKm:   d,
		EtaMinutes:   eta,
		ETA:          info.ETA,
		IsMoving:     info.IsMoving,
	})

	if !rm.arrived && f.Config.ArrivalRadiusKm > 0 && d <= f.Config.ArrivalRadiusKm {
		rm.arrived = true
		f.logger.Info("technician arriving", "request_id", rm.requestID, "technician_id", rm.technicianID, "distance_km", d)
		f.Bus.Publish(ctx, events.TechnicianArriving, rm.requestID, events.ArrivalPayload{
			RequestID:    rm.requestID,
			ClientID:     rm.clientID,
			TechnicianID: rm.technicianID,
			DistanceKm:   d,
		})
	}
}

// Watching reports whether requestID has an open tracking room.
func (f *Fanout) Watching(requestID string) bool {
	return f.room(requestID) != nil
}

// Stop cancels pending flushes.
func (f *Fanout) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rm := range f.rooms {
		rm.flush.Stop()
	}
}
