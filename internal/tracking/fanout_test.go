package tracking

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeHub struct {
	mu     sync.Mutex
	frames map[string][]live.Frame
}

func (h *fakeHub) Publish(room string, f live.Frame) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frames == nil {
		h.frames = map[string][]live.Frame{}
	}
	h.frames[room] = append(h.frames[room], f)
	return 1
}

func (h *fakeHub) ofType(room, typ string) []live.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []live.Frame
	for _, f := range h.frames[room] {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fixture struct {
	f     *Fanout
	st    *memory.Store
	hub   *fakeHub
	clk   *clock.FakeClock
	lanes *lane.Pool
	bus   *events.Bus
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(t0)
	lanes := lane.New("requests", 4, nil)
	t.Cleanup(lanes.Close)
	bus := events.NewBus(clk, nil)
	rec := &events.Recorder{}
	bus.SubscribeAll(rec.Handle)
	st := memory.New()
	hub := &fakeHub{}
	f := New(st, lanes, bus, hub, clk, Config{
		AverageSpeedKmH: 12,
		MinEtaMinutes:   5,
		Throttle:        5 * time.Second,
		ArrivalRadiusKm: 0.2,
	}, nil)
	t.Cleanup(f.Stop)
	return &fixture{f: f, st: st, hub: hub, clk: clk, lanes: lanes, bus: bus, rec: rec}
}

var assigned = domain.Request{ID: "r1", ClientID: "c1", TechnicianID: "t1", Status: domain.StatusAssigned}

func (x *fixture) transition(t *testing.T, r domain.Request) {
	t.Helper()
	err := x.lanes.Do(context.Background(), r.ID, func(ctx context.Context) error {
		x.bus.Publish(ctx, events.RequestStatusChanged, r.ID, events.StatusChangedPayload{
			Request: r,
			Change:  domain.StatusChange{RequestID: r.ID, To: r.Status},
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (x *fixture) location(t *testing.T, kind domain.OwnerKind, id string, lat float64, at time.Time) {
	t.Helper()
	x.bus.Publish(context.Background(), events.LocationUpdated, "", events.LocationPayload{
		Snapshot: domain.LocationSnapshot{OwnerKind: kind, OwnerID: id, Lat: lat, Lon: -8.0, IsMoving: true, CapturedAt: at},
	})
	x.sync(t)
}

func (x *fixture) sync(t *testing.T) {
	t.Helper()
	if err := x.lanes.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEta(t *testing.T) {
	tests := []struct {
		distance, speed, min, want float64
	}{
		{1, 12, 5, 5},
		{6, 12, 5, 30},
		{3, 0, 5, 5},
		{0, 12, 0, 0},
	}
	for _, tt := range tests {
		if got := Eta(tt.distance, tt.speed, tt.min); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Eta(%v, %v, %v) = %v, want %v", tt.distance, tt.speed, tt.min, got, tt.want)
		}
	}
}

func TestRoomOpensWithKnownPositions(t *testing.T) {
	x := newFixture(t)
	ctx := context.Background()
	_, _ = x.st.SaveLatestLocation(ctx, domain.LocationSnapshot{OwnerKind: domain.OwnerClient, OwnerID: "c1", Lat: 12.65, Lon: -8.0, CapturedAt: t0})
	_, _ = x.st.SaveLatestLocation(ctx, domain.LocationSnapshot{OwnerKind: domain.OwnerTechnician, OwnerID: "t1", Lat: 12.704, Lon: -8.0, CapturedAt: t0})

	x.transition(t, assigned)
	if !x.f.Watching("r1") {
		t.Fatal("room not opened")
	}
	infos := x.hub.ofType(live.RequestRoom("r1"), live.FrameTrackingInfo)
	if len(infos) != 1 {
		t.Fatalf("tracking_info frames = %d", len(infos))
	}
	info := infos[0].Data.(Info)
	if math.Abs(info.DistanceKm-6.0) > 0.1 || math.Abs(info.EtaMinutes-30) > 0.5 {
		t.Fatalf("info = %+v", info)
	}
	if !info.ETA.After(t0.Add(29 * time.Minute)) {
		t.Fatalf("eta = %v", info.ETA)
	}
	if n := len(x.hub.ofType(live.RequestRoom("r1"), live.FrameStatusUpdate)); n != 1 {
		t.Fatalf("status_update frames = %d", n)
	}
}

func TestUpdatesAreThrottledWithTrailingFlush(t *testing.T) {
	x := newFixture(t)
	x.transition(t, assigned)
	room := live.RequestRoom("r1")

	x.location(t, domain.OwnerTechnician, "t1", 12.70, t0)
	if n := len(x.hub.ofType(room, live.FrameLocationUpdate)); n != 1 {
		t.Fatalf("first update frames = %d", n)
	}
	if n := len(x.hub.ofType(room, live.FrameTrackingInfo)); n != 0 {
		t.Fatal("tracking_info without a client position")
	}

	x.clk.Advance(time.Second)
	x.location(t, domain.OwnerClient, "c1", 12.65, t0.Add(time.Second))
	x.clk.Advance(time.Second)
	x.location(t, domain.OwnerTechnician, "t1", 12.69, t0.Add(2*time.Second))
	if n := len(x.hub.ofType(room, live.FrameLocationUpdate)); n != 1 {
		t.Fatalf("throttled updates leaked: %d frames", n)
	}

	x.clk.Advance(3 * time.Second)
	x.sync(t)
	if n := len(x.hub.ofType(room, live.FrameLocationUpdate)); n != 3 {
		t.Fatalf("after flush location frames = %d, want 3", n)
	}
	infos := x.hub.ofType(room, live.FrameTrackingInfo)
	if len(infos) != 1 {
		t.Fatalf("after flush tracking_info = %d", len(infos))
	}
	if n := len(x.rec.OfKind(events.TrackingInfo)); n != 1 {
		t.Fatalf("TrackingInfo events = %d", n)
	}
}

func TestOutOfOrderUpdatesAreDropped(t *testing.T) {
	x := newFixture(t)
	x.transition(t, assigned)
	room := live.RequestRoom("r1")
	x.location(t, domain.OwnerTechnician, "t1", 12.70, t0.Add(time.Minute))
	x.clk.Advance(10 * time.Second)
	x.location(t, domain.OwnerTechnician, "t1", 12.71, t0)
	if n := len(x.hub.ofType(room, live.FrameLocationUpdate)); n != 1 {
		t.Fatalf("location frames = %d", n)
	}
}

func TestArrivalIsAnnouncedOnce(t *testing.T) {
	x := newFixture(t)
	x.transition(t, assigned)
	x.location(t, domain.OwnerClient, "c1", 12.6500, t0)
	for i := 1; i <= 3; i++ {
		x.clk.Advance(10 * time.Second)
		x.location(t, domain.OwnerTechnician, "t1", 12.6505, t0.Add(time.Duration(i)*time.Second))
	}
	arrivals := x.rec.OfKind(events.TechnicianArriving)
	if len(arrivals) != 1 {
		t.Fatalf("arrival events = %d", len(arrivals))
	}
	if p := arrivals[0].Payload.(events.ArrivalPayload); p.ClientID != "c1" || p.DistanceKm > 0.2 {
		t.Fatalf("arrival = %+v", p)
	}
}

func TestTerminalStatusClosesRoom(t *testing.T) {
	x := newFixture(t)
	x.transition(t, assigned)
	done := assigned
	done.Status = domain.StatusCancelled
	x.transition(t, done)
	if x.f.Watching("r1") {
		t.Fatal("room still open")
	}
	x.location(t, domain.OwnerTechnician, "t1", 12.70, t0)
	room := live.RequestRoom("r1")
	if n := len(x.hub.ofType(room, live.FrameLocationUpdate)); n != 0 {
		t.Fatalf("closed room relayed %d updates", n)
	}
	if n := len(x.hub.ofType(room, live.FrameStatusUpdate)); n != 2 {
		t.Fatalf("status_update frames = %d", n)
	}
}
