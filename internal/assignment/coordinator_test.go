package assignment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/geo"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/matcher"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/statemachine"
	"github.com/depannage/dispatch/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	t0     = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	pickup = domain.Point{Lat: 12.6508, Lon: -8.0000}
	client = domain.Principal{UserID: "c1", Role: domain.RoleClient}
	admin  = domain.Principal{UserID: "a1", Role: domain.RoleAdmin}
)

func techPrincipal(id string) domain.Principal {
	return domain.Principal{UserID: id, Role: domain.RoleTechnician}
}

type fixture struct {
	c     *Coordinator
	m     *statemachine.Machine
	st    *memory.Store
	ix    *geo.Index
	clk   *clock.FakeClock
	lanes *lane.Pool
	rec   *events.Recorder
	reg   *metrics.Registry
}

var testConfig = Config{
	OfferTimeout:   60 * time.Second,
	NoMatchTimeout: 10 * time.Minute,
	RetryInterval:  30 * time.Second,
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(t0)
	lanes := lane.New("requests", 8, nil)
	t.Cleanup(lanes.Close)
	bus := events.NewBus(clk, nil)
	rec := &events.Recorder{}
	bus.SubscribeAll(rec.Handle)
	st := memory.New()
	ix := geo.NewIndex(geo.DefaultPrecision)
	mt := matcher.New(ix, st, st, matcher.Config{
		MaxCandidates:     10,
		SearchRadiusKm:    15,
		MaxSearchRadiusKm: 30,
		Weights:           matcher.Weights{Distance: 0.5, Rating: 0.3, Responsiveness: 0.2},
	}, clk)
	m := statemachine.New(st, lanes, bus, clk, statemachine.Config{ValidationWindow: 48 * time.Hour}, nil, nil)
	reg := metrics.NewRegistry()
	c := New(st, mt, m, lanes, bus, clk, testConfig, metrics.NewDispatch(reg), nil)
	n := 0
	c.NewID = func() string {
		n++
		return fmt.Sprintf("o%d", n)
	}
	t.Cleanup(c.Stop)
	t.Cleanup(m.Stop)
	return &fixture{c: c, m: m, st: st, ix: ix, clk: clk, lanes: lanes, rec: rec, reg: reg}
}

// addTech registers an available technician dLat degrees north of pickup.
func (f *fixture) addTech(t *testing.T, id string, dLat, rating, radius float64) {
	t.Helper()
	until := t0.Add(365 * 24 * time.Hour)
	tech := domain.Technician{
		ID:                     id,
		UserID:                 id,
		Specialty:              "electrician",
		Experience:             domain.ExperienceSenior,
		Rating:                 rating,
		IsVerified:             true,
		IsAvailable:            true,
		ServiceRadiusKm:        radius,
		SubscriptionValidUntil: &until,
	}
	if err := f.st.SaveTechnician(context.Background(), tech); err != nil {
		t.Fatal(err)
	}
	f.ix.Upsert(tech, domain.Point{Lat: pickup.Lat + dLat, Lon: pickup.Lon}, t0)
}

func (f *fixture) create(t *testing.T, u domain.Urgency) domain.Request {
	t.Helper()
	r, err := f.m.Create(context.Background(), client, domain.NewRequest{
		Specialty: "electrician",
		Urgency:   u,
		Pickup:    domain.Address{Point: pickup},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	f.sync(t)
	return r
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	if err := f.lanes.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
}

func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	f.clk.Advance(d)
	f.sync(t)
}

func (f *fixture) offers(t *testing.T, reqID string) []domain.Offer {
	t.Helper()
	out, err := f.st.ListOffers(context.Background(), reqID)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func (f *fixture) pending(t *testing.T, reqID string) []domain.Offer {
	t.Helper()
	var out []domain.Offer
	for _, o := range f.offers(t, reqID) {
		if o.Outcome == domain.OfferPending {
			out = append(out, o)
		}
	}
	return out
}

func (f *fixture) status(t *testing.T, reqID string) domain.Request {
	t.Helper()
	r, err := f.st.GetRequest(context.Background(), reqID)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func technicians(os []domain.Offer) []string {
	out := make([]string, len(os))
	for i, o := range os {
		out[i] = o.TechnicianID
	}
	return out
}

func TestSequentialDeclineAdvancesToNextCandidate(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T2", 0.01, 4.2, 10)
	r := f.create(t, domain.UrgencyNormal)

	p := f.pending(t, r.ID)
	if fmt.Sprint(technicians(p)) != "[T1]" {
		t.Fatalf("first offer went to %v", technicians(p))
	}
	if _, err := f.c.Decline(context.Background(), techPrincipal("T1"), p[0].ID); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	p = f.pending(t, r.ID)
	if fmt.Sprint(technicians(p)) != "[T2]" {
		t.Fatalf("after decline pending = %v", technicians(p))
	}
	got, err := f.c.Accept(context.Background(), techPrincipal("T2"), p[0].ID)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != domain.StatusAssigned || got.TechnicianID != "T2" || got.StatusReason != statemachine.ReasonOfferAccepted {
		t.Fatalf("accepted request %+v", got)
	}
	outcomes := map[string]domain.OfferOutcome{}
	for _, o := range f.offers(t, r.ID) {
		outcomes[o.TechnicianID] = o.Outcome
	}
	if outcomes["T1"] != domain.OfferDeclined || outcomes["T2"] != domain.OfferAccepted {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if f.c.Active() != 0 {
		t.Fatalf("dispatch state left behind: %d", f.c.Active())
	}
}

func TestSequentialTimeoutAdvances(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T2", 0.01, 4.2, 10)
	r := f.create(t, domain.UrgencyNormal)

	first := f.pending(t, r.ID)[0]
	if !first.ExpiresAt.Equal(t0.Add(60 * time.Second)) {
		t.Fatalf("expires_at = %v", first.ExpiresAt)
	}
	f.advance(t, 61*time.Second)

	o, _ := f.st.GetOffer(context.Background(), first.ID)
	if o.Outcome != domain.OfferTimeout {
		t.Fatalf("first offer outcome = %s", o.Outcome)
	}
	if p := f.pending(t, r.ID); len(p) != 1 || p[0].TechnicianID != "T2" {
		t.Fatalf("pending after timeout = %v", technicians(p))
	}
	if _, err := f.c.Accept(context.Background(), techPrincipal("T1"), first.ID); !errors.Is(err, domain.ErrOfferNoLongerValid) {
		t.Fatalf("late accept err = %v", err)
	}
}

func TestOfferLatencyAndOutcomesAreMeasured(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T2", 0.01, 4.2, 10)
	r := f.create(t, domain.UrgencyNormal)

	f.advance(t, 61*time.Second)
	second := f.pending(t, r.ID)[0]
	f.advance(t, 10*time.Second)
	if _, err := f.c.Accept(context.Background(), techPrincipal("T2"), second.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	unmatched := newFixture(t)
	unmatched.create(t, domain.UrgencyNormal)
	unmatched.advance(t, testConfig.NoMatchTimeout)

	for reg, lines := range map[*metrics.Registry][]string{
		f.reg: {
			`dispatch_offer_resolution_seconds_count{outcome="timeout"} 1`,
			`dispatch_offer_resolution_seconds_bucket{outcome="accepted",le="5"} 0`,
			`dispatch_offer_resolution_seconds_bucket{outcome="accepted",le="15"} 1`,
			`dispatch_offer_resolution_seconds_sum{outcome="accepted"} 10`,
			`dispatch_assignment_outcomes_total{outcome="assigned"} 1`,
		},
		unmatched.reg: {
			`dispatch_assignment_outcomes_total{outcome="no_match"} 1`,
		},
	} {
		out := reg.Expose()
		for _, line := range lines {
			if !strings.Contains(out, line+"\n") {
				t.Errorf("missing %q in\n%s", line, out)
			}
		}
	}
}

func TestBroadcastFirstAcceptanceWins(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T2", 0.01, 4.2, 10)
	r := f.create(t, domain.UrgencySOS)

	p := f.pending(t, r.ID)
	if len(p) != 2 || p[0].GroupID == "" || p[0].GroupID != p[1].GroupID || !p[0].ExpiresAt.Equal(p[1].ExpiresAt) {
		t.Fatalf("broadcast offers = %+v", p)
	}
	var t1, t2 domain.Offer
	for _, o := range p {
		if o.TechnicianID == "T1" {
			t1 = o
		} else {
			t2 = o
		}
	}
	if _, err := f.c.Accept(context.Background(), techPrincipal("T2"), t2.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	o, _ := f.st.GetOffer(context.Background(), t1.ID)
	if o.Outcome != domain.OfferCancelled || o.Reason != domain.ReasonCancelledByOtherAcceptance {
		t.Fatalf("sibling offer = %s (%s)", o.Outcome, o.Reason)
	}
	if _, err := f.c.Accept(context.Background(), techPrincipal("T1"), t1.ID); !errors.Is(err, domain.ErrOfferNoLongerValid) {
		t.Fatalf("sibling accept err = %v", err)
	}
	if got := f.status(t, r.ID); got.TechnicianID != "T2" {
		t.Fatalf("technician = %q", got.TechnicianID)
	}
}

func TestSimultaneousAcceptsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 6; i++ {
		f.addTech(t, fmt.Sprintf("T%d", i), 0.001*float64(i+1), 4.5, 10)
	}
	r := f.create(t, domain.UrgencyUrgent)
	p := f.pending(t, r.ID)
	if len(p) != 6 {
		t.Fatalf("offers = %d", len(p))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for _, o := range p {
		o := o
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.Accept(context.Background(), techPrincipal(o.TechnicianID), o.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, o.TechnicianID)
			case errors.Is(err, domain.ErrOfferNoLongerValid) && errors.Is(err, domain.ErrConflict):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(winners) != 1 || losers != 5 {
		t.Fatalf("winners=%v losers=%d", winners, losers)
	}
	if got := f.status(t, r.ID); got.TechnicianID != winners[0] {
		t.Fatalf("assigned to %q, winner %q", got.TechnicianID, winners[0])
	}
	accepted := 0
	for _, o := range f.offers(t, r.ID) {
		if o.Outcome == domain.OfferAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("accepted offers = %d", accepted)
	}
}

func TestClientCancelCancelsOutstandingOffers(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T2", 0.01, 4.2, 10)
	r := f.create(t, domain.UrgencyUrgent)

	if _, err := f.m.Apply(context.Background(), statemachine.Transition{RequestID: r.ID, To: domain.StatusCancelled, Actor: client}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, o := range f.offers(t, r.ID) {
		if o.Outcome != domain.OfferCancelled || o.Reason != domain.ReasonRequestCancelled {
			t.Fatalf("offer %s = %s (%s)", o.ID, o.Outcome, o.Reason)
		}
	}
	f.advance(t, 20*time.Minute)
	if got := f.status(t, r.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestNoMatchExpiresRequest(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, domain.UrgencyNormal)

	f.advance(t, 9*time.Minute)
	if got := f.status(t, r.ID); got.Status != domain.StatusPending {
		t.Fatalf("expired early: %s", got.Status)
	}
	f.advance(t, time.Minute)
	got := f.status(t, r.ID)
	if got.Status != domain.StatusExpired || got.StatusReason != statemachine.ReasonNoMatch {
		t.Fatalf("after deadline: %s (%s)", got.Status, got.StatusReason)
	}
	if f.c.Active() != 0 {
		t.Fatal("dispatch state left behind")
	}
}

func TestRetryPicksUpLateTechnician(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, domain.UrgencyNormal)
	if n := len(f.offers(t, r.ID)); n != 0 {
		t.Fatalf("offers with empty index = %d", n)
	}
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.advance(t, 30*time.Second)
	if p := f.pending(t, r.ID); len(p) != 1 || p[0].TechnicianID != "T1" {
		t.Fatalf("pending after retry = %v", technicians(p))
	}
}

func TestSearchWidensRadius(t *testing.T) {
	f := newFixture(t)
	// About 20 km away: outside 15 km, inside the 22.5 km step.
	f.addTech(t, "far", 0.18, 4.8, 25)
	r := f.create(t, domain.UrgencyNormal)
	p := f.pending(t, r.ID)
	if len(p) != 1 || p[0].TechnicianID != "far" {
		t.Fatalf("pending = %v", technicians(p))
	}
	if p[0].DistanceKm < 15 || p[0].DistanceKm > 22.5 {
		t.Fatalf("distance = %v", p[0].DistanceKm)
	}
}

func TestAdminAssignBypassesOffers(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	f.addTech(t, "T9", 0.5, 4.8, 100)
	r := f.create(t, domain.UrgencyNormal)

	if _, err := f.c.Assign(context.Background(), client, r.ID, "T9"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("client assign err = %v", err)
	}
	if _, err := f.c.Assign(context.Background(), admin, r.ID, "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown technician err = %v", err)
	}
	got, err := f.c.Assign(context.Background(), admin, r.ID, "T9")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if got.TechnicianID != "T9" || got.StatusReason != statemachine.ReasonAdminAssigned {
		t.Fatalf("assigned %+v", got)
	}
	if p := f.pending(t, r.ID); len(p) != 0 {
		t.Fatalf("offers still pending: %v", technicians(p))
	}
}

func TestAnswerOfferAuthorization(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	r := f.create(t, domain.UrgencyNormal)
	o := f.pending(t, r.ID)[0]

	if _, err := f.c.Accept(context.Background(), techPrincipal("T2"), o.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign accept err = %v", err)
	}
	if _, err := f.c.Decline(context.Background(), client, o.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("client decline err = %v", err)
	}
	if _, err := f.c.Offers(context.Background(), techPrincipal("T1"), r.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("technician list err = %v", err)
	}
	if got, err := f.c.Offers(context.Background(), client, r.ID); err != nil || len(got) != 1 {
		t.Fatalf("client list = %v, %v", got, err)
	}
}

func TestRecoverCancelsStaleOffersAndRedispatches(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	ctx := context.Background()
	r := domain.Request{
		ID:               "r-old",
		ClientID:         "c1",
		Specialty:        "electrician",
		Priority:         domain.PriorityMedium,
		Urgency:          domain.UrgencyNormal,
		Pickup:           domain.Address{Point: pickup},
		Status:           domain.StatusPending,
		CreatedAt:        t0,
		StatusTimestamps: map[domain.Status]time.Time{domain.StatusPending: t0},
	}
	if err := f.st.CreateRequest(ctx, r); err != nil {
		t.Fatal(err)
	}
	stale := domain.Offer{ID: "stale", RequestID: r.ID, TechnicianID: "T1", Strategy: domain.StrategySequential,
		CreatedAt: t0, ExpiresAt: t0.Add(time.Minute), Outcome: domain.OfferPending}
	if err := f.st.CreateOffer(ctx, stale); err != nil {
		t.Fatal(err)
	}

	if err := f.c.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	f.sync(t)

	o, _ := f.st.GetOffer(ctx, "stale")
	if o.Outcome != domain.OfferCancelled || o.Reason != domain.ReasonStaleOnRecovery {
		t.Fatalf("stale offer = %s (%s)", o.Outcome, o.Reason)
	}
	if p := f.pending(t, r.ID); len(p) != 1 || p[0].ID == "stale" {
		t.Fatalf("redispatched offers = %+v", p)
	}
}

func TestOfferEventsAreEmitted(t *testing.T) {
	f := newFixture(t)
	f.addTech(t, "T1", 0.001, 4.8, 10)
	r := f.create(t, domain.UrgencyNormal)
	o := f.pending(t, r.ID)[0]
	if _, err := f.c.Accept(context.Background(), techPrincipal("T1"), o.ID); err != nil {
		t.Fatal(err)
	}
	created := f.rec.OfKind(events.OfferCreated)
	outcome := f.rec.OfKind(events.OfferOutcome)
	if len(created) != 1 || len(outcome) != 1 {
		t.Fatalf("OfferCreated=%d OfferOutcome=%d", len(created), len(outcome))
	}
	if got := outcome[0].Payload.(events.OfferPayload).Offer.Outcome; got != domain.OfferAccepted {
		t.Fatalf("outcome = %s", got)
	}
}

func TestAcceptAtTimeoutInstantPersistsOneOutcome(t *testing.T) {
	for i := 0; i < 25; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			f := newFixture(t)
			f.addTech(t, "T1", 0.001, 4.8, 10)
			f.addTech(t, "T2", 0.01, 4.2, 10)
			r := f.create(t, domain.UrgencyNormal)
			first := f.pending(t, r.ID)[0]
			f.rec.Reset()

			var (
				wg        sync.WaitGroup
				acceptErr error
			)
			wg.Add(2)
			go func() {
				defer wg.Done()
				_, acceptErr = f.c.Accept(context.Background(), techPrincipal("T1"), first.ID)
			}()
			go func() {
				defer wg.Done()
				// lands exactly on ExpiresAt and fires the pending timer
				f.clk.Advance(first.ExpiresAt.Sub(f.clk.Now()))
			}()
			wg.Wait()
			f.sync(t)

			o, err := f.st.GetOffer(context.Background(), first.ID)
			if err != nil {
				t.Fatal(err)
			}
			outcomes := 0
			for _, e := range f.rec.OfKind(events.OfferOutcome) {
				if e.Payload.(events.OfferPayload).Offer.ID == first.ID {
					outcomes++
				}
			}
			if outcomes != 1 {
				t.Fatalf("offer %s resolved %d times, want once", first.ID, outcomes)
			}

			req := f.status(t, r.ID)
			switch o.Outcome {
			case domain.OfferAccepted:
				if acceptErr != nil || req.Status != domain.StatusAssigned || req.TechnicianID != "T1" {
					t.Fatalf("accepted offer but accept err = %v, request = %s/%s", acceptErr, req.Status, req.TechnicianID)
				}
				if p := f.pending(t, r.ID); len(p) != 0 {
					t.Fatalf("offers still pending after assignment: %v", technicians(p))
				}
			case domain.OfferTimeout:
				if !errors.Is(acceptErr, domain.ErrOfferNoLongerValid) || req.Status != domain.StatusPending {
					t.Fatalf("timed-out offer but accept err = %v, status = %s", acceptErr, req.Status)
				}
				if p := f.pending(t, r.ID); len(p) != 1 || p[0].TechnicianID != "T2" {
					t.Fatalf("pending after timeout = %v, want [T2]", technicians(p))
				}
			default:
				t.Fatalf("offer outcome = %s, want accepted or timeout", o.Outcome)
			}
		})
	}
}

func TestTechnicianAcceptsOnlyOneOfTwoBroadcasts(t *testing.T) {
	for i := 0; i < 25; i++ {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			f := newFixture(t)
			f.addTech(t, "T1", 0.001, 4.8, 10)
			var offers []domain.Offer
			for j := 0; j < 2; j++ {
				r := f.create(t, domain.UrgencySOS)
				p := f.pending(t, r.ID)
				if len(p) != 1 || p[0].TechnicianID != "T1" {
					t.Fatalf("request %d offers = %v", j, technicians(p))
				}
				offers = append(offers, p[0])
			}

			var (
				wg   sync.WaitGroup
				errs [2]error
			)
			for j, o := range offers {
				j, o := j, o
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, errs[j] = f.c.Accept(context.Background(), techPrincipal("T1"), o.ID)
				}()
			}
			wg.Wait()
			f.sync(t)

			won := 0
			for _, err := range errs {
				switch {
				case err == nil:
					won++
				case errors.Is(err, domain.ErrOfferNoLongerValid):
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if won != 1 {
				t.Fatalf("technician won %d requests at once (errs %v)", won, errs)
			}
			busy, err := f.st.BusyTechnicians(context.Background(), []string{"T1"})
			if err != nil || !busy["T1"] {
				t.Fatalf("busy = %v, %v", busy, err)
			}
			assigned := 0
			for _, o := range offers {
				if f.status(t, o.RequestID).Status == domain.StatusAssigned {
					assigned++
				}
			}
			if assigned != 1 {
				t.Fatalf("assigned requests = %d, want 1", assigned)
			}
		})
	}
}
