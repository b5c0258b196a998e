// Package assignment turns a pending request into an assigned one by
// offering it to ranked candidates. All dispatch state of a request is
// touched only from that request's lane.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/matcher"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/sharding"
	"github.com/depannage/dispatch/internal/statemachine"
	"github.com/depannage/dispatch/internal/store"
)

// Config sets the offer window and the no-match deadline counted from
// request creation.
type Config struct {
	OfferTimeout   time.Duration
	NoMatchTimeout time.Duration
	// RetryInterval is how often a request that exhausted the widest radius
	// is matched again while its no-match deadline has not passed.
	RetryInterval time.Duration
}

// Matcher is the subset of *matcher.Matcher the coordinator uses.
type Matcher interface {
	Radii() []float64
	Match(ctx context.Context, req domain.Request, radiusKm float64, exclude map[string]bool) ([]matcher.Candidate, error)
}

// Lifecycle applies request transitions. *statemachine.Machine satisfies it.
type Lifecycle interface {
	Apply(ctx context.Context, t statemachine.Transition) (domain.Request, error)
}

type Store interface {
	store.Requests
	store.Technicians
	store.Offers
}

// Coordinator runs one dispatch per pending request: it offers, waits,
// widens and retries until a technician accepts or the deadline passes.
type Coordinator struct {
	Store     Store
	Matcher   Matcher
	Lifecycle Lifecycle
	Lanes     *lane.Pool
	Bus       *events.Bus
	Clock     clock.Clock
	Config    Config
	Metrics   *metrics.Dispatch
	NewID     func() string

	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	active map[string]*dispatch

	// techLocks makes the busy check and the assignment of one technician
	// atomic across request lanes.
	techLocks [techLockStripes]sync.Mutex
}

const techLockStripes = 64

// dispatch is the in-memory search state of one pending request.
type dispatch struct {
	requestID string
	strategy  domain.DispatchStrategy
	radii     []float64
	step      int
	queue     []matcher.Candidate
	offered   map[string]bool
	live      map[string]*clock.Timer
	accepting string
	deadline  *clock.Timer
	retry     *clock.Timer
}

func New(st Store, m Matcher, lc Lifecycle, lanes *lane.Pool, bus *events.Bus, clk clock.Clock, cfg Config, mt *metrics.Dispatch, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		Store:     st,
		Matcher:   m,
		Lifecycle: lc,
		Lanes:     lanes,
		Bus:       bus,
		Clock:     clk,
		Config:    cfg,
		Metrics:   mt,
		NewID:     nuid.Next,
		logger:    logger.With("component", "assignment"),
		tracer:    otel.Tracer("dispatch/assignment"),
		active:    map[string]*dispatch{},
	}
	bus.Subscribe(events.RequestCreated, c.onRequestCreated)
	bus.Subscribe(events.RequestStatusChanged, c.onStatusChanged)
	return c
}

func (c *Coordinator) onRequestCreated(_ context.Context, e events.Event) {
	p, ok := e.Payload.(events.RequestCreatedPayload)
	if !ok {
		return
	}
	req := p.Request
	c.Lanes.Submit(req.ID, func(ctx context.Context) { c.start(ctx, req) })
}

// onStatusChanged runs inline on the request's lane, inside the transition.
func (c *Coordinator) onStatusChanged(ctx context.Context, e events.Event) {
	p, ok := e.Payload.(events.StatusChangedPayload)
	if !ok || p.Change.From != domain.StatusPending {
		return
	}
	reason := domain.ReasonRequestClosed
	switch p.Change.To {
	case domain.StatusAssigned:
		reason = domain.ReasonCancelledByOtherAcceptance
	case domain.StatusCancelled:
		reason = domain.ReasonRequestCancelled
	case domain.StatusExpired:
		reason = domain.ReasonRequestExpired
	}

	c.mu.Lock()
	d := c.active[p.Request.ID]
	delete(c.active, p.Request.ID)
	c.mu.Unlock()

	skip := ""
	if d != nil {
		d.stop()
		skip = d.accepting
	}
	c.cancelPending(ctx, p.Request.ID, skip, reason)
}

func (d *dispatch) stop() {
	d.deadline.Stop()
	d.retry.Stop()
	for _, t := range d.live {
		t.Stop()
	}
}

func (c *Coordinator) cancelPending(ctx context.Context, requestID, skip, reason string) {
	offers, err := c.Store.ListOffers(ctx, requestID)
	if err != nil {
		c.logger.Warn("list offers to cancel", "request_id", requestID, "err", err)
		return
	}
	for _, o := range offers {
		if o.Outcome != domain.OfferPending || o.ID == skip {
			continue
		}
		c.resolve(ctx, o.ID, domain.OfferCancelled, reason)
	}
}

// resolve records an offer outcome and announces it. It returns false when
// the offer was already resolved.
func (c *Coordinator) resolve(ctx context.Context, offerID string, outcome domain.OfferOutcome, reason string) (domain.Offer, bool) {
	o, err := c.Store.ResolveOffer(ctx, offerID, outcome, reason, c.Clock.Now())
	if err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			c.logger.Warn("resolve offer", "offer_id", offerID, "outcome", outcome, "err", err)
		}
		return domain.Offer{}, false
	}
	c.Metrics.Offer(string(outcome))
	if o.ResolvedAt != nil {
		c.Metrics.OfferResolved(string(outcome), o.ResolvedAt.Sub(o.CreatedAt))
	}
	c.logger.Info("offer resolved", "offer_id", o.ID, "request_id", o.RequestID,
		"technician_id", o.TechnicianID, "outcome", outcome, "reason", reason)
	c.Bus.Publish(ctx, events.OfferOutcome, o.RequestID, events.OfferPayload{Offer: o})
	return o, true
}

func (c *Coordinator) lookup(id string) *dispatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[id]
}

// start begins dispatching a pending request. It is a no-op when the
// request is already being dispatched.
func (c *Coordinator) start(ctx context.Context, req domain.Request) {
	c.mu.Lock()
	if _, ok := c.active[req.ID]; ok {
		c.mu.Unlock()
		return
	}
	d := &dispatch{
		requestID: req.ID,
		strategy:  matcher.StrategyFor(req.Urgency),
		radii:     c.Matcher.Radii(),
		offered:   map[string]bool{},
		live:      map[string]*clock.Timer{},
		deadline:  &clock.Timer{},
		retry:     &clock.Timer{},
	}
	c.active[req.ID] = d
	c.mu.Unlock()

	// Overdue deadlines fire synchronously and only enqueue the expiry.
	remaining := req.CreatedAt.Add(c.Config.NoMatchTimeout).Sub(c.Clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	d.deadline = c.Clock.AfterFunc(remaining, func() {
		c.Lanes.Submit(req.ID, func(ctx context.Context) { c.noMatch(ctx, d) })
	})
	c.logger.Info("dispatch started", "request_id", req.ID, "strategy", d.strategy, "radii", d.radii)
	c.search(ctx, d)
}

func (c *Coordinator) current(d *dispatch) bool {
	return c.lookup(d.requestID) == d
}

func (c *Coordinator) noMatch(ctx context.Context, d *dispatch) {
	if !c.current(d) {
		return
	}
	_, err := c.Lifecycle.Apply(ctx, statemachine.Transition{
		RequestID: d.requestID,
		To:        domain.StatusExpired,
		Actor:     domain.SystemPrincipal,
		Reason:    statemachine.ReasonNoMatch,
	})
	switch {
	case err == nil:
		c.Metrics.Assignment("no_match")
	case !errors.Is(err, domain.ErrInvalidTransition):
		c.logger.Warn("expire unmatched request", "request_id", d.requestID, "err", err)
	}
}

// search matches from the current radius step outwards and offers the
// result. An empty step widens immediately; the widest empty step arms a
// retry.
func (c *Coordinator) search(ctx context.Context, d *dispatch) {
	ctx, span := c.tracer.Start(ctx, "assignment.search")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", d.requestID))

	req, err := c.Store.GetRequest(ctx, d.requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load request")
		c.logger.Warn("load request for dispatch", "request_id", d.requestID, "err", err)
		c.armRetry(d)
		return
	}
	if req.Status != domain.StatusPending {
		c.mu.Lock()
		if c.active[d.requestID] == d {
			delete(c.active, d.requestID)
		}
		c.mu.Unlock()
		d.stop()
		return
	}

	for ; d.step < len(d.radii); d.step++ {
		radius := d.radii[d.step]
		cands, err := c.Matcher.Match(ctx, req, radius, d.offered)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "match")
			c.logger.Warn("match candidates", "request_id", req.ID, "radius_km", radius, "err", err)
			c.armRetry(d)
			return
		}
		if len(cands) == 0 {
			continue
		}
		span.SetAttributes(attribute.Float64("search.radius_km", radius), attribute.Int("candidates", len(cands)))
		if d.strategy == domain.StrategyBroadcast {
			c.broadcast(ctx, d, req, cands)
		} else {
			d.queue = cands
			c.offerNext(ctx, d, req)
		}
		if len(d.live) > 0 {
			return
		}
	}
	d.step = len(d.radii) - 1
	c.armRetry(d)
}

func (c *Coordinator) armRetry(d *dispatch) {
	if c.Config.RetryInterval <= 0 {
		return
	}
	d.retry.Stop()
	d.retry = c.Clock.AfterFunc(c.Config.RetryInterval, func() {
		c.Lanes.Submit(d.requestID, func(ctx context.Context) {
			if !c.current(d) || len(d.live) > 0 {
				return
			}
			d.radii = c.Matcher.Radii()
			d.step = len(d.radii) - 1
			c.search(ctx, d)
		})
	})
}

func (c *Coordinator) broadcast(ctx context.Context, d *dispatch, req domain.Request, cands []matcher.Candidate) {
	group := c.NewID()
	expires := c.Clock.Now().Add(c.Config.OfferTimeout)
	for _, cand := range cands {
		c.offer(ctx, d, req, cand, group, expires)
	}
}

// offerNext offers the request to the head of the sequential queue,
// skipping candidates that cannot take an offer.
func (c *Coordinator) offerNext(ctx context.Context, d *dispatch, req domain.Request) {
	for len(d.queue) > 0 {
		cand := d.queue[0]
		d.queue = d.queue[1:]
		if c.offer(ctx, d, req, cand, "", c.Clock.Now().Add(c.Config.OfferTimeout)) {
			return
		}
	}
}

func (c *Coordinator) offer(ctx context.Context, d *dispatch, req domain.Request, cand matcher.Candidate, group string, expires time.Time) bool {
	if d.offered[cand.Technician.ID] {
		return false
	}
	d.offered[cand.Technician.ID] = true
	o := domain.Offer{
		ID:           c.NewID(),
		RequestID:    req.ID,
		TechnicianID: cand.Technician.ID,
		GroupID:      group,
		Strategy:     d.strategy,
		DistanceKm:   cand.DistanceKm,
		Score:        cand.Score,
		CreatedAt:    c.Clock.Now(),
		ExpiresAt:    expires,
		Outcome:      domain.OfferPending,
	}
	if err := c.Store.CreateOffer(ctx, o); err != nil {
		c.logger.Warn("create offer", "request_id", req.ID, "technician_id", o.TechnicianID, "err", err)
		return false
	}
	id := o.ID
	d.live[id] = c.Clock.AfterFunc(expires.Sub(o.CreatedAt), func() {
		c.Lanes.Submit(req.ID, func(ctx context.Context) { c.expire(ctx, d, id) })
	})
	c.Metrics.Offer(string(domain.OfferPending))
	c.logger.Info("offer created", "offer_id", o.ID, "request_id", req.ID,
		"technician_id", o.TechnicianID, "strategy", o.Strategy, "score", o.Score)
	c.Bus.Publish(ctx, events.OfferCreated, req.ID, events.OfferPayload{Offer: o})
	return true
}

func (c *Coordinator) expire(ctx context.Context, d *dispatch, offerID string) {
	if !c.current(d) {
		return
	}
	if _, ok := d.live[offerID]; !ok {
		return
	}
	delete(d.live, offerID)
	c.resolve(ctx, offerID, domain.OfferTimeout, "")
	c.advance(ctx, d)
}

// advance continues the search once no offer of the request is pending.
func (c *Coordinator) advance(ctx context.Context, d *dispatch) {
	if len(d.live) > 0 {
		return
	}
	if d.strategy == domain.StrategySequential && len(d.queue) > 0 {
		req, err := c.Store.GetRequest(ctx, d.requestID)
		if err == nil && req.Status == domain.StatusPending {
			c.offerNext(ctx, d, req)
			if len(d.live) > 0 {
				return
			}
		}
	}
	if d.step < len(d.radii)-1 {
		d.step++
	}
	c.search(ctx, d)
}

// technicianOffer loads the offer and checks that p is its technician.
func (c *Coordinator) technicianOffer(ctx context.Context, p domain.Principal, offerID string) (domain.Offer, error) {
	if p.Role != domain.RoleTechnician {
		return domain.Offer{}, fmt.Errorf("%w: only technicians answer offers", domain.ErrForbidden)
	}
	o, err := c.Store.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	if o.TechnicianID != p.UserID {
		return domain.Offer{}, fmt.Errorf("%w: offer %s belongs to another technician", domain.ErrForbidden, offerID)
	}
	return o, nil
}

// Accept assigns the offer's request to the calling technician. A lost
// race, an expired offer or a closed request yields
// domain.ErrOfferNoLongerValid.
func (c *Coordinator) Accept(ctx context.Context, p domain.Principal, offerID string) (domain.Request, error) {
	o, err := c.technicianOffer(ctx, p, offerID)
	if err != nil {
		return domain.Request{}, err
	}
	var out domain.Request
	err = c.Lanes.Do(ctx, o.RequestID, func(ctx context.Context) error {
		ctx, span := c.tracer.Start(ctx, "assignment.Accept")
		defer span.End()
		span.SetAttributes(attribute.String("offer.id", offerID), attribute.String("request.id", o.RequestID))

		r, err := c.accept(ctx, p, offerID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "accept rejected")
		}
		out = r
		return err
	})
	return out, err
}

func (c *Coordinator) accept(ctx context.Context, p domain.Principal, offerID string) (domain.Request, error) {
	o, err := c.Store.GetOffer(ctx, offerID)
	if err != nil {
		return domain.Request{}, err
	}
	if o.Outcome != domain.OfferPending {
		return domain.Request{}, domain.ErrOfferNoLongerValid
	}
	d := c.lookup(o.RequestID)
	if !c.Clock.Now().Before(o.ExpiresAt) {
		c.dropLive(d, o.ID)
		c.resolve(ctx, o.ID, domain.OfferTimeout, "")
		if d != nil {
			c.advance(ctx, d)
		}
		return domain.Request{}, domain.ErrOfferNoLongerValid
	}

	unlock := c.lockTechnician(p.UserID)
	defer unlock()
	busy, err := c.Store.BusyTechnicians(ctx, []string{p.UserID})
	if err != nil {
		return domain.Request{}, fmt.Errorf("%w: busy lookup: %v", domain.ErrUnavailable, err)
	}
	if busy[p.UserID] {
		c.dropLive(d, o.ID)
		c.resolve(ctx, o.ID, domain.OfferCancelled, domain.ReasonTechnicianBusy)
		if d != nil {
			c.advance(ctx, d)
		}
		return domain.Request{}, fmt.Errorf("%w: technician already holds an active request", domain.ErrOfferNoLongerValid)
	}

	if d != nil {
		d.accepting = o.ID
	}
	req, err := c.Lifecycle.Apply(ctx, statemachine.Transition{
		RequestID:    o.RequestID,
		To:           domain.StatusAssigned,
		Actor:        p,
		TechnicianID: p.UserID,
		Reason:       statemachine.ReasonOfferAccepted,
	})
	if d != nil {
		d.accepting = ""
	}
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrConflict) {
			c.dropLive(d, o.ID)
			c.resolve(ctx, o.ID, domain.OfferCancelled, domain.ReasonRequestClosed)
			return domain.Request{}, domain.ErrOfferNoLongerValid
		}
		return domain.Request{}, err
	}
	c.dropLive(d, o.ID)
	if _, ok := c.resolve(ctx, o.ID, domain.OfferAccepted, ""); !ok {
		c.logger.Error("accepted offer could not be recorded", "offer_id", o.ID, "request_id", o.RequestID)
	}
	c.Metrics.Assignment("assigned")
	return req, nil
}

// lockTechnician takes the stripe of id. No lane is waited on while it is
// held: the transition it guards runs inline on the caller's lane.
func (c *Coordinator) lockTechnician(id string) func() {
	mu := &c.techLocks[sharding.Slot(id, techLockStripes)]
	mu.Lock()
	return mu.Unlock
}

func (c *Coordinator) dropLive(d *dispatch, offerID string) {
	if d == nil {
		return
	}
	if t, ok := d.live[offerID]; ok {
		t.Stop()
		delete(d.live, offerID)
	}
}

// Decline records the technician's refusal and moves the search on.
func (c *Coordinator) Decline(ctx context.Context, p domain.Principal, offerID string) (domain.Offer, error) {
	o, err := c.technicianOffer(ctx, p, offerID)
	if err != nil {
		return domain.Offer{}, err
	}
	var out domain.Offer
	err = c.Lanes.Do(ctx, o.RequestID, func(ctx context.Context) error {
		d := c.lookup(o.RequestID)
		resolved, ok := c.resolve(ctx, offerID, domain.OfferDeclined, "")
		if !ok {
			return domain.ErrOfferNoLongerValid
		}
		out = resolved
		if d != nil {
			c.dropLive(d, offerID)
			c.advance(ctx, d)
		}
		return nil
	})
	return out, err
}

// Assign lets an admin hand the request to a technician directly,
// bypassing offers.
func (c *Coordinator) Assign(ctx context.Context, p domain.Principal, requestID, technicianID string) (domain.Request, error) {
	if p.Role != domain.RoleAdmin {
		return domain.Request{}, fmt.Errorf("%w: only admins assign directly", domain.ErrForbidden)
	}
	if technicianID == "" {
		return domain.Request{}, fmt.Errorf("%w: technician_id is required", domain.ErrInvalidInput)
	}
	if _, err := c.Store.GetTechnician(ctx, technicianID); err != nil {
		return domain.Request{}, err
	}
	return c.Lifecycle.Apply(ctx, statemachine.Transition{
		RequestID:    requestID,
		To:           domain.StatusAssigned,
		Actor:        p,
		TechnicianID: technicianID,
		Reason:       statemachine.ReasonAdminAssigned,
	})
}

// Offers lists a request's offers for its client or an admin.
func (c *Coordinator) Offers(ctx context.Context, p domain.Principal, requestID string) ([]domain.Offer, error) {
	req, err := c.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !p.IsStaff() && p.UserID != req.ClientID {
		return nil, fmt.Errorf("%w: offers are visible to the client and admins", domain.ErrForbidden)
	}
	return c.Store.ListOffers(ctx, requestID)
}

// Active reports how many requests are being dispatched.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// Recover cancels offers left pending by a previous process and restarts
// dispatch for every pending request.
func (c *Coordinator) Recover(ctx context.Context) error {
	stale, err := c.Store.ListPendingOffers(ctx)
	if err != nil {
		return fmt.Errorf("list pending offers: %w", err)
	}
	for _, o := range stale {
		o := o
		c.Lanes.Submit(o.RequestID, func(ctx context.Context) {
			c.resolve(ctx, o.ID, domain.OfferCancelled, domain.ReasonStaleOnRecovery)
		})
	}
	reqs, err := c.Store.ListRequestsByStatus(ctx, domain.StatusPending)
	if err != nil {
		return fmt.Errorf("list pending requests: %w", err)
	}
	for _, r := range reqs {
		r := r
		c.Lanes.Submit(r.ID, func(ctx context.Context) { c.start(ctx, r) })
	}
	c.logger.Info("dispatch recovered", "requests", len(reqs), "stale_offers", len(stale))
	return nil
}

// Stop cancels every dispatch timer.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, d := range c.active {
		d.stop()
		delete(c.active, id)
	}
}
