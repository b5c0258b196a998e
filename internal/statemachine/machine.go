// Package statemachine owns the request lifecycle. Every change runs on the
// request's lane, is checked against the transition graph and the
// initiator rules, persisted with a compare-and-swap and then announced as
// RequestStatusChanged.
package statemachine

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
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/platform/retry"
	"github.com/depannage/dispatch/internal/store"
)

// Config holds the lifecycle windows. Retry bounds how often a failed
// status write is attempted before the transition is reported Unavailable.
type Config struct {
	ValidationWindow time.Duration
	NoShowWindow     time.Duration
	Retry            retry.Policy
}

// Transition asks for request RequestID to move to To on behalf of Actor.
type Transition struct {
	RequestID    string
	To           domain.Status
	Actor        domain.Principal
	TechnicianID string
	Reason       string
}

type timerKind string

const (
	timerNoShow     timerKind = "no_show"
	timerValidation timerKind = "validation"
)

type pendingTimer struct {
	timer *clock.Timer
	kind  timerKind
	gen   uint64
}

// Machine owns every request status change. Transitions for one request
// run on that request's lane and time-based closings are armed as clock
// timers that are rebuilt by Recover.
type Machine struct {
	Store   store.Requests
	Lanes   *lane.Pool
	Bus     *events.Bus
	Clock   clock.Clock
	Config  Config
	Metrics *metrics.Dispatch
	NewID   func() string

	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	gen    uint64
	timers map[string]pendingTimer
}

func New(st store.Requests, lanes *lane.Pool, bus *events.Bus, clk clock.Clock, cfg Config, m *metrics.Dispatch, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		Store:   st,
		Lanes:   lanes,
		Bus:     bus,
		Clock:   clk,
		Config:  cfg,
		Metrics: m,
		NewID:   nuid.Next,
		logger:  logger.With("component", "statemachine"),
		tracer:  otel.Tracer("dispatch/statemachine"),
		timers:  map[string]pendingTimer{},
	}
}

// Create inserts a pending request and emits RequestCreated.
func (m *Machine) Create(ctx context.Context, p domain.Principal, in domain.NewRequest) (domain.Request, error) {
	switch p.Role {
	case domain.RoleClient:
		if in.ClientID == "" {
			in.ClientID = p.UserID
		}
		if in.ClientID != p.UserID {
			return domain.Request{}, fmt.Errorf("%w: clients create requests for themselves", domain.ErrForbidden)
		}
	case domain.RoleAdmin:
	default:
		return domain.Request{}, fmt.Errorf("%w: role %s cannot create requests", domain.ErrForbidden, p.Role)
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return domain.Request{}, err
	}

	now := m.Clock.Now()
	r := domain.Request{
		ID:               m.NewID(),
		ClientID:         in.ClientID,
		Specialty:        in.Specialty,
		Priority:         in.Priority,
		Urgency:          in.Urgency,
		Pickup:           in.Pickup,
		MinRating:        in.MinRating,
		MinExperience:    in.MinExperience,
		EstimatedPrice:   in.EstimatedPrice,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		StatusTimestamps: map[domain.Status]time.Time{domain.StatusPending: now},
	}
	err := m.Lanes.Do(ctx, r.ID, func(ctx context.Context) error {
		if err := m.Store.CreateRequest(ctx, r); err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		m.Bus.Publish(ctx, events.RequestCreated, r.ID, events.RequestCreatedPayload{Request: r.Clone()})
		return nil
	})
	if err != nil {
		return domain.Request{}, err
	}
	m.logger.Info("request created", "request_id", r.ID, "specialty", r.Specialty, "urgency", r.Urgency)
	return r, nil
}

// Get returns the request if p may see it.
func (m *Machine) Get(ctx context.Context, p domain.Principal, id string) (domain.Request, error) {
	r, err := m.Store.GetRequest(ctx, id)
	if err != nil {
		return domain.Request{}, err
	}
	if !r.CanView(p) {
		return domain.Request{}, fmt.Errorf("%w: not a participant of request %s", domain.ErrForbidden, id)
	}
	return r, nil
}

// History returns the persisted status changes of a request p may see.
func (m *Machine) History(ctx context.Context, p domain.Principal, id string) ([]domain.StatusChange, error) {
	if _, err := m.Get(ctx, p, id); err != nil {
		return nil, err
	}
	return m.Store.StatusHistory(ctx, id)
}

// Apply runs t on the request's lane. Applying a transition whose target
// equals the current status is a successful no-op and emits nothing.
func (m *Machine) Apply(ctx context.Context, t Transition) (domain.Request, error) {
	var out domain.Request
	err := m.Lanes.Do(ctx, t.RequestID, func(ctx context.Context) error {
		r, err := m.apply(ctx, t)
		out = r
		return err
	})
	if err != nil {
		m.Metrics.Rejection(string(t.To), errorClass(err))
	}
	return out, err
}

func (m *Machine) apply(ctx context.Context, t Transition) (domain.Request, error) {
	ctx, span := m.tracer.Start(ctx, "statemachine.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", t.RequestID),
		attribute.String("transition.to", string(t.To)),
		attribute.String("actor.role", string(t.Actor.Role)),
	)
	fail := func(err error) (domain.Request, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition rejected")
		return domain.Request{}, err
	}

	r, err := m.Store.GetRequest(ctx, t.RequestID)
	if err != nil {
		return fail(err)
	}

	if r.Status == t.To {
		if t.To == domain.StatusAssigned {
			want := t.TechnicianID
			if t.Actor.Role == domain.RoleTechnician {
				want = t.Actor.UserID
			}
			if want != "" && want != r.TechnicianID {
				return fail(fmt.Errorf("%w: request %s is assigned to another technician", domain.ErrConflict, r.ID))
			}
		}
		if !r.CanView(t.Actor) {
			return fail(fmt.Errorf("%w: not a participant of request %s", domain.ErrForbidden, r.ID))
		}
		return r, nil
	}
	if !Allowed(r.Status, t.To) {
		return fail(fmt.Errorf("%w: %s → %s", domain.ErrInvalidTransition, r.Status, t.To))
	}
	if !authorize(r, t.To, t.Actor) {
		return fail(fmt.Errorf("%w: %s may not move request %s to %s", domain.ErrForbidden, t.Actor.Role, r.ID, t.To))
	}

	now := m.Clock.Now()
	next := r.Clone()
	next.Status = t.To
	next.StatusReason = t.Reason
	next.StatusTimestamps[t.To] = now

	switch t.To {
	case domain.StatusAssigned:
		tech := t.TechnicianID
		if t.Actor.Role == domain.RoleTechnician {
			if tech != "" && tech != t.Actor.UserID {
				return fail(fmt.Errorf("%w: technicians accept for themselves", domain.ErrForbidden))
			}
			tech = t.Actor.UserID
		}
		if tech == "" {
			return fail(fmt.Errorf("%w: technician_id is required", domain.ErrInvalidInput))
		}
		next.TechnicianID = tech
	case domain.StatusCancelled:
		if r.Status == domain.StatusInProgress && t.Reason == "" {
			return fail(fmt.Errorf("%w: a reason is required to cancel work in progress", domain.ErrInvalidInput))
		}
	case domain.StatusPendingClientValidation:
		next.CompletedByTechnicianAt = &now
	case domain.StatusCompleted:
		if next.StatusReason == "" {
			switch t.Actor.Role {
			case domain.RoleClient:
				next.StatusReason = ReasonClientValidated
			case domain.RoleSystem:
				next.StatusReason = ReasonAutoValidated
			default:
				next.StatusReason = ReasonAdminValidated
			}
		}
	}

	change := domain.StatusChange{
		RequestID:    r.ID,
		From:         r.Status,
		To:           t.To,
		ActorID:      t.Actor.UserID,
		ActorRole:    t.Actor.Role,
		Reason:       next.StatusReason,
		TechnicianID: next.TechnicianID,
		At:           now,
	}
	if err := m.persist(ctx, next, change); err != nil {
		if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrUnavailable) {
			err = fmt.Errorf("%w: persist transition: %v", domain.ErrUnavailable, err)
		}
		return fail(err)
	}

	m.schedule(next)
	m.Metrics.Transition(string(t.To))
	m.logger.Info("request transitioned",
		"request_id", r.ID, "from", r.Status, "to", t.To,
		"actor", t.Actor.UserID, "role", t.Actor.Role, "reason", next.StatusReason)
	m.Bus.Publish(ctx, events.RequestStatusChanged, r.ID, events.StatusChangedPayload{Request: next.Clone(), Change: change})
	return next, nil
}

// persist writes the transition under the retry policy. A write that
// failed after landing shows up on the next attempt as the stored status
// already carrying this change's timestamp; that counts as success.
func (m *Machine) persist(ctx context.Context, next domain.Request, change domain.StatusChange) error {
	return retry.Do(ctx, m.Clock, m.Config.Retry, transient, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			cur, err := m.Store.GetRequest(ctx, next.ID)
			if err != nil {
				return err
			}
			if landed(cur, change) {
				m.logger.Info("status write landed before its error", "request_id", next.ID, "to", change.To, "attempt", attempt)
				return nil
			}
		}
		err := m.Store.UpdateRequestStatus(ctx, next, change)
		if err != nil && transient(err) {
			m.logger.Warn("persist transition", "request_id", next.ID, "to", change.To, "attempt", attempt, "err", err)
		}
		return err
	})
}

// transient reports whether a store error may go away on retry.
func transient(err error) bool {
	return !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound)
}

func landed(cur domain.Request, change domain.StatusChange) bool {
	if cur.Status != change.To {
		return false
	}
	at, ok := cur.StatusTimestamps[change.To]
	if !ok {
		return false
	}
	// Postgres keeps microseconds.
	d := at.Sub(change.At)
	return d > -time.Millisecond && d < time.Millisecond
}

// schedule arms or clears the request's lifecycle timer after a change.
func (m *Machine) schedule(r domain.Request) {
	switch r.Status {
	case domain.StatusAssigned:
		if m.Config.NoShowWindow > 0 {
			m.arm(r.ID, timerNoShow, m.Config.NoShowWindow)
		}
	case domain.StatusPendingClientValidation:
		m.arm(r.ID, timerValidation, m.Config.ValidationWindow)
	default:
		m.disarm(r.ID)
	}
}

func (m *Machine) arm(id string, kind timerKind, d time.Duration) {
	m.mu.Lock()
	if prev, ok := m.timers[id]; ok {
		prev.timer.Stop()
	}
	m.gen++
	gen := m.gen
	// Register before AfterFunc: a non-positive d fires synchronously.
	m.timers[id] = pendingTimer{kind: kind, gen: gen, timer: &clock.Timer{}}
	m.mu.Unlock()

	t := m.Clock.AfterFunc(d, func() {
		m.Lanes.Submit(id, func(ctx context.Context) { m.fire(ctx, id, kind, gen) })
	})

	m.mu.Lock()
	if cur, ok := m.timers[id]; ok && cur.gen == gen {
		cur.timer = t
		m.timers[id] = cur
	}
	m.mu.Unlock()
}

func (m *Machine) disarm(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.timers[id]; ok {
		prev.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Machine) fire(ctx context.Context, id string, kind timerKind, gen uint64) {
	m.mu.Lock()
	cur, ok := m.timers[id]
	if !ok || cur.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, id)
	m.mu.Unlock()

	t := Transition{RequestID: id, Actor: domain.SystemPrincipal}
	switch kind {
	case timerNoShow:
		t.To, t.Reason = domain.StatusNoShow, ReasonTechnicianNoShow
	case timerValidation:
		t.To, t.Reason = domain.StatusCompleted, ReasonAutoValidated
	}
	if _, err := m.apply(ctx, t); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		m.logger.Warn("lifecycle timer transition failed", "request_id", id, "timer", kind, "err", err)
	}
}

// PendingTimers reports how many lifecycle timers are armed.
func (m *Machine) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Recover re-arms lifecycle timers for requests that were assigned or
// awaiting validation when the process stopped. Overdue timers fire at once.
func (m *Machine) Recover(ctx context.Context) error {
	reqs, err := m.Store.ListRequestsByStatus(ctx, domain.StatusAssigned, domain.StatusPendingClientValidation)
	if err != nil {
		return fmt.Errorf("list requests to recover: %w", err)
	}
	now := m.Clock.Now()
	for _, r := range reqs {
		r := r
		var (
			kind  timerKind
			since time.Time
			d     time.Duration
		)
		switch r.Status {
		case domain.StatusAssigned:
			if m.Config.NoShowWindow <= 0 {
				continue
			}
			kind, since, d = timerNoShow, r.StatusTimestamps[domain.StatusAssigned], m.Config.NoShowWindow
		case domain.StatusPendingClientValidation:
			since = r.StatusTimestamps[domain.StatusPendingClientValidation]
			if r.CompletedByTechnicianAt != nil {
				since = *r.CompletedByTechnicianAt
			}
			kind, d = timerValidation, m.Config.ValidationWindow
		}
		remaining := since.Add(d).Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		m.Lanes.Submit(r.ID, func(context.Context) { m.arm(r.ID, kind, remaining) })
	}
	m.logger.Info("lifecycle timers recovered", "requests", len(reqs))
	return nil
}

// Stop cancels every armed timer.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	}
	return "internal"
}
