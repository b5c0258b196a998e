// Package notify turns domain events into durable notification records and
// live pushes to the recipient's user room.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/metrics"
	"github.com/depannage/dispatch/internal/platform/retry"
	"github.com/depannage/dispatch/internal/store"
)

type Config struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Policy is the retry envelope of a delivery. Other persistence writes
// reuse it.
func (c Config) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: c.MaxAttempts, BaseBackoff: c.BaseBackoff, MaxBackoff: c.MaxBackoff}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration { return c.Policy().Delay(attempt) }

// Service runs deliveries on its own lanes keyed by recipient, so a slow
// store never stalls request lanes.
type Service struct {
	Store   store.Notifications
	Lanes   *lane.Pool
	Bus     *events.Bus
	Hub     live.Publisher
	Clock   clock.Clock
	Config  Config
	Metrics *metrics.Dispatch
	NewID   func() string

	logger *slog.Logger

	mu      sync.Mutex
	retries map[string]*clock.Timer
	stopped bool
}

func New(st store.Notifications, lanes *lane.Pool, bus *events.Bus, hub live.Publisher, clk clock.Clock, cfg Config, m *metrics.Dispatch, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	s := &Service{
		Store:   st,
		Lanes:   lanes,
		Bus:     bus,
		Hub:     hub,
		Clock:   clk,
		Config:  cfg,
		Metrics: m,
		NewID:   nuid.Next,
		logger:  logger.With("component", "notify"),
		retries: map[string]*clock.Timer{},
	}
	for _, k := range []events.Kind{
		events.RequestCreated,
		events.RequestStatusChanged,
		events.OfferCreated,
		events.OfferOutcome,
		events.MessageCreated,
		events.ReviewSubmitted,
		events.TechnicianArriving,
	} {
		bus.Subscribe(k, s.handle)
	}
	return s
}

type note struct {
	recipient string
	kind      domain.NotificationKind
	title     string
	body      string
	data      map[string]any
}

// recipients maps an event to the notifications it produces.
func recipients(e events.Event) []note {
	switch p := e.Payload.(type) {
	case events.RequestCreatedPayload:
		return []note{{
			recipient: p.Request.ClientID,
			kind:      domain.NotifyRequestCreated,
			title:     "Request received",
			body:      fmt.Sprintf("We are looking for a %s near you.", p.Request.Specialty),
		}}
	case events.OfferPayload:
		o := p.Offer
		data := map[string]any{"offer_id": o.ID, "expires_at": o.ExpiresAt, "distance_km": o.DistanceKm}
		switch {
		case e.Kind == events.OfferCreated:
			return []note{{recipient: o.TechnicianID, kind: domain.NotifyOfferCreated,
				title: "New job offer", body: fmt.Sprintf("A request %.1f km away is waiting for an answer.", o.DistanceKm), data: data}}
		case o.Outcome == domain.OfferCancelled:
			data["reason"] = o.Reason
			return []note{{recipient: o.TechnicianID, kind: domain.NotifyOfferCancelled,
				title: "Offer withdrawn", body: "This job is no longer available.", data: data}}
		}
	case events.StatusChangedPayload:
		return statusNotes(p.Request)
	case events.ReviewPayload:
		return []note{{recipient: p.Request.TechnicianID, kind: domain.NotifyReviewReceived,
			title: "New review", body: fmt.Sprintf("You received %d stars.", p.Rating),
			data: map[string]any{"rating": p.Rating, "average": p.Technician.Rating}}}
	case events.MessagePayload:
		to := p.Conversation.Other(p.Message.SenderID)
		if to == "" || p.Message.Kind == domain.MessageSystem {
			return nil
		}
		return []note{{recipient: to, kind: domain.NotifyMessageReceived,
			title: "New message", body: preview(p.Message),
			data: map[string]any{"conversation_id": p.Conversation.ID, "message_id": p.Message.ID}}}
	case events.ArrivalPayload:
		return []note{{recipient: p.ClientID, kind: domain.NotifyTrackingInfo,
			title: "Technician arriving", body: "Your technician is almost there.",
			data: map[string]any{"distance_km": p.DistanceKm, "technician_id": p.TechnicianID}}}
	}
	return nil
}

func statusNotes(r domain.Request) []note {
	data := map[string]any{"status": r.Status, "reason": r.StatusReason}
	one := func(to string, kind domain.NotificationKind, title, body string) note {
		return note{recipient: to, kind: kind, title: title, body: body, data: data}
	}
	switch r.Status {
	case domain.StatusAssigned:
		return []note{
			one(r.ClientID, domain.NotifyRequestAssigned, "Technician assigned", "A technician accepted your request."),
			one(r.TechnicianID, domain.NotifyRequestAssigned, "Job assigned", "The job is yours."),
		}
	case domain.StatusInProgress:
		return []note{one(r.ClientID, domain.NotifyRequestStarted, "Work started", "Your technician started the job.")}
	case domain.StatusPendingClientValidation:
		return []note{one(r.ClientID, domain.NotifyRequestCompleted, "Please confirm", "The technician marked the job as done.")}
	case domain.StatusCompleted:
		return []note{one(r.TechnicianID, domain.NotifyRequestCompleted, "Job completed", "The job was validated.")}
	case domain.StatusCancelled, domain.StatusExpired, domain.StatusNoShow:
		out := []note{one(r.ClientID, domain.NotifyRequestCancelled, "Request closed", closedBody(r))}
		if r.TechnicianID != "" {
			out = append(out, one(r.TechnicianID, domain.NotifyRequestCancelled, "Job cancelled", closedBody(r)))
		}
		return out
	}
	return nil
}

func closedBody(r domain.Request) string {
	switch r.Status {
	case domain.StatusExpired:
		return "No technician could take the request in time."
	case domain.StatusNoShow:
		return "The technician did not start the job."
	}
	if r.StatusReason != "" {
		return "Cancelled: " + r.StatusReason
	}
	return "The request was cancelled."
}

func preview(m domain.Message) string {
	if m.Kind != domain.MessageText {
		return "Sent a " + string(m.Kind) + " message."
	}
	const limit = 80
	if r := []rune(m.Body); len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return m.Body
}

func (s *Service) handle(_ context.Context, e events.Event) {
	for _, n := range recipients(e) {
		if n.recipient == "" {
			continue
		}
		payload, err := json.Marshal(n.data)
		if err != nil {
			s.logger.Error("encode notification payload", "event_id", e.ID, "err", err)
			continue
		}
		rec := domain.NotificationRecord{
			ID:          s.NewID(),
			EventID:     e.ID,
			RecipientID: n.recipient,
			Kind:        n.kind,
			RequestID:   e.RequestID,
			Title:       n.title,
			Body:        n.body,
			Payload:     payload,
			CreatedAt:   e.EmittedAt,
		}
		s.Lanes.Submit(rec.RecipientID, func(ctx context.Context) { s.attempt(ctx, rec, 1) })
	}
}

func (s *Service) attempt(ctx context.Context, rec domain.NotificationRecord, n int) {
	created, err := s.Store.SaveNotification(ctx, rec)
	if err != nil {
		if n >= s.Config.MaxAttempts {
			s.deadLetter(ctx, rec, n, err)
			return
		}
		s.Metrics.Notification(string(rec.Kind), "retry")
		s.retry(rec, n+1, s.Config.Backoff(n))
		return
	}
	if !created {
		s.Metrics.Notification(string(rec.Kind), "duplicate")
		return
	}
	s.Metrics.Notification(string(rec.Kind), "delivered")
	s.Hub.Publish(live.UserRoom(rec.RecipientID), live.Frame{Type: live.FrameNotification, Data: rec, At: s.Clock.Now()})
	s.Bus.Publish(ctx, events.NotificationDelivered, rec.RequestID, events.NotificationPayload{Notification: rec})
}

func (s *Service) retry(rec domain.NotificationRecord, next int, after time.Duration) {
	if after <= 0 {
		s.Lanes.Submit(rec.RecipientID, func(ctx context.Context) { s.attempt(ctx, rec, next) })
		return
	}
	key := rec.EventID + "/" + rec.RecipientID
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.retries[key] = s.Clock.AfterFunc(after, func() {
		s.mu.Lock()
		delete(s.retries, key)
		s.mu.Unlock()
		s.Lanes.Submit(rec.RecipientID, func(ctx context.Context) { s.attempt(ctx, rec, next) })
	})
}

func (s *Service) deadLetter(ctx context.Context, rec domain.NotificationRecord, attempts int, err error) {
	s.Metrics.Notification(string(rec.Kind), "dead_letter")
	s.Metrics.DeadLetter(string(rec.Kind))
	s.logger.Error("notification dead-lettered",
		"event_id", rec.EventID, "recipient_id", rec.RecipientID, "kind", rec.Kind, "attempts", attempts, "err", err)
	s.Bus.Publish(ctx, events.NotificationDeadLettered, rec.RequestID, events.DeadLetterPayload{
		SourceEventID: rec.EventID,
		RecipientID:   rec.RecipientID,
		Kind:          rec.Kind,
		Attempts:      attempts,
		Error:         err.Error(),
	})
}

// List returns p's notifications, newest first.
func (s *Service) List(ctx context.Context, p domain.Principal, unreadOnly bool, limit int) ([]domain.NotificationRecord, error) {
	if p.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Store.ListNotifications(ctx, p.UserID, unreadOnly, limit)
}

func (s *Service) MarkRead(ctx context.Context, p domain.Principal, id string) error {
	if p.UserID == "" {
		return domain.ErrUnauthorized
	}
	return s.Store.MarkNotificationRead(ctx, p.UserID, id, s.Clock.Now())
}

// PendingRetries reports how many deliveries wait for a backoff timer.
func (s *Service) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retries)
}

// Stop cancels scheduled retries.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, t := range s.retries {
		t.Stop()
		delete(s.retries, key)
	}
}
