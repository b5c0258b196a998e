// Package events is the engine's typed in-process bus. Handlers run
// synchronously in the publisher's goroutine, in subscription order.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/platform/clock"
)

type Kind string

// Stable wire names.
const (
	RequestCreated        Kind = "RequestCreated"
	RequestStatusChanged  Kind = "RequestStatusChanged"
	OfferCreated          Kind = "OfferCreated"
	OfferOutcome          Kind = "OfferOutcome"
	LocationUpdated       Kind = "LocationUpdated"
	TrackingInfo          Kind = "TrackingInfo"
	MessageCreated        Kind = "MessageCreated"
	NotificationDelivered Kind = "NotificationDelivered"

	NotificationDeadLettered Kind = "NotificationDeadLettered"
	ReviewSubmitted          Kind = "ReviewSubmitted"
	TechnicianArriving       Kind = "TechnicianArriving"
)

var kinds = map[Kind]bool{
	RequestCreated: true, RequestStatusChanged: true, OfferCreated: true, OfferOutcome: true,
	LocationUpdated: true, TrackingInfo: true, MessageCreated: true, NotificationDelivered: true,
	NotificationDeadLettered: true, ReviewSubmitted: true, TechnicianArriving: true,
}

// Known reports whether k is one of the engine's wire names.
func (k Kind) Known() bool { return kinds[k] }

type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   any       `json:"payload"`
	EmittedAt time.Time `json:"emitted_at"`
}

type RequestCreatedPayload struct {
	Request domain.Request `json:"request"`
}

type StatusChangedPayload struct {
	Request domain.Request      `json:"request"`
	Change  domain.StatusChange `json:"change"`
}

// OfferPayload is carried by both OfferCreated and OfferOutcome.
type OfferPayload struct {
	Offer domain.Offer `json:"offer"`
}

type LocationPayload struct {
	Snapshot domain.LocationSnapshot `json:"snapshot"`
}

type TrackingPayload struct {
	RequestID    string    `json:"request_id"`
	ClientID     string    `json:"client_id"`
	TechnicianID string    `json:"technician_id"`
	DistanceKm   float64   `json:"distance_km"`
	EtaMinutes   float64   `json:"eta_minutes"`
	ETA          time.Time `json:"eta"`
	IsMoving     bool      `json:"is_moving"`
}

type ArrivalPayload struct {
	RequestID    string  `json:"request_id"`
	ClientID     string  `json:"client_id"`
	TechnicianID string  `json:"technician_id"`
	DistanceKm   float64 `json:"distance_km"`
}

type MessagePayload struct {
	Conversation domain.Conversation `json:"conversation"`
	Message      domain.Message      `json:"message"`
}

type NotificationPayload struct {
	Notification domain.NotificationRecord `json:"notification"`
}

type DeadLetterPayload struct {
	SourceEventID string                  `json:"source_event_id"`
	RecipientID   string                  `json:"recipient_id"`
	Kind          domain.NotificationKind `json:"kind"`
	Attempts      int                     `json:"attempts"`
	Error         string                  `json:"error"`
}

type ReviewPayload struct {
	Request    domain.Request    `json:"request"`
	Rating     int               `json:"rating"`
	Technician domain.Technician `json:"technician"`
}

type Handler func(ctx context.Context, e Event)

type Bus struct {
	Clock  clock.Clock
	NewID  func() string
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind][]Handler
	all      []Handler
}

func NewBus(clk clock.Clock, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Clock:    clk,
		NewID:    uuid.NewString,
		logger:   logger.With("component", "events"),
		handlers: map[Kind][]Handler{},
	}
}

func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	b.handlers[kind] = append(b.handlers[kind], h)
	b.mu.Unlock()
}

// SubscribeAll registers h for every kind. Catch-all handlers run after
// the kind-specific ones.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
}

// Publish stamps and delivers an event. A panicking handler is logged and
// does not stop delivery to the rest.
func (b *Bus) Publish(ctx context.Context, kind Kind, requestID string, payload any) Event {
	e := Event{
		ID:        b.NewID(),
		Kind:      kind,
		RequestID: requestID,
		Payload:   payload,
		EmittedAt: b.Clock.Now(),
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[kind])+len(b.all))
	hs = append(hs, b.handlers[kind]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()

	for _, h := range hs {
		b.deliver(ctx, h, e)
	}
	return e
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "event_id", e.ID, "panic", r)
		}
	}()
	h(ctx, e)
}

// Recorder collects published events.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Handle(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of kind k in publish order.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
