package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/depannage/dispatch/internal/contracts"
	"github.com/depannage/dispatch/internal/events"
)

var ErrInvalidEventPayload = errors.New("invalid event payload")
var ErrUnsupportedEventType = errors.New("unsupported event type")

// RequestProjection is the latest known shape of a request, kept for
// collaborators that query by request rather than replay events.
type RequestProjection struct {
	RequestID    string
	ClientID     string
	TechnicianID string
	Specialty    string
	Urgency      string
	Status       string
	Reason       string
	UpdatedAt    time.Time
}

type Repository interface {
	// InsertEvent appends the event once per event id and, when projection
	// is set, moves the request projection forward to eventSeq.
	InsertEvent(ctx context.Context, event contracts.DomainEvent, eventSeq uint64, projection *RequestProjection) error
}

type Service struct {
	Repository Repository
}

func NewService(repository Repository) *Service {
	return &Service{Repository: repository}
}

func (s *Service) Handle(ctx context.Context, payload []byte, eventSeq uint64) error {
	var event contracts.DomainEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return ErrInvalidEventPayload
	}
	if strings.TrimSpace(event.EventID) == "" || len(event.Payload) == 0 {
		return ErrInvalidEventPayload
	}
	if !events.Kind(event.Kind).Known() {
		return ErrUnsupportedEventType
	}
	projection, err := project(event)
	if err != nil {
		return err
	}
	return s.Repository.InsertEvent(ctx, event, eventSeq, projection)
}

func project(event contracts.DomainEvent) (*RequestProjection, error) {
	var body struct {
		Request struct {
			ID           string `json:"id"`
			ClientID     string `json:"client_id"`
			TechnicianID string `json:"technician_id"`
			Specialty    string `json:"specialty"`
			Urgency      string `json:"urgency"`
			Status       string `json:"status"`
			StatusReason string `json:"status_reason"`
		} `json:"request"`
	}
	switch events.Kind(event.Kind) {
	case events.RequestCreated, events.RequestStatusChanged:
	default:
		return nil, nil
	}
	if err := json.Unmarshal(event.Payload, &body); err != nil || body.Request.ID == "" {
		return nil, ErrInvalidEventPayload
	}
	r := body.Request
	return &RequestProjection{
		RequestID:    r.ID,
		ClientID:     r.ClientID,
		TechnicianID: r.TechnicianID,
		Specialty:    r.Specialty,
		Urgency:      r.Urgency,
		Status:       r.Status,
		Reason:       r.StatusReason,
		UpdatedAt:    event.OccurredAt,
	}, nil
}
