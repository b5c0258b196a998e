package domain

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleClient     Role = "client"
	RoleTechnician Role = "technician"
	RoleAdmin      Role = "admin"
	// RoleSystem is used for engine-initiated actions (timers, recovery).
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleTechnician, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Principal is the authenticated caller, passed explicitly into every
// engine entry point.
type Principal struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// SystemPrincipal is the actor for timer-driven transitions.
var SystemPrincipal = Principal{UserID: "system", Role: RoleSystem}

func (p Principal) IsStaff() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencySameDay Urgency = "same_day"
	UrgencyUrgent  Urgency = "urgent"
	UrgencySOS     Urgency = "sos"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencySameDay, UrgencyUrgent, UrgencySOS:
		return true
	}
	return false
}

type Status string

const (
	StatusDraft                   Status = "draft"
	StatusPending                 Status = "pending"
	StatusAssigned                Status = "assigned"
	StatusInProgress              Status = "in_progress"
	StatusPendingClientValidation Status = "pending_client_validation"
	StatusCompleted               Status = "completed"
	StatusCancelled               Status = "cancelled"
	StatusExpired                 Status = "expired"
	StatusNoShow                  Status = "no_show"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired, StatusNoShow:
		return true
	}
	return false
}

// Active reports whether the assigned technician is currently engaged.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// HasTechnician reports whether a request in status s must carry a
// technician id.
func (s Status) HasTechnician() bool {
	switch s {
	case StatusAssigned, StatusInProgress, StatusPendingClientValidation, StatusCompleted:
		return true
	}
	return false
}

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, p.Lon)
	}
	return nil
}

type Address struct {
	Point
	Address string `json:"address"`
}

type Request struct {
	ID                      string               `json:"id"`
	ClientID                string               `json:"client_id"`
	Specialty               string               `json:"specialty"`
	Priority                Priority             `json:"priority"`
	Urgency                 Urgency              `json:"urgency"`
	Pickup                  Address              `json:"pickup"`
	MinRating               *float64             `json:"min_rating,omitempty"`
	MinExperience           ExperienceLevel      `json:"min_experience,omitempty"`
	EstimatedPrice          *float64             `json:"estimated_price,omitempty"`
	Status                  Status               `json:"status"`
	StatusReason            string               `json:"status_reason,omitempty"`
	TechnicianID            string               `json:"technician_id,omitempty"`
	CreatedAt               time.Time            `json:"created_at"`
	StatusTimestamps        map[Status]time.Time `json:"status_timestamps"`
	CompletedByTechnicianAt *time.Time           `json:"completed_by_technician_at,omitempty"`
	ReviewRating            *int                 `json:"review_rating,omitempty"`
}

func (r Request) IsParticipant(userID string) bool {
	return userID != "" && (userID == r.ClientID || userID == r.TechnicianID)
}

// CanView reports whether the principal may read the request.
func (r Request) CanView(p Principal) bool {
	return p.IsStaff() || r.IsParticipant(p.UserID)
}

// Clone returns a copy that does not share the timestamp map or pointers.
func (r Request) Clone() Request {
	out := r
	out.StatusTimestamps = make(map[Status]time.Time, len(r.StatusTimestamps))
	for k, v := range r.StatusTimestamps {
		out.StatusTimestamps[k] = v
	}
	if r.MinRating != nil {
		v := *r.MinRating
		out.MinRating = &v
	}
	if r.EstimatedPrice != nil {
		v := *r.EstimatedPrice
		out.EstimatedPrice = &v
	}
	if r.CompletedByTechnicianAt != nil {
		v := *r.CompletedByTechnicianAt
		out.CompletedByTechnicianAt = &v
	}
	if r.ReviewRating != nil {
		v := *r.ReviewRating
		out.ReviewRating = &v
	}
	return out
}

// NewRequest carries the client-supplied fields of a request.
type NewRequest struct {
	ClientID       string          `json:"client_id"`
	Specialty      string          `json:"specialty"`
	Priority       Priority        `json:"priority"`
	Urgency        Urgency         `json:"urgency"`
	Pickup         Address         `json:"pickup"`
	MinRating      *float64        `json:"min_rating,omitempty"`
	MinExperience  ExperienceLevel `json:"min_experience,omitempty"`
	EstimatedPrice *float64        `json:"estimated_price,omitempty"`
}

func (n *NewRequest) Normalize() {
	n.ClientID = strings.TrimSpace(n.ClientID)
	n.Specialty = strings.ToLower(strings.TrimSpace(n.Specialty))
	n.Priority = Priority(strings.ToLower(strings.TrimSpace(string(n.Priority))))
	n.Urgency = Urgency(strings.ToLower(strings.TrimSpace(string(n.Urgency))))
	n.MinExperience = ExperienceLevel(strings.ToLower(strings.TrimSpace(string(n.MinExperience))))
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.Urgency == "" {
		n.Urgency = UrgencyNormal
	}
}

func (n NewRequest) Validate() error {
	if n.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidInput)
	}
	if n.Specialty == "" {
		return fmt.Errorf("%w: specialty is required", ErrInvalidInput)
	}
	if !n.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, n.Priority)
	}
	if !n.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidInput, n.Urgency)
	}
	if err := n.Pickup.Point.Validate(); err != nil {
		return err
	}
	if n.MinRating != nil && (*n.MinRating < 0 || *n.MinRating > 5) {
		return fmt.Errorf("%w: min_rating must be within [0, 5]", ErrInvalidInput)
	}
	if n.MinExperience != "" && !n.MinExperience.Valid() {
		return fmt.Errorf("%w: unknown experience level %q", ErrInvalidInput, n.MinExperience)
	}
	if n.EstimatedPrice != nil && *n.EstimatedPrice < 0 {
		return fmt.Errorf("%w: estimated_price must be non-negative", ErrInvalidInput)
	}
	return nil
}

// StatusChange is one persisted step of a request's lifecycle.
type StatusChange struct {
	RequestID    string    `json:"request_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	ActorID      string    `json:"actor_id"`
	ActorRole    Role      `json:"actor_role"`
	Reason       string    `json:"reason,omitempty"`
	TechnicianID string    `json:"technician_id,omitempty"`
	At           time.Time `json:"at"`
}
