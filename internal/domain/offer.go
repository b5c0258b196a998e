package domain

import "time"

type OfferOutcome string

const (
	OfferPending   OfferOutcome = "pending"
	OfferAccepted  OfferOutcome = "accepted"
	OfferDeclined  OfferOutcome = "declined"
	OfferTimeout   OfferOutcome = "timeout"
	OfferCancelled OfferOutcome = "cancelled"
)

// Reasons recorded on cancelled offers.
const (
	ReasonCancelledByOtherAcceptance = "cancelled_by_other_acceptance"
	ReasonRequestCancelled           = "request_cancelled"
	ReasonRequestExpired             = "request_expired"
	ReasonRequestClosed              = "request_closed"
	ReasonTechnicianBusy             = "technician_busy"
	ReasonStaleOnRecovery            = "stale_on_recovery"
)

type DispatchStrategy string

const (
	StrategySequential DispatchStrategy = "sequential"
	StrategyBroadcast  DispatchStrategy = "broadcast"
)

type Offer struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"request_id"`
	TechnicianID string           `json:"technician_id"`
	GroupID      string           `json:"group_id,omitempty"`
	Strategy     DispatchStrategy `json:"strategy"`
	DistanceKm   float64          `json:"distance_km"`
	Score        float64          `json:"score"`
	CreatedAt    time.Time        `json:"created_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
	Outcome      OfferOutcome     `json:"outcome"`
	Reason       string           `json:"reason,omitempty"`
	ResolvedAt   *time.Time       `json:"resolved_at,omitempty"`
}

// OfferStats is the technician's offer history used for responsiveness.
type OfferStats struct {
	Offered  int
	Accepted int
}
