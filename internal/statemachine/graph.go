package statemachine

import "github.com/depannage/dispatch/internal/domain"

// Reasons stamped by the engine.
const (
	ReasonNoMatch          = "no_match"
	ReasonTechnicianNoShow = "technician_no_show"
	ReasonClientValidated  = "client_validated"
	ReasonAutoValidated    = "auto_validated"
	ReasonAdminValidated   = "admin_validated"
	ReasonAdminAssigned    = "admin_assigned"
	ReasonOfferAccepted    = "offer_accepted"
)

var graph = map[domain.Status][]domain.Status{
	domain.StatusPending:                 {domain.StatusAssigned, domain.StatusCancelled, domain.StatusExpired},
	domain.StatusAssigned:                {domain.StatusInProgress, domain.StatusCancelled, domain.StatusNoShow},
	domain.StatusInProgress:              {domain.StatusPendingClientValidation, domain.StatusCancelled},
	domain.StatusPendingClientValidation: {domain.StatusCompleted},
}

// Allowed reports whether from → to is an edge of the lifecycle graph.
func Allowed(from, to domain.Status) bool {
	for _, s := range graph[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsValidPath reports whether statuses, starting at pending, only follow
// graph edges.
func IsValidPath(statuses []domain.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	if statuses[0] != domain.StatusPending {
		return false
	}
	for i := 1; i < len(statuses); i++ {
		if !Allowed(statuses[i-1], statuses[i]) {
			return false
		}
	}
	return true
}

// authorize applies the per-edge initiator rules.
func authorize(r domain.Request, to domain.Status, p domain.Principal) bool {
	isClient := p.Role == domain.RoleClient && p.UserID == r.ClientID
	isAssigned := p.Role == domain.RoleTechnician && p.UserID != "" && p.UserID == r.TechnicianID
	admin := p.Role == domain.RoleAdmin
	system := p.Role == domain.RoleSystem

	switch to {
	case domain.StatusAssigned:
		return p.Role == domain.RoleTechnician || admin || system
	case domain.StatusInProgress, domain.StatusPendingClientValidation:
		return isAssigned || admin
	case domain.StatusCancelled:
		if isClient || admin {
			return true
		}
		return r.Status == domain.StatusInProgress && isAssigned
	case domain.StatusExpired:
		return system
	case domain.StatusNoShow:
		return system || admin
	case domain.StatusCompleted:
		return isClient || admin || system
	}
	return false
}
