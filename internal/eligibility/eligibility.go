// Package eligibility decides whether a technician may be offered a request.
package eligibility

import (
	"time"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/geo"
)

// Reason names the first predicate a candidate failed.
type Reason string

const (
	OK                  Reason = ""
	WrongSpecialty      Reason = "specialty_mismatch"
	NotVerified         Reason = "not_verified"
	NoSubscription      Reason = "subscription_inactive"
	InsufficientLevel   Reason = "experience_below_minimum"
	RatingBelowMinimum  Reason = "rating_below_minimum"
	OutsideServiceRange Reason = "outside_service_radius"
	Busy                Reason = "technician_busy"
)

// Candidate is a technician as seen by Check: profile, last known
// position and whether they are already on a job.
type Candidate struct {
	Technician domain.Technician
	Position   domain.Point
	// Busy is true when the technician holds a request in assigned or
	// in_progress.
	Busy bool
}

// Check evaluates every predicate and returns the first failure.
func Check(c Candidate, req domain.Request, now time.Time) (bool, Reason) {
	t := c.Technician
	switch {
	case t.Specialty != req.Specialty:
		return false, WrongSpecialty
	case !t.IsVerified:
		return false, NotVerified
	case !t.HasActiveSubscription(now):
		return false, NoSubscription
	case req.MinExperience != "" && t.Experience.Rank() < req.MinExperience.Rank():
		return false, InsufficientLevel
	case req.MinRating != nil && t.Rating < *req.MinRating:
		return false, RatingBelowMinimum
	case geo.Haversine(c.Position, req.Pickup.Point) > t.ServiceRadiusKm:
		return false, OutsideServiceRange
	case c.Busy:
		return false, Busy
	}
	return true, OK
}

func IsEligible(c Candidate, req domain.Request, now time.Time) bool {
	ok, _ := Check(c, req, now)
	return ok
}
