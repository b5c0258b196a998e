package eligibility

import (
	"testing"
	"time"

	"github.com/depannage/dispatch/internal/domain"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func baseCandidate() Candidate {
	until := now.Add(time.Hour)
	return Candidate{
		Technician: domain.Technician{
			ID:                     "t1",
			Specialty:              "electrician",
			Experience:             domain.ExperienceIntermediate,
			Rating:                 4.0,
			IsVerified:             true,
			IsAvailable:            true,
			ServiceRadiusKm:        10,
			SubscriptionValidUntil: &until,
		},
		Position: domain.Point{Lat: 12.6520, Lon: -8.0010},
	}
}

func baseRequest() domain.Request {
	return domain.Request{
		ID:        "r1",
		Specialty: "electrician",
		Pickup:    domain.Address{Point: domain.Point{Lat: 12.6508, Lon: -8.0000}},
		Status:    domain.StatusPending,
	}
}

func ptr(v float64) *float64 { return &v }

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Candidate, *domain.Request)
		want   Reason
	}{
		{"eligible", func(*Candidate, *domain.Request) {}, OK},
		{"specialty", func(c *Candidate, _ *domain.Request) { c.Technician.Specialty = "plumber" }, WrongSpecialty},
		{"unverified", func(c *Candidate, _ *domain.Request) { c.Technician.IsVerified = false }, NotVerified},
		{"no subscription", func(c *Candidate, _ *domain.Request) { c.Technician.SubscriptionValidUntil = nil }, NoSubscription},
		{"expired subscription", func(c *Candidate, _ *domain.Request) {
			past := now.Add(-time.Minute)
			c.Technician.SubscriptionValidUntil = &past
		}, NoSubscription},
		{"experience", func(_ *Candidate, r *domain.Request) { r.MinExperience = domain.ExperienceSenior }, InsufficientLevel},
		{"experience equal", func(_ *Candidate, r *domain.Request) { r.MinExperience = domain.ExperienceIntermediate }, OK},
		{"rating", func(_ *Candidate, r *domain.Request) { r.MinRating = ptr(4.5) }, RatingBelowMinimum},
		{"rating equal", func(_ *Candidate, r *domain.Request) { r.MinRating = ptr(4.0) }, OK},
		{"outside radius", func(c *Candidate, _ *domain.Request) { c.Technician.ServiceRadiusKm = 0.05 }, OutsideServiceRange},
		{"busy", func(c *Candidate, _ *domain.Request) { c.Busy = true }, Busy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, r := baseCandidate(), baseRequest()
			tt.mutate(&c, &r)
			ok, reason := Check(c, r, now)
			if reason != tt.want || ok != (tt.want == OK) {
				t.Fatalf("Check = (%v, %q), want %q", ok, reason, tt.want)
			}
		})
	}
}

func TestEligibilityIsMonotoneInRatingAndExperience(t *testing.T) {
	levels := []domain.ExperienceLevel{
		domain.ExperienceJunior, domain.ExperienceIntermediate, domain.ExperienceSenior, domain.ExperienceExpert,
	}
	req := baseRequest()
	req.MinRating = ptr(3.5)
	req.MinExperience = domain.ExperienceIntermediate

	for li, level := range levels {
		for rating := 0.0; rating <= 5.0; rating += 0.25 {
			c := baseCandidate()
			c.Technician.Experience = level
			c.Technician.Rating = rating
			if !IsEligible(c, req, now) {
				continue
			}
			for _, higher := range levels[li:] {
				for r2 := rating; r2 <= 5.0; r2 += 0.25 {
					c2 := c
					c2.Technician.Experience = higher
					c2.Technician.Rating = r2
					if !IsEligible(c2, req, now) {
						t.Fatalf("raising (%s, %.2f) to (%s, %.2f) made the technician ineligible", level, rating, higher, r2)
					}
				}
			}
		}
	}
}
