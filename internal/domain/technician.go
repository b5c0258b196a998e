package domain

import "time"

type ExperienceLevel string

const (
	ExperienceJunior       ExperienceLevel = "junior"
	ExperienceIntermediate ExperienceLevel = "intermediate"
	ExperienceSenior       ExperienceLevel = "senior"
	ExperienceExpert       ExperienceLevel = "expert"
)

// Rank orders experience levels; unknown or empty levels rank 0.
func (e ExperienceLevel) Rank() int {
	switch e {
	case ExperienceJunior:
		return 1
	case ExperienceIntermediate:
		return 2
	case ExperienceSenior:
		return 3
	case ExperienceExpert:
		return 4
	}
	return 0
}

func (e ExperienceLevel) Valid() bool { return e.Rank() > 0 }

// Technician is the single technician profile. Its ID is also the
// technician's user id; ingest adapters reconcile legacy profile shapes
// before records reach the engine.
type Technician struct {
	ID                     string          `json:"id"`
	UserID                 string          `json:"user_id"`
	Specialty              string          `json:"specialty"`
	Experience             ExperienceLevel `json:"experience_level"`
	Rating                 float64         `json:"rating"`
	RatingCount            int             `json:"rating_count"`
	IsVerified             bool            `json:"is_verified"`
	IsAvailable            bool            `json:"is_available"`
	ServiceRadiusKm        float64         `json:"service_radius_km"`
	SubscriptionValidUntil *time.Time      `json:"subscription_valid_until,omitempty"`
}

// HasActiveSubscription reports whether the externally maintained
// subscription window covers now.
func (t Technician) HasActiveSubscription(now time.Time) bool {
	return t.SubscriptionValidUntil != nil && now.Before(*t.SubscriptionValidUntil)
}

// Indexable reports whether the technician may appear in the geo index.
func (t Technician) Indexable(now time.Time) bool {
	return t.IsAvailable && t.IsVerified && t.HasActiveSubscription(now)
}

// ApplyRating folds a new review into the moving average.
func (t *Technician) ApplyRating(stars int) {
	total := t.Rating*float64(t.RatingCount) + float64(stars)
	t.RatingCount++
	t.Rating = total / float64(t.RatingCount)
}
