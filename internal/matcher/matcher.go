// Package matcher ranks eligible technicians for a pending request.
package matcher

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/eligibility"
	"github.com/depannage/dispatch/internal/geo"
	"github.com/depannage/dispatch/internal/platform/clock"
)

// DefaultResponsiveness is used for technicians without offer history.
const DefaultResponsiveness = 0.5

// Weights blend the normalized score terms. They must be non-negative and
// not all zero; the defaults sum to 1.
type Weights struct {
	Distance       float64 `yaml:"distance"`
	Rating         float64 `yaml:"rating"`
	Responsiveness float64 `yaml:"responsiveness"`
}

// Config bounds a search. MaxCandidates caps the ranked list and the
// radius steps run from SearchRadiusKm up to MaxSearchRadiusKm.
// Responsiveness is computed over ResponsivenessWindow of offer history.
type Config struct {
	MaxCandidates        int
	SearchRadiusKm       float64
	MaxSearchRadiusKm    float64
	Weights              Weights
	ResponsivenessWindow time.Duration
}

type StatsSource interface {
	OfferStats(ctx context.Context, technicianID string, since time.Time) (domain.OfferStats, error)
}

type BusySource interface {
	BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error)
}

// Candidate is an eligible technician with its score, highest first in
// Match results.
type Candidate struct {
	Technician     domain.Technician
	Position       domain.Point
	DistanceKm     float64
	Responsiveness float64
	Score          float64
}

type Matcher struct {
	Index  *geo.Index
	Stats  StatsSource
	Busy   BusySource
	Config Config
	Clock  clock.Clock
	tracer trace.Tracer
}

func New(index *geo.Index, stats StatsSource, busy BusySource, cfg Config, clk clock.Clock) *Matcher {
	return &Matcher{
		Index:  index,
		Stats:  stats,
		Busy:   busy,
		Config: cfg,
		Clock:  clk,
		tracer: otel.Tracer("dispatch/matcher"),
	}
}

// BaseRadius is min(SearchRadiusKm, largest indexed service radius).
func (m *Matcher) BaseRadius() float64 {
	return math.Min(m.Config.SearchRadiusKm, m.Index.MaxServiceRadius())
}

// Radii returns the widening search steps R, 1.5R, 2R, each capped at the
// maximum search radius.
func (m *Matcher) Radii() []float64 {
	r := m.BaseRadius()
	limit := m.Config.MaxSearchRadiusKm
	if limit <= 0 {
		limit = 30
	}
	out := make([]float64, 0, 3)
	for _, f := range []float64{1, 1.5, 2} {
		step := math.Min(r*f, limit)
		if len(out) > 0 && step <= out[len(out)-1] {
			continue
		}
		out = append(out, step)
	}
	if len(out) == 0 {
		out = append(out, 0)
	}
	return out
}

// Match returns eligible candidates within radiusKm ranked by score, best
// first, at most MaxCandidates. Technicians in exclude are skipped.
func (m *Matcher) Match(ctx context.Context, req domain.Request, radiusKm float64, exclude map[string]bool) ([]Candidate, error) {
	ctx, span := m.tracer.Start(ctx, "matcher.Match")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.specialty", req.Specialty),
		attribute.Float64("search.radius_km", radiusKm),
	)

	now := m.Clock.Now()
	hits := m.Index.Query(req.Pickup.Point, radiusKm, func(e geo.Entry) bool {
		return e.Technician.Specialty == req.Specialty && !exclude[e.Technician.ID]
	}, 0)
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Technician.ID
	}
	busy, err := m.Busy.BusyTechnicians(ctx, ids)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "busy lookup failed")
		return nil, err
	}

	since := now.Add(-m.window())
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		c := eligibility.Candidate{Technician: h.Technician, Position: h.Position, Busy: busy[h.Technician.ID]}
		if !eligibility.IsEligible(c, req, now) {
			continue
		}
		resp, err := m.responsiveness(ctx, h.Technician.ID, since)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "offer stats lookup failed")
			return nil, err
		}
		out = append(out, Candidate{
			Technician:     h.Technician,
			Position:       h.Position,
			DistanceKm:     h.DistanceKm,
			Responsiveness: resp,
			Score:          Score(m.Config.Weights, h.DistanceKm, radiusKm, h.Technician.Rating, resp),
		})
	}
	Rank(out)
	if limit := m.Config.MaxCandidates; limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}

func (m *Matcher) window() time.Duration {
	if m.Config.ResponsivenessWindow > 0 {
		return m.Config.ResponsivenessWindow
	}
	return 30 * 24 * time.Hour
}

func (m *Matcher) responsiveness(ctx context.Context, id string, since time.Time) (float64, error) {
	if m.Stats == nil {
		return DefaultResponsiveness, nil
	}
	st, err := m.Stats.OfferStats(ctx, id, since)
	if err != nil {
		return 0, err
	}
	if st.Offered <= 0 {
		return DefaultResponsiveness, nil
	}
	return math.Min(1, float64(st.Accepted)/float64(st.Offered)), nil
}

// Score combines proximity, rating and responsiveness. The proximity term
// uses the search radius of the current step.
func Score(w Weights, distanceKm, radiusKm, rating, responsiveness float64) float64 {
	proximity := 1.0
	if radiusKm > 0 {
		proximity = math.Max(0, 1-distanceKm/radiusKm)
	}
	return w.Distance*proximity + w.Rating*(rating/5) + w.Responsiveness*responsiveness
}

// Rank orders by descending score, then ascending distance, then id.
func Rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if cs[i].DistanceKm != cs[j].DistanceKm {
			return cs[i].DistanceKm < cs[j].DistanceKm
		}
		return cs[i].Technician.ID < cs[j].Technician.ID
	})
}

// StrategyFor picks broadcast for urgent and sos requests.
func StrategyFor(u domain.Urgency) domain.DispatchStrategy {
	if u == domain.UrgencyUrgent || u == domain.UrgencySOS {
		return domain.StrategyBroadcast
	}
	return domain.StrategySequential
}
