package statemachine

import (
	"context"
	"fmt"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
)

// Review records the client's star rating of a completed request and folds
// it into the technician's average. Review text is not stored.
func (m *Machine) Review(ctx context.Context, p domain.Principal, requestID string, rating int) (domain.Technician, error) {
	if rating < 1 || rating > 5 {
		return domain.Technician{}, fmt.Errorf("%w: rating must be within [1, 5]", domain.ErrInvalidInput)
	}
	var tech domain.Technician
	err := m.Lanes.Do(ctx, requestID, func(ctx context.Context) error {
		r, err := m.Store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if p.Role != domain.RoleClient || p.UserID != r.ClientID {
			return fmt.Errorf("%w: only the request's client may review it", domain.ErrForbidden)
		}
		if r.Status != domain.StatusCompleted {
			return fmt.Errorf("%w: request %s is %s, not completed", domain.ErrInvalidTransition, r.ID, r.Status)
		}
		tech, err = m.Store.RecordReview(ctx, requestID, rating)
		if err != nil {
			return err
		}
		r.ReviewRating = &rating
		m.Bus.Publish(ctx, events.ReviewSubmitted, r.ID, events.ReviewPayload{
			Request:    r,
			Rating:     rating,
			Technician: tech,
		})
		return nil
	})
	if err != nil {
		return domain.Technician{}, err
	}
	m.logger.Info("request reviewed", "request_id", requestID, "technician_id", tech.ID, "rating", rating)
	return tech, nil
}
