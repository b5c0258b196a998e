// Package memory is an in-process implementation of the persistence port,
// used by tests, the scenarios and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/depannage/dispatch/internal/domain"
)

type Store struct {
	// FailNotification, when set, is consulted before each notification
	// write; a non-nil result fails the write.
	FailNotification func(n domain.NotificationRecord) error

	mu            sync.Mutex
	requests      map[string]domain.Request
	history       map[string][]domain.StatusChange
	technicians   map[string]domain.Technician
	offers        map[string]domain.Offer
	offerOrder    []string
	latest        map[string]domain.LocationSnapshot
	trail         []domain.LocationSnapshot
	conversations map[string]domain.Conversation
	convByRequest map[string]string
	messages      map[string][]domain.Message
	nextMessageID int64
	notifications map[string]domain.NotificationRecord
	notifyOrder   []string
	notifyKeys    map[string]string
}

func New() *Store {
	return &Store{
		requests:      map[string]domain.Request{},
		history:       map[string][]domain.StatusChange{},
		technicians:   map[string]domain.Technician{},
		offers:        map[string]domain.Offer{},
		latest:        map[string]domain.LocationSnapshot{},
		conversations: map[string]domain.Conversation{},
		convByRequest: map[string]string{},
		messages:      map[string][]domain.Message{},
		notifications: map[string]domain.NotificationRecord{},
		notifyKeys:    map[string]string{},
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
}

// Requests

func (s *Store) CreateRequest(_ context.Context, r domain.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[r.ID]; exists {
		return fmt.Errorf("%w: request %s exists", domain.ErrConflict, r.ID)
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetRequest(_ context.Context, id string) (domain.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return domain.Request{}, notFound("request", id)
	}
	return r.Clone(), nil
}

func (s *Store) UpdateRequestStatus(_ context.Context, r domain.Request, change domain.StatusChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[r.ID]
	if !ok {
		return notFound("request", r.ID)
	}
	if cur.Status != change.From {
		return fmt.Errorf("%w: request %s is %s, expected %s", domain.ErrConflict, r.ID, cur.Status, change.From)
	}
	s.requests[r.ID] = r.Clone()
	s.history[r.ID] = append(s.history[r.ID], change)
	return nil
}

func (s *Store) ListRequestsByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Request, error) {
	want := map[domain.Status]bool{}
	for _, st := range statuses {
		want[st] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Request, 0)
	for _, r := range s.requests {
		if want[r.Status] {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) BusyTechnicians(_ context.Context, ids []string) (map[string]bool, error) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for _, r := range s.requests {
		if r.Status.Active() && want[r.TechnicianID] {
			out[r.TechnicianID] = true
		}
	}
	return out, nil
}

func (s *Store) StatusHistory(_ context.Context, requestID string) ([]domain.StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.StatusChange, len(s.history[requestID]))
	copy(out, s.history[requestID])
	return out, nil
}

func (s *Store) RecordReview(_ context.Context, requestID string, rating int) (domain.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return domain.Technician{}, notFound("request", requestID)
	}
	if r.ReviewRating != nil {
		return domain.Technician{}, fmt.Errorf("%w: request %s already reviewed", domain.ErrConflict, requestID)
	}
	t, ok := s.technicians[r.TechnicianID]
	if !ok {
		return domain.Technician{}, notFound("technician", r.TechnicianID)
	}
	t.ApplyRating(rating)
	s.technicians[t.ID] = t
	r.ReviewRating = &rating
	s.requests[requestID] = r
	return t, nil
}

// Technicians

func (s *Store) GetTechnician(_ context.Context, id string) (domain.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.technicians[id]
	if !ok {
		return domain.Technician{}, notFound("technician", id)
	}
	return t, nil
}

func (s *Store) SaveTechnician(_ context.Context, t domain.Technician) error {
	if t.UserID == "" {
		t.UserID = t.ID
	}
	s.mu.Lock()
	s.technicians[t.ID] = t
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAvailableTechnicians(_ context.Context) ([]domain.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Technician, 0)
	for _, t := range s.technicians {
		if t.IsAvailable {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetAvailability(_ context.Context, id string, available bool) (domain.Technician, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.technicians[id]
	if !ok {
		return domain.Technician{}, notFound("technician", id)
	}
	t.IsAvailable = available
	s.technicians[id] = t
	return t, nil
}

// Offers

func (s *Store) CreateOffer(_ context.Context, o domain.Offer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.offerOrder {
		other := s.offers[id]
		if other.RequestID == o.RequestID && other.TechnicianID == o.TechnicianID && other.Outcome == domain.OfferPending {
			return fmt.Errorf("%w: technician %s already has a pending offer for %s", domain.ErrConflict, o.TechnicianID, o.RequestID)
		}
	}
	s.offers[o.ID] = o
	s.offerOrder = append(s.offerOrder, o.ID)
	return nil
}

func (s *Store) GetOffer(_ context.Context, id string) (domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return domain.Offer{}, notFound("offer", id)
	}
	return o, nil
}

func (s *Store) ResolveOffer(_ context.Context, id string, outcome domain.OfferOutcome, reason string, at time.Time) (domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return domain.Offer{}, notFound("offer", id)
	}
	if o.Outcome != domain.OfferPending {
		return o, fmt.Errorf("%w: offer %s is %s", domain.ErrConflict, id, o.Outcome)
	}
	o.Outcome = outcome
	o.Reason = reason
	o.ResolvedAt = &at
	s.offers[id] = o
	return o, nil
}

func (s *Store) ListOffers(_ context.Context, requestID string) ([]domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Offer, 0)
	for _, id := range s.offerOrder {
		if o := s.offers[id]; o.RequestID == requestID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) ListPendingOffers(_ context.Context) ([]domain.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Offer, 0)
	for _, id := range s.offerOrder {
		if o := s.offers[id]; o.Outcome == domain.OfferPending {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Store) OfferStats(_ context.Context, technicianID string, since time.Time) (domain.OfferStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st domain.OfferStats
	for _, o := range s.offers {
		if o.TechnicianID != technicianID || o.CreatedAt.Before(since) {
			continue
		}
		// Offers cancelled by the engine say nothing about the technician.
		if o.Outcome == domain.OfferPending || o.Outcome == domain.OfferCancelled {
			continue
		}
		st.Offered++
		if o.Outcome == domain.OfferAccepted {
			st.Accepted++
		}
	}
	return st, nil
}

// Locations

func (s *Store) SaveLatestLocation(_ context.Context, snap domain.LocationSnapshot) (bool, error) {
	key := snap.OwnerKey()
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.latest[key]; ok && !snap.CapturedAt.After(prev.CapturedAt) {
		return false, nil
	}
	s.latest[key] = snap
	return true, nil
}

func (s *Store) LatestLocation(_ context.Context, kind domain.OwnerKind, ownerID string) (domain.LocationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.latest[domain.OwnerKey(kind, ownerID)]
	if !ok {
		return domain.LocationSnapshot{}, notFound("location", ownerID)
	}
	return snap, nil
}

func (s *Store) AppendLocationHistory(_ context.Context, snap domain.LocationSnapshot) error {
	s.mu.Lock()
	s.trail = append(s.trail, snap)
	s.mu.Unlock()
	return nil
}

func (s *Store) LocationHistory(_ context.Context, kind domain.OwnerKind, ownerID string, since time.Time) ([]domain.LocationSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LocationSnapshot, 0)
	for _, snap := range s.trail {
		if snap.OwnerKind == kind && snap.OwnerID == ownerID && !snap.CapturedAt.Before(since) {
			out = append(out, snap)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (s *Store) PruneLocationHistory(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.trail[:0]
	var removed int64
	for _, snap := range s.trail {
		if snap.CapturedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.trail = kept
	return removed, nil
}

// Conversations

func (s *Store) CreateConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.convByRequest[c.RequestID]; ok {
		return s.conversations[id], nil
	}
	s.conversations[c.ID] = c
	s.convByRequest[c.RequestID] = c.ID
	return c, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, notFound("conversation", id)
	}
	return c, nil
}

func (s *Store) ConversationByRequest(_ context.Context, requestID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.convByRequest[requestID]
	if !ok {
		return domain.Conversation{}, notFound("conversation for request", requestID)
	}
	return s.conversations[id], nil
}

func (s *Store) SetConversationActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return notFound("conversation", id)
	}
	c.IsActive = active
	s.conversations[id] = c
	return nil
}

func (s *Store) AppendMessage(_ context.Context, m domain.Message) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return domain.Message{}, notFound("conversation", m.ConversationID)
	}
	s.nextMessageID++
	m.ID = s.nextMessageID
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], m)
	at := m.CreatedAt
	c.LastMessageAt = &at
	s.conversations[c.ID] = c
	return m, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, afterID int64, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, 0)
	for _, m := range s.messages[conversationID] {
		if m.ID <= afterID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, conversationID, readerID string, upTo int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	n := 0
	for i := range msgs {
		m := &msgs[i]
		if m.ID > upTo || m.SenderID == readerID || m.ReadAt != nil {
			continue
		}
		stamp := at
		m.ReadAt = &stamp
		n++
	}
	return n, nil
}

func (s *Store) UnreadCount(_ context.Context, conversationID, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.SenderID != userID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

// Notifications

func (s *Store) SaveNotification(_ context.Context, n domain.NotificationRecord) (bool, error) {
	if s.FailNotification != nil {
		if err := s.FailNotification(n); err != nil {
			return false, err
		}
	}
	key := n.EventID + "\xff" + n.RecipientID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.notifyKeys[key]; dup {
		return false, nil
	}
	s.notifyKeys[key] = n.ID
	s.notifications[n.ID] = n
	s.notifyOrder = append(s.notifyOrder, n.ID)
	return true, nil
}

func (s *Store) ListNotifications(_ context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.NotificationRecord, 0)
	for i := len(s.notifyOrder) - 1; i >= 0; i-- {
		n := s.notifications[s.notifyOrder[i]]
		if n.RecipientID != recipientID || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, recipientID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return notFound("notification", id)
	}
	if n.ReadAt == nil {
		n.ReadAt = &at
		s.notifications[id] = n
	}
	return nil
}
