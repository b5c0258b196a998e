// Package store defines the persistence port the engine depends on. The
// memory, postgres and mongohistory subpackages implement it.
package store

import (
	"context"
	"time"

	"github.com/depannage/dispatch/internal/domain"
)

type Requests interface {
	CreateRequest(ctx context.Context, r domain.Request) error
	GetRequest(ctx context.Context, id string) (domain.Request, error)
	// UpdateRequestStatus persists r and appends change to the status
	// history in one transaction, provided the stored status still equals
	// change.From. Otherwise it returns domain.ErrConflict.
	UpdateRequestStatus(ctx context.Context, r domain.Request, change domain.StatusChange) error
	ListRequestsByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Request, error)
	// BusyTechnicians reports which of ids hold a request in assigned or
	// in_progress.
	BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error)
	StatusHistory(ctx context.Context, requestID string) ([]domain.StatusChange, error)
	// RecordReview stores the rating on a completed request and folds it
	// into the technician's average. A second review is a conflict.
	RecordReview(ctx context.Context, requestID string, rating int) (domain.Technician, error)
}

type Technicians interface {
	GetTechnician(ctx context.Context, id string) (domain.Technician, error)
	SaveTechnician(ctx context.Context, t domain.Technician) error
	ListAvailableTechnicians(ctx context.Context) ([]domain.Technician, error)
	SetAvailability(ctx context.Context, id string, available bool) (domain.Technician, error)
}

type Offers interface {
	// CreateOffer fails with domain.ErrConflict when the technician already
	// holds a pending offer for the request.
	CreateOffer(ctx context.Context, o domain.Offer) error
	GetOffer(ctx context.Context, id string) (domain.Offer, error)
	// ResolveOffer moves a pending offer to outcome. It returns
	// domain.ErrConflict when the offer is no longer pending.
	ResolveOffer(ctx context.Context, id string, outcome domain.OfferOutcome, reason string, at time.Time) (domain.Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]domain.Offer, error)
	ListPendingOffers(ctx context.Context) ([]domain.Offer, error)
	OfferStats(ctx context.Context, technicianID string, since time.Time) (domain.OfferStats, error)
}

type Locations interface {
	// SaveLatestLocation replaces the owner's snapshot only when s is
	// strictly newer. The result reports whether it was stored.
	SaveLatestLocation(ctx context.Context, s domain.LocationSnapshot) (bool, error)
	LatestLocation(ctx context.Context, kind domain.OwnerKind, ownerID string) (domain.LocationSnapshot, error)
}

// History is the bounded location log. It is split out so it can live in a
// different store than the rest of the port.
type History interface {
	AppendLocationHistory(ctx context.Context, s domain.LocationSnapshot) error
	LocationHistory(ctx context.Context, kind domain.OwnerKind, ownerID string, since time.Time) ([]domain.LocationSnapshot, error)
	PruneLocationHistory(ctx context.Context, before time.Time) (int64, error)
}

type Conversations interface {
	// CreateConversation returns the existing conversation when the
	// request already has one.
	CreateConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ConversationByRequest(ctx context.Context, requestID string) (domain.Conversation, error)
	SetConversationActive(ctx context.Context, id string, active bool) error
	// AppendMessage assigns the next message id and stamps the
	// conversation's last_message_at.
	AppendMessage(ctx context.Context, m domain.Message) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, afterID int64, limit int) ([]domain.Message, error)
	// MarkRead stamps read_at on unread messages with id <= upTo not sent
	// by readerID and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string, upTo int64, at time.Time) (int, error)
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

type Notifications interface {
	// SaveNotification is idempotent on (event id, recipient); created is
	// false for a duplicate.
	SaveNotification(ctx context.Context, n domain.NotificationRecord) (created bool, err error)
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]domain.NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string, at time.Time) error
}

type Port interface {
	Requests
	Technicians
	Offers
	Locations
	Conversations
	Notifications
}
