package domain

import (
	"encoding/json"
	"time"
)

type Conversation struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	ClientID      string     `json:"client_id"`
	TechnicianID  string     `json:"technician_id"`
	IsActive      bool       `json:"is_active"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (c Conversation) IsParticipant(userID string) bool {
	return userID != "" && (userID == c.ClientID || userID == c.TechnicianID)
}

// Other returns the participant that is not userID.
func (c Conversation) Other(userID string) string {
	if userID == c.ClientID {
		return c.TechnicianID
	}
	return c.ClientID
}

type MessageKind string

const (
	MessageText     MessageKind = "text"
	MessageLocation MessageKind = "location"
	MessageSystem   MessageKind = "system"
	MessageVoice    MessageKind = "voice"
	MessageFile     MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageLocation, MessageSystem, MessageVoice, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID              int64       `json:"id"`
	ConversationID  string      `json:"conversation_id"`
	SenderID        string      `json:"sender_id"`
	Kind            MessageKind `json:"kind"`
	Body            string      `json:"body"`
	Coords          *Point      `json:"coords,omitempty"`
	DurationSeconds *int        `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	ReadAt          *time.Time  `json:"read_at,omitempty"`
}

type NotificationKind string

const (
	NotifyRequestCreated   NotificationKind = "request_created"
	NotifyOfferCreated     NotificationKind = "offer_created"
	NotifyOfferCancelled   NotificationKind = "offer_cancelled"
	NotifyRequestAssigned  NotificationKind = "request_assigned"
	NotifyRequestStarted   NotificationKind = "request_started"
	NotifyRequestCompleted NotificationKind = "request_completed"
	NotifyRequestCancelled NotificationKind = "request_cancelled"
	NotifyReviewReceived   NotificationKind = "review_received"
	NotifyMessageReceived  NotificationKind = "message_received"
	NotifyTrackingInfo     NotificationKind = "tracking_info"
)

type NotificationRecord struct {
	ID          string           `json:"id"`
	EventID     string           `json:"event_id"`
	RecipientID string           `json:"recipient_id"`
	Kind        NotificationKind `json:"kind"`
	RequestID   string           `json:"request_id,omitempty"`
	Title       string           `json:"title"`
	Body        string           `json:"body"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ReadAt      *time.Time       `json:"read_at,omitempty"`
}
