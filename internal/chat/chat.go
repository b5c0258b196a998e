// Package chat keeps one conversation per assigned request: the durable
// message log, unread counters and ephemeral typing/read signals.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/nats-io/nuid"

	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/events"
	"github.com/depannage/dispatch/internal/lane"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/clock"
	"github.com/depannage/dispatch/internal/platform/retry"
	"github.com/depannage/dispatch/internal/store"
)

const maxBodyRunes = 4000

// Rooms is the part of the live hub chat needs.
type Rooms interface {
	live.Publisher
	CloseRoom(name string)
}

// Draft is an inbound message before it gets an id.
type Draft struct {
	Kind            domain.MessageKind `json:"kind"`
	Body            string             `json:"body"`
	Coords          *domain.Point      `json:"coords,omitempty"`
	DurationSeconds *int               `json:"duration_seconds,omitempty"`
}

func (d Draft) Validate() error {
	switch d.Kind {
	case domain.MessageText:
		if strings.TrimSpace(d.Body) == "" {
			return fmt.Errorf("%w: empty message", domain.ErrInvalidInput)
		}
	case domain.MessageLocation:
		if d.Coords == nil {
			return fmt.Errorf("%w: location message needs coords", domain.ErrInvalidInput)
		}
		if err := d.Coords.Validate(); err != nil {
			return err
		}
	case domain.MessageVoice:
		if d.DurationSeconds == nil || *d.DurationSeconds <= 0 {
			return fmt.Errorf("%w: voice message needs a positive duration", domain.ErrInvalidInput)
		}
	case domain.MessageFile:
		if d.Body == "" {
			return fmt.Errorf("%w: file message needs a reference", domain.ErrInvalidInput)
		}
	case domain.MessageSystem:
		return fmt.Errorf("%w: system messages cannot be posted", domain.ErrInvalidInput)
	default:
		return fmt.Errorf("%w: unknown message kind %q", domain.ErrInvalidInput, d.Kind)
	}
	if utf8.RuneCountInString(d.Body) > maxBodyRunes {
		return fmt.Errorf("%w: message longer than %d characters", domain.ErrInvalidInput, maxBodyRunes)
	}
	return nil
}

// Signal is an ephemeral typing or read indication.
type Signal struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing,omitempty"`
	UpTo           int64  `json:"up_to,omitempty"`
}

// Service writes run on the lane of the conversation's request so that
// posts are ordered against the request's own transitions.
type Service struct {
	Store store.Conversations
	Lanes *lane.Pool
	Bus   *events.Bus
	Hub   Rooms
	Clock clock.Clock
	NewID func() string
	// Retry bounds conversation creation on assignment. The zero policy
	// tries once.
	Retry retry.Policy

	logger *slog.Logger
}

func New(st store.Conversations, lanes *lane.Pool, bus *events.Bus, hub Rooms, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		Store:  st,
		Lanes:  lanes,
		Bus:    bus,
		Hub:    hub,
		Clock:  clk,
		NewID:  nuid.Next,
		logger: logger.With("component", "chat"),
	}
	bus.Subscribe(events.RequestStatusChanged, s.onStatusChanged)
	return s
}

// onStatusChanged runs on the request's lane.
func (s *Service) onStatusChanged(ctx context.Context, e events.Event) {
	p, ok := e.Payload.(events.StatusChangedPayload)
	if !ok {
		return
	}
	r := p.Request
	switch {
	case r.Status == domain.StatusAssigned:
		if _, err := s.open(ctx, r); err != nil {
			s.logger.Error("open conversation", "request_id", r.ID, "err", err)
		}
	case r.Status.Terminal():
		s.close(ctx, r.ID)
	}
}

// open creates the request's conversation. Creation is idempotent per
// request, so failed attempts are retried as a whole.
func (s *Service) open(ctx context.Context, r domain.Request) (domain.Conversation, error) {
	draft := domain.Conversation{
		ID:           s.NewID(),
		RequestID:    r.ID,
		ClientID:     r.ClientID,
		TechnicianID: r.TechnicianID,
		IsActive:     true,
		CreatedAt:    s.Clock.Now(),
	}
	var c domain.Conversation
	err := retry.Do(ctx, s.Clock, s.Retry, nil, func(ctx context.Context, attempt int) error {
		var err error
		c, err = s.Store.CreateConversation(ctx, draft)
		if err != nil {
			s.logger.Warn("create conversation", "request_id", r.ID, "attempt", attempt, "err", err)
		}
		return err
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	s.logger.Info("conversation opened", "request_id", r.ID, "conversation_id", c.ID)
	return c, nil
}

func (s *Service) close(ctx context.Context, requestID string) {
	c, err := s.Store.ConversationByRequest(ctx, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Error("load conversation", "request_id", requestID, "err", err)
		return
	}
	if !c.IsActive {
		return
	}
	if err := s.Store.SetConversationActive(ctx, c.ID, false); err != nil {
		s.logger.Error("close conversation", "conversation_id", c.ID, "err", err)
		return
	}
	s.Hub.CloseRoom(live.ConversationRoom(c.ID))
	s.logger.Info("conversation closed", "request_id", requestID, "conversation_id", c.ID)
}

// Conversation returns id when p takes part in it.
func (s *Service) Conversation(ctx context.Context, p domain.Principal, id string) (domain.Conversation, error) {
	if p.UserID == "" {
		return domain.Conversation{}, domain.ErrUnauthorized
	}
	c, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !c.IsParticipant(p.UserID) && p.Role != domain.RoleAdmin {
		return domain.Conversation{}, fmt.Errorf("%w: not a participant of conversation %s", domain.ErrForbidden, id)
	}
	return c, nil
}

func (s *Service) ByRequest(ctx context.Context, p domain.Principal, requestID string) (domain.Conversation, error) {
	c, err := s.Store.ConversationByRequest(ctx, requestID)
	if err != nil {
		return domain.Conversation{}, err
	}
	return s.Conversation(ctx, p, c.ID)
}

// member is stricter than Conversation: admins can read but not write.
func (s *Service) member(ctx context.Context, p domain.Principal, id string) (domain.Conversation, error) {
	if p.UserID == "" {
		return domain.Conversation{}, domain.ErrUnauthorized
	}
	c, err := s.Store.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !c.IsParticipant(p.UserID) {
		return domain.Conversation{}, fmt.Errorf("%w: not a participant of conversation %s", domain.ErrForbidden, id)
	}
	return c, nil
}

func (s *Service) Post(ctx context.Context, p domain.Principal, conversationID string, d Draft) (domain.Message, error) {
	c, err := s.member(ctx, p, conversationID)
	if err != nil {
		return domain.Message{}, err
	}
	if err := d.Validate(); err != nil {
		return domain.Message{}, err
	}
	var out domain.Message
	err = s.Lanes.Do(ctx, c.RequestID, func(ctx context.Context) error {
		// re-read on the lane: a terminal transition may have closed it
		cur, err := s.Store.GetConversation(ctx, c.ID)
		if err != nil {
			return err
		}
		if !cur.IsActive {
			return domain.ErrConversationClosed
		}
		m, err := s.Store.AppendMessage(ctx, domain.Message{
			ConversationID:  cur.ID,
			SenderID:        p.UserID,
			Kind:            d.Kind,
			Body:            d.Body,
			Coords:          d.Coords,
			DurationSeconds: d.DurationSeconds,
			CreatedAt:       s.Clock.Now(),
		})
		if err != nil {
			return err
		}
		out = m
		s.Bus.Publish(ctx, events.MessageCreated, cur.RequestID, events.MessagePayload{Conversation: cur, Message: m})
		s.Hub.Publish(live.ConversationRoom(cur.ID), live.Frame{Type: live.FrameMessage, Data: m, At: m.CreatedAt})
		return nil
	})
	return out, err
}

// Messages lists messages with ids above after, oldest first.
func (s *Service) Messages(ctx context.Context, p domain.Principal, conversationID string, after int64, limit int) ([]domain.Message, error) {
	c, err := s.Conversation(ctx, p, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.Store.ListMessages(ctx, c.ID, after, limit)
}

// MarkRead stamps messages up to upTo sent by the other participant and
// tells the room.
func (s *Service) MarkRead(ctx context.Context, p domain.Principal, conversationID string, upTo int64) (int, error) {
	c, err := s.member(ctx, p, conversationID)
	if err != nil {
		return 0, err
	}
	if upTo <= 0 {
		return 0, fmt.Errorf("%w: up_to must be positive", domain.ErrInvalidInput)
	}
	var n int
	err = s.Lanes.Do(ctx, c.RequestID, func(ctx context.Context) error {
		var err error
		n, err = s.Store.MarkRead(ctx, c.ID, p.UserID, upTo, s.Clock.Now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.signal(c.ID, live.FrameRead, Signal{ConversationID: c.ID, UserID: p.UserID, UpTo: upTo})
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, p domain.Principal, conversationID string) (int, error) {
	c, err := s.member(ctx, p, conversationID)
	if err != nil {
		return 0, err
	}
	return s.Store.UnreadCount(ctx, c.ID, p.UserID)
}

// Typing forwards a typing indicator to the room without persisting it.
func (s *Service) Typing(ctx context.Context, p domain.Principal, conversationID string, typing bool) error {
	c, err := s.member(ctx, p, conversationID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return domain.ErrConversationClosed
	}
	s.signal(c.ID, live.FrameTyping, Signal{ConversationID: c.ID, UserID: p.UserID, Typing: typing})
	return nil
}

func (s *Service) signal(conversationID, typ string, sig Signal) {
	s.Hub.Publish(live.ConversationRoom(conversationID), live.Frame{Type: typ, Data: sig, At: s.Clock.Now()})
}
