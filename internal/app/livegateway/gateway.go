// Package livegateway serves the engine's live duplex channels over
// websockets.
package livegateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/depannage/dispatch/internal/app/dispatchapi"
	"github.com/depannage/dispatch/internal/chat"
	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/engine"
	"github.com/depannage/dispatch/internal/live"
	"github.com/depannage/dispatch/internal/platform/auth"
	"github.com/depannage/dispatch/internal/platform/metrics"
)

// Subprotocol is negotiated on every channel. Browsers that cannot set an
// Authorization header offer the token as a second "bearer.<token>"
// subprotocol.
const Subprotocol = "dispatch.v1"

const (
	bearerPrefix     = "bearer."
	writeWait        = 10 * time.Second
	maxFrameBytes    = 16 << 10
	defaultMaxMissed = 3
)

type Gateway struct {
	Engine        *engine.Engine
	Auth          dispatchapi.Authenticator
	Leases        *live.Leases
	AllowedOrigin string
	// Heartbeat is the ping interval; a peer that leaves MaxMissed pings
	// unanswered is disconnected.
	Heartbeat time.Duration
	MaxMissed int
	Metrics   *metrics.Dispatch

	upgrader websocket.Upgrader
	logger   *slog.Logger
	nextID   atomic.Uint64
	active   atomic.Int64
}

func New(e *engine.Engine, authn dispatchapi.Authenticator, allowedOrigin string, m *metrics.Dispatch, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		Engine:        e,
		Auth:          authn,
		Leases:        live.NewLeases(),
		AllowedOrigin: allowedOrigin,
		Heartbeat:     e.Config.Heartbeat(),
		MaxMissed:     defaultMaxMissed,
		Metrics:       m,
		logger:        logger.With("component", "livegateway"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Router serves the channels relative to its mount point (normally /live).
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/user/{userID}", g.handleUser)
	r.Get("/conversation/{conversationID}", g.handleConversation)
	r.Get("/tracking/request/{requestID}", g.handleTracking)
	r.Get("/location/technician/{ownerID}", g.handleLocation(domain.OwnerTechnician))
	r.Get("/location/client/{ownerID}", g.handleLocation(domain.OwnerClient))
	return r
}

// Sessions reports the number of open connections.
func (g *Gateway) Sessions() int {
	return int(g.active.Load())
}

// channel describes one live endpoint: the room it relays, the lease it
// holds and what it does with inbound frames.
type channel struct {
	room    string
	lease   string
	inbound func(ctx context.Context, f inboundFrame) error
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (g *Gateway) handleUser(w http.ResponseWriter, r *http.Request) {
	p, ok := g.principal(w, r)
	if !ok {
		return
	}
	userID := chi.URLParam(r, "userID")
	if p.UserID != userID && p.Role != domain.RoleAdmin {
		g.reject(w, fmt.Errorf("%w: notifications of another user", domain.ErrForbidden))
		return
	}
	g.serve(w, r, p, channel{room: live.UserRoom(userID)})
}

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	p, ok := g.principal(w, r)
	if !ok {
		return
	}
	conv, err := g.Engine.Chat.Conversation(r.Context(), p, chi.URLParam(r, "conversationID"))
	if err != nil {
		g.reject(w, err)
		return
	}
	if !conv.IsActive {
		g.reject(w, domain.ErrConversationClosed)
		return
	}
	g.serve(w, r, p, channel{
		room: live.ConversationRoom(conv.ID),
		inbound: func(ctx context.Context, f inboundFrame) error {
			return g.chatFrame(ctx, p, conv.ID, f)
		},
	})
}

type typingData struct {
	Typing bool `json:"typing"`
}

type readData struct {
	UpTo int64 `json:"up_to"`
}

func (g *Gateway) chatFrame(ctx context.Context, p domain.Principal, convID string, f inboundFrame) error {
	switch f.Type {
	case live.FrameMessage:
		var d chat.Draft
		if err := decodeData(f, &d); err != nil {
			return err
		}
		_, err := g.Engine.Chat.Post(ctx, p, convID, d)
		return err
	case live.FrameTyping:
		var d typingData
		if err := decodeData(f, &d); err != nil {
			return err
		}
		return g.Engine.Chat.Typing(ctx, p, convID, d.Typing)
	case live.FrameRead:
		var d readData
		if err := decodeData(f, &d); err != nil {
			return err
		}
		_, err := g.Engine.Chat.MarkRead(ctx, p, convID, d.UpTo)
		return err
	}
	return fmt.Errorf("%w: unsupported frame type %q", domain.ErrInvalidInput, f.Type)
}

func (g *Gateway) handleTracking(w http.ResponseWriter, r *http.Request) {
	p, ok := g.principal(w, r)
	if !ok {
		return
	}
	req, err := g.Engine.Machine.Get(r.Context(), p, chi.URLParam(r, "requestID"))
	if err != nil {
		g.reject(w, err)
		return
	}
	if req.Status.Terminal() {
		g.reject(w, fmt.Errorf("%w: request %s is %s", domain.ErrInvalidTransition, req.ID, req.Status))
		return
	}
	var kind domain.OwnerKind
	switch {
	case p.Role == domain.RoleClient && p.UserID == req.ClientID:
		kind = domain.OwnerClient
	case p.Role == domain.RoleTechnician && p.UserID == req.TechnicianID:
		kind = domain.OwnerTechnician
	}
	g.serve(w, r, p, channel{
		room: live.RequestRoom(req.ID),
		inbound: func(ctx context.Context, f inboundFrame) error {
			if kind == "" {
				return fmt.Errorf("%w: only participants report positions", domain.ErrForbidden)
			}
			return g.locationFrame(ctx, p, kind, p.UserID, f)
		},
	})
}

func (g *Gateway) handleLocation(kind domain.OwnerKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := g.principal(w, r)
		if !ok {
			return
		}
		ownerID := chi.URLParam(r, "ownerID")
		if p.UserID != ownerID || string(p.Role) != string(kind) {
			g.reject(w, fmt.Errorf("%w: positions are reported by their owner", domain.ErrForbidden))
			return
		}
		g.serve(w, r, p, channel{
			lease: domain.OwnerKey(kind, ownerID),
			inbound: func(ctx context.Context, f inboundFrame) error {
				return g.locationFrame(ctx, p, kind, ownerID, f)
			},
		})
	}
}

func (g *Gateway) locationFrame(ctx context.Context, p domain.Principal, kind domain.OwnerKind, ownerID string, f inboundFrame) error {
	if f.Type != live.FrameLocationUpdate {
		return fmt.Errorf("%w: unsupported frame type %q", domain.ErrInvalidInput, f.Type)
	}
	var snap domain.LocationSnapshot
	if err := decodeData(f, &snap); err != nil {
		return err
	}
	snap.OwnerKind = kind
	snap.OwnerID = ownerID
	_, err := g.Engine.Ingress.Submit(ctx, p, snap)
	return err
}

func decodeData(f inboundFrame, dst any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%w: %s frame without data", domain.ErrInvalidInput, f.Type)
	}
	if err := json.Unmarshal(f.Data, dst); err != nil {
		return fmt.Errorf("%w: malformed %s frame", domain.ErrInvalidInput, f.Type)
	}
	return nil
}

// session is one upgraded connection. Only the serving goroutine writes to
// conn; the reader goroutine hands frames over through out.
type session struct {
	id     string
	conn   *websocket.Conn
	out    chan live.Frame
	missed atomic.Int32
	cancel context.CancelFunc

	mu     sync.Mutex
	code   int
	reason string
}

// end records why the session stops; the first reason wins.
func (s *session) end(code int, reason string) {
	s.mu.Lock()
	if s.code == 0 {
		s.code, s.reason = code, reason
	}
	s.mu.Unlock()
	s.cancel()
}

func (s *session) closeReason() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.code == 0 {
		return websocket.CloseGoingAway, "replaced by a newer connection"
	}
	return s.code, s.reason
}

func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, p domain.Principal, ch channel) {
	var frames <-chan live.Frame
	if ch.room != "" {
		var unsubscribe func()
		frames, unsubscribe = g.Engine.Hub.Subscribe(ch.room)
		defer unsubscribe()
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "path", r.URL.Path, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s := &session{
		id:     strconv.FormatUint(g.nextID.Add(1), 10),
		conn:   conn,
		out:    make(chan live.Frame, 16),
		cancel: cancel,
	}
	if ch.lease != "" {
		if prev := g.Leases.Replace(ch.lease, s.id, cancel); prev != nil {
			prev()
		}
		defer g.Leases.Release(ch.lease, s.id)
	}

	g.active.Add(1)
	g.Metrics.SessionOpened()
	defer func() {
		g.active.Add(-1)
		g.Metrics.SessionClosed()
	}()
	log := g.logger.With("session", s.id, "path", r.URL.Path, "user_id", p.UserID)
	log.Debug("live session opened")

	conn.SetPongHandler(func(string) error {
		s.missed.Store(0)
		return nil
	})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		g.read(ctx, s, ch)
	}()

	g.write(ctx, s, frames)

	code, reason := s.closeReason()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
	<-readerDone
	log.Debug("live session closed", "code", code, "reason", reason)
}

func (g *Gateway) read(ctx context.Context, s *session, ch channel) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				s.end(websocket.CloseNormalClosure, "")
			} else {
				s.end(websocket.CloseAbnormalClosure, "read failed")
			}
			return
		}
		s.missed.Store(0)
		if ch.inbound == nil {
			continue
		}
		var f inboundFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			g.reply(ctx, s, fmt.Errorf("%w: frames are JSON objects", domain.ErrInvalidInput))
			continue
		}
		err = ch.inbound(ctx, f)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrForbidden), errors.Is(err, domain.ErrUnauthorized):
			s.end(websocket.ClosePolicyViolation, "forbidden")
			return
		case errors.Is(err, domain.ErrConversationClosed):
			s.end(websocket.CloseNormalClosure, "conversation closed")
			return
		default:
			g.reply(ctx, s, err)
		}
	}
}

// reply queues an error frame for the peer.
func (g *Gateway) reply(ctx context.Context, s *session, err error) {
	_, code := dispatchapi.StatusFor(err)
	msg := err.Error()
	if code == "internal" {
		g.logger.Error("live frame failed", "session", s.id, "err", err)
		msg = domain.ErrInternal.Error()
	}
	f := live.Frame{
		Type: live.FrameError,
		Data: map[string]string{"code": code, "error": msg},
		At:   g.Engine.Clock.Now(),
	}
	select {
	case s.out <- f:
	case <-ctx.Done():
	}
}

func (g *Gateway) write(ctx context.Context, s *session, frames <-chan live.Frame) {
	var tick <-chan time.Time
	if g.Heartbeat > 0 {
		ticker := time.NewTicker(g.Heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				s.end(websocket.CloseNormalClosure, "room closed")
				return
			}
			if err := g.send(s, f); err != nil {
				s.end(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case f := <-s.out:
			if err := g.send(s, f); err != nil {
				s.end(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-tick:
			if int(s.missed.Load()) >= g.MaxMissed {
				s.end(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			s.missed.Add(1)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.end(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (g *Gateway) send(s *session, f live.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(f)
}

func (g *Gateway) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	p, err := g.Auth.Principal(token(r))
	if err != nil {
		g.reject(w, err)
		return domain.Principal{}, false
	}
	return p, true
}

func token(r *http.Request) string {
	if t := auth.BearerToken(r.Header.Get("Authorization")); t != "" {
		return t
	}
	for _, proto := range websocket.Subprotocols(r) {
		if strings.HasPrefix(proto, bearerPrefix) {
			return strings.TrimPrefix(proto, bearerPrefix)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// reject answers a handshake that will not be upgraded.
func (g *Gateway) reject(w http.ResponseWriter, err error) {
	status, code := dispatchapi.StatusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": code})
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(g.AllowedOrigin)
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if allowed == "" || allowed == "*" || origin == "" || origin == allowed {
		return true
	}
	a, errA := url.Parse(origin)
	b, errB := url.Parse(allowed)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && a.Port() == b.Port() &&
		isLoopback(a.Hostname()) && isLoopback(b.Hostname())
}

func isLoopback(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
