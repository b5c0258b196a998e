package dispatchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/depannage/dispatch/internal/chat"
	"github.com/depannage/dispatch/internal/domain"
	"github.com/depannage/dispatch/internal/engine"
	"github.com/depannage/dispatch/internal/platform/auth"
	"github.com/depannage/dispatch/internal/statemachine"
)

// Authenticator resolves a bearer token to a principal. Failures wrap
// domain.ErrUnauthorized.
type Authenticator interface {
	Principal(token string) (domain.Principal, error)
}

type Handler struct {
	Engine        *engine.Engine
	Auth          Authenticator
	AllowedOrigin string
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// Ready backs /readyz; nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

func NewHandler(e *engine.Engine, auth Authenticator, allowedOrigin string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:        e,
		Auth:          auth,
		AllowedOrigin: allowedOrigin,
		Logger:        logger.With("component", "dispatchapi"),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.handleReady)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Post("/requests", h.handleCreateRequest)
		authR.Route("/requests/{requestID}", func(rr chi.Router) {
			rr.Get("/", h.handleGetRequest)
			rr.Get("/history", h.handleRequestHistory)
			rr.Get("/offers", h.handleRequestOffers)
			rr.Get("/conversation", h.handleRequestConversation)
			rr.Post("/cancel", h.handleTransition(domain.StatusCancelled))
			rr.Post("/start", h.handleTransition(domain.StatusInProgress))
			rr.Post("/complete", h.handleTransition(domain.StatusPendingClientValidation))
			rr.Post("/validate", h.handleTransition(domain.StatusCompleted))
			rr.Post("/assign", h.handleAssign)
			rr.Post("/review", h.handleReview)
		})

		authR.Post("/offers/{offerID}/accept", h.handleAcceptOffer)
		authR.Post("/offers/{offerID}/decline", h.handleDeclineOffer)

		authR.Post("/technicians/me/availability", h.handleAvailability)

		authR.Get("/conversations/{conversationID}", h.handleGetConversation)
		authR.Get("/conversations/{conversationID}/messages", h.handleListMessages)
		authR.Post("/conversations/{conversationID}/messages", h.handlePostMessage)
		authR.Get("/conversations/{conversationID}/unread", h.handleUnread)
		authR.Post("/conversations/{conversationID}/read", h.handleMarkRead)

		authR.Get("/notifications", h.handleListNotifications)
		authR.Post("/notifications/{notificationID}/read", h.handleNotificationRead)
	})

	return r
}

type createResponse struct {
	RequestID string        `json:"request_id"`
	Status    domain.Status `json:"status"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type assignRequest struct {
	TechnicianID string `json:"technician_id"`
}

type reviewRequest struct {
	Rating int `json:"rating"`
}

type availabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

type markReadRequest struct {
	UpTo int64 `json:"up_to"`
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	Unread         int    `json:"unread"`
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.NewRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	created, err := h.Engine.Machine.Create(r.Context(), principalFromContext(r.Context()), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, createResponse{RequestID: created.ID, Status: created.Status})
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Machine.Get(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	changes, err := h.Engine.Machine.History(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, changes)
}

func (h *Handler) handleRequestOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.Engine.Coordinator.Offers(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offers)
}

func (h *Handler) handleRequestConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Engine.Chat.ByRequest(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "requestID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

// handleTransition serves the lifecycle verbs. The state machine decides
// who may take each edge.
func (h *Handler) handleTransition(to domain.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body reasonRequest
		if !h.decode(w, r, &body, true) {
			return
		}
		req, err := h.Engine.Machine.Apply(r.Context(), statemachine.Transition{
			RequestID: chi.URLParam(r, "requestID"),
			To:        to,
			Actor:     principalFromContext(r.Context()),
			Reason:    strings.TrimSpace(body.Reason),
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusOK, req)
	}
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body assignRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	req, err := h.Engine.Coordinator.Assign(r.Context(), principalFromContext(r.Context()),
		chi.URLParam(r, "requestID"), strings.TrimSpace(body.TechnicianID))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleReview(w http.ResponseWriter, r *http.Request) {
	var body reviewRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	tech, err := h.Engine.Machine.Review(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "requestID"), body.Rating)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"technician_id": tech.ID,
		"rating":        tech.Rating,
		"rating_count":  tech.RatingCount,
	})
}

func (h *Handler) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	req, err := h.Engine.Coordinator.Accept(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "offerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

func (h *Handler) handleDeclineOffer(w http.ResponseWriter, r *http.Request) {
	offer, err := h.Engine.Coordinator.Decline(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "offerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, offer)
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityRequest
	if !h.decode(w, r, &body, false) {
		return
	}
	if body.IsAvailable == nil {
		h.writeError(w, r, fmt.Errorf("%w: is_available is required", domain.ErrInvalidInput))
		return
	}
	tech, err := h.Engine.Ingress.SetAvailability(r.Context(), principalFromContext(r.Context()), *body.IsAvailable)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tech)
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Engine.Chat.Conversation(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "conversationID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r.URL.Query(), "after")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r.URL.Query(), "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.Engine.Chat.Messages(r.Context(), principalFromContext(r.Context()),
		chi.URLParam(r, "conversationID"), after, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	h.writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var draft chat.Draft
	if !h.decode(w, r, &draft, false) {
		return
	}
	msg, err := h.Engine.Chat.Post(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "conversationID"), draft)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	n, err := h.Engine.Chat.UnreadCount(r.Context(), principalFromContext(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, unreadResponse{ConversationID: id, Unread: n})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body markReadRequest
	if !h.decode(w, r, &body, true) {
		return
	}
	n, err := h.Engine.Chat.MarkRead(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "conversationID"), body.UpTo)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	unreadOnly := false
	if raw := q.Get("unread"); raw != "" {
		unreadOnly, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: unread must be a boolean", domain.ErrInvalidInput))
			return
		}
	}
	notes, err := h.Engine.Notify.List(r.Context(), principalFromContext(r.Context()), unreadOnly, int(limit))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if notes == nil {
		notes = []domain.NotificationRecord{}
	}
	h.writeJSON(w, http.StatusOK, notes)
}

func (h *Handler) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Notify.MarkRead(r.Context(), principalFromContext(r.Context()), chi.URLParam(r, "notificationID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads a JSON body into dst. Unknown fields are rejected; an empty
// body is accepted only when optional is set.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON payload", Code: "invalid_input"})
		return false
	}
	return true
}

func queryInt(q url.Values, key string) (int64, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", domain.ErrInvalidInput, key)
	}
	return v, nil
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type principalContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := h.Auth.Principal(auth.BearerToken(r.Header.Get("Authorization")))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}

func ContextWithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func principalFromContext(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalContextKey{}).(domain.Principal)
	return p
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// StatusFor maps the domain error taxonomy to an HTTP status and a stable
// error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrOfferNoLongerValid):
		return http.StatusConflict, "offer_no_longer_valid"
	case errors.Is(err, domain.ErrConversationClosed):
		return http.StatusConflict, "conversation_closed"
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := StatusFor(err)
	body := errorBody{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError {
		body.Error = domain.ErrInternal.Error()
		body.RequestID = middleware.GetReqID(r.Context())
		h.Logger.Error("request failed", "request_id", body.RequestID, "method", r.Method, "path", r.URL.Path, "err", err)
	}
	h.writeJSON(w, status, body)
}
