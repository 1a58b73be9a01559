//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/identity"
	"github.com/ashureev/mockprep/internal/interview"
)

// SessionHandler serves the session, event and agent-context endpoints.
type SessionHandler struct {
	mgr     *interview.Manager
	maxBody int64
	stream  http.Handler
	proctor http.Handler
	logger  *slog.Logger
}

// Options configures a SessionHandler. Stream and Proctor are mounted when set.
type Options struct {
	MaxBody int64
	Stream  http.Handler
	Proctor http.Handler
	Logger  *slog.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(mgr *interview.Manager, opts Options) *SessionHandler {
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SessionHandler{
		mgr:     mgr,
		maxBody: opts.MaxBody,
		stream:  opts.Stream,
		proctor: opts.Proctor,
		logger:  opts.Logger,
	}
}

// RegisterRoutes registers session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Post("/", h.Start)
			r.Get("/", h.Restore)
			r.Delete("/", h.End)
			r.Post("/topic", h.SetTopic)
			r.Post("/rounds/start", h.StartRound)
			r.Post("/rounds/{index}/complete", h.CompleteRound)
			r.Post("/review", h.BeginReview)
			r.Get("/analysis", h.Analysis)
			r.Get("/context", h.Context)
			if h.stream != nil {
				r.Get("/stream", h.stream.ServeHTTP)
			}
		})
		r.Post("/events", h.PublishEvent)
	})
	if h.proctor != nil {
		r.Get("/ws/proctor", h.proctor.ServeHTTP)
	}
}

type startRequest struct {
	Mode     domain.Mode `json:"mode"`
	UserName string      `json:"userName"`
	Topics   []string    `json:"topics"`
}

type topicRequest struct {
	Topic string `json:"topic"`
}

type startRoundRequest struct {
	Topic string              `json:"topic"`
	Type  domain.QuestionType `json:"type"`
}

type completeRoundRequest struct {
	Score    *int `json:"score"`
	MaxScore *int `json:"maxScore"`
}

// owner resolves the caller or writes 401.
func (h *SessionHandler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := identity.OwnerFromContext(r.Context())
	if owner == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return owner, true
}

// Start begins a new session, replacing any current one.
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	snap, err := h.mgr.Start(r.Context(), owner, req.Mode, req.UserName, req.Topics)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusCreated, snap)
}

// Restore returns the caller's session for the mode in ?mode=, or any mode
// when omitted.
func (h *SessionHandler) Restore(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	snap, err := h.mgr.Restore(r.Context(), owner, domain.Mode(r.URL.Query().Get("mode")))
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// End deletes the caller's session. Ending twice is fine.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	if err := h.mgr.End(r.Context(), owner); err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetTopic records the topic under discussion.
func (h *SessionHandler) SetTopic(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req topicRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	snap, err := h.mgr.SetCurrentTopic(r.Context(), owner, req.Topic)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// StartRound starts the current round. The body is optional.
func (h *SessionHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req startRoundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
			writeError(w, h.logger, err, owner)
			return
		}
	}
	snap, err := h.mgr.StartRound(r.Context(), owner, req.Topic, req.Type)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// CompleteRound scores the round at {index}.
func (h *SessionHandler) CompleteRound(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: round index must be a number", errBadRequest), owner)
		return
	}
	var req completeRoundRequest
	if err := decodeJSON(w, r, h.maxBody, &req); err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	if req.Score == nil || req.MaxScore == nil {
		writeError(w, h.logger, fmt.Errorf("%w: score and maxScore are required", domain.ErrInvalidInput), owner)
		return
	}
	snap, err := h.mgr.CompleteRound(r.Context(), owner, index, *req.Score, *req.MaxScore)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// BeginReview moves a completed session into review.
func (h *SessionHandler) BeginReview(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	snap, err := h.mgr.BeginReview(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// PublishEvent accepts one {type, payload} event from a widget or timer.
func (h *SessionHandler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	data, err := readBody(w, r, h.maxBody)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	ev, err := events.Decode(data)
	if err != nil {
		writeError(w, h.logger, fmt.Errorf("%w: %v", errBadRequest, err), owner)
		return
	}
	snap, err := h.mgr.Publish(r.Context(), owner, ev)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Analysis returns the caller's topic bands.
func (h *SessionHandler) Analysis(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	a, err := h.mgr.Analysis(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	JSON(w, http.StatusOK, a)
}

// Context returns the plain-text context for the dialogue agent.
func (h *SessionHandler) Context(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	text, err := h.mgr.AgentContext(r.Context(), owner)
	if err != nil {
		writeError(w, h.logger, err, owner)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}
