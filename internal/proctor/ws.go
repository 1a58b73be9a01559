package proctor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/ashureev/mockprep/internal/events"
	"github.com/ashureev/mockprep/internal/identity"
	"github.com/coder/websocket"
)

// ErrNotProctored is returned for sessions whose mode has no integrity monitor.
var ErrNotProctored = errors.New("session is not proctored")

// Frame types sent to the client.
const (
	FrameState             = "state"
	FrameRequestFullscreen = "request_fullscreen"
	FrameViolation         = "violation"
	FrameWarningCleared    = "warning_cleared"
	FrameTerminated        = "terminated"
	FramePong              = "pong"
	FrameError             = "error"
)

// Frame is a server to client message on the sensor socket.
type Frame struct {
	Type   string `json:"type"`
	Count  int    `json:"count,omitempty"`
	Level  string `json:"level,omitempty"`
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason,omitempty"`
	State  *State `json:"state,omitempty"`
}

// sensorMessage is a client to server message.
type sensorMessage struct {
	Type   string `json:"type"`
	Hidden *bool  `json:"hidden,omitempty"`
}

// signal maps a client message onto a Signal.
func (m sensorMessage) signal() (Signal, bool) {
	switch m.Type {
	case "visibility", "visibilitychange":
		if m.Hidden == nil {
			return "", false
		}
		if *m.Hidden {
			return SignalVisibilityHidden, true
		}
		return SignalVisibilityVisible, true
	case string(SignalFullscreenEntered), string(SignalFullscreenDenied), string(SignalFullscreenExit),
		string(SignalVisibilityHidden), string(SignalVisibilityVisible), string(SignalFullscreenExitReported):
		return Signal(m.Type), true
	}
	return "", false
}

// MonitorSource resolves the monitor of an owner's live session.
type MonitorSource interface {
	ProctorMonitor(ctx context.Context, owner string) (*Monitor, error)
}

// Handler serves the sensor WebSocket at /ws/proctor.
type Handler struct {
	source        MonitorSource
	registry      *Registry
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHandler creates the sensor socket handler.
func NewHandler(source MonitorSource, registry *Registry, allowedOrigin string, isDev bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		source:        source,
		registry:      registry,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := identity.OwnerFromContext(r.Context())
	if owner == "" {
		http.Error(w, "identity required", http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	mon, err := h.source.ProctorMonitor(r.Context(), owner)
	switch {
	case errors.Is(err, domain.ErrNoActiveSession):
		http.Error(w, "no active session", http.StatusNotFound)
		return
	case errors.Is(err, ErrNotProctored):
		http.Error(w, "session is not proctored", http.StatusConflict)
		return
	case err != nil:
		h.logger.Error("Failed to resolve proctor monitor", "owner", owner, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "owner", owner)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "owner", owner)
		}
	}()

	h.registry.Register(owner, ws)
	defer h.registry.Unregister(owner, ws)

	ctx := r.Context()
	state := mon.State()
	if err := writeJSON(ctx, ws, Frame{Type: FrameState, State: &state}); err != nil {
		h.logger.Debug("Failed to send initial state", "error", err)
		return
	}
	if mon.Start() {
		if err := writeJSON(ctx, ws, Frame{Type: FrameRequestFullscreen}); err != nil {
			h.logger.Debug("Failed to request fullscreen", "error", err)
			return
		}
	}

	h.readLoop(ctx, ws, mon, owner)
	h.logger.Info("Proctor session ended", "owner", owner)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, mon *Monitor, owner string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "owner", owner)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "owner", owner)
			}
			return
		}

		var msg sensorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = writeJSON(ctx, ws, Frame{Type: FrameError, Reason: "invalid message"})
			continue
		}
		if msg.Type == "ping" {
			if err := writeJSON(ctx, ws, Frame{Type: FramePong}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
			continue
		}

		sig, ok := msg.signal()
		if !ok {
			h.logger.Debug("Ignoring unknown sensor message", "type", msg.Type, "owner", owner)
			continue
		}
		mon.Observe(ctx, sig)
	}
}

// Forward returns a bus handler that relays violations and cleared warnings
// to the owner's socket.
func (r *Registry) Forward(owner string) events.Handler {
	return func(ctx context.Context, ev events.Event) error {
		var f Frame
		switch p := ev.Payload.(type) {
		case events.Violation:
			f = Frame{Type: FrameViolation, Count: p.Count, Level: p.Level, Signal: p.Signal}
		case events.WarningCleared:
			f = Frame{Type: FrameWarningCleared, Count: p.Count}
		default:
			return nil
		}
		if err := r.Send(ctx, owner, f); err != nil {
			r.logger.Debug("Proctor frame not delivered", "owner", owner, "type", f.Type, "error", err)
		}
		return nil
	}
}

// Terminate tells the owner's client the session was ended and closes the socket.
func (r *Registry) Terminate(ctx context.Context, owner, reason string) {
	if err := r.Send(ctx, owner, Frame{Type: FrameTerminated, Reason: reason}); err != nil {
		r.logger.Debug("Termination frame not delivered", "owner", owner, "error", err)
	}
	r.Close(owner, websocket.StatusPolicyViolation, reason)
}
