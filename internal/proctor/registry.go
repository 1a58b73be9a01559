package proctor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Registry keeps one sensor socket per owner. Registering a new socket for
// an owner closes the previous one.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{active: make(map[string]*websocket.Conn), logger: logger}
}

// Register adds conn for owner.
func (r *Registry) Register(owner string, conn *websocket.Conn) {
	r.mu.Lock()
	existing, ok := r.active[owner]
	r.active[owner] = conn
	r.mu.Unlock()

	if ok && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}
	r.logger.Info("Proctor socket registered", "owner", owner)
}

// Unregister removes conn if it is still the owner's active socket.
func (r *Registry) Unregister(owner string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.active[owner]; ok && current == conn {
		delete(r.active, owner)
		r.logger.Info("Proctor socket unregistered", "owner", owner)
	}
}

// Send writes v as a JSON text frame to the owner's socket. Owners without
// a socket are skipped.
func (r *Registry) Send(ctx context.Context, owner string, v any) error {
	r.mu.RLock()
	conn := r.active[owner]
	r.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, v)
}

// Close terminates the owner's socket with reason.
func (r *Registry) Close(owner string, code websocket.StatusCode, reason string) {
	r.mu.Lock()
	conn, ok := r.active[owner]
	delete(r.active, owner)
	r.mu.Unlock()

	if ok {
		_ = conn.Close(code, reason)
		r.logger.Info("Proctor socket closed", "owner", owner, "reason", reason)
	}
}

// Active reports whether owner has a registered socket.
func (r *Registry) Active(owner string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[owner]
	return ok
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
