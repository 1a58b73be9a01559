package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/mockprep/internal/identity"
)

// Event names written on the stream.
const (
	EventConnected      = "connected"
	EventSession        = "session"
	EventDirective      = "directive"
	EventViolation      = "violation"
	EventWarningCleared = "warning_cleared"
	EventEnded          = "ended"
	EventPing           = "ping"
)

// Config tunes the stream.
type Config struct {
	QueueSize int
	Keepalive time.Duration
	Retry     time.Duration
}

// connection is a single SSE client.
type connection struct {
	id      int64
	owner   string
	eventID int64
	w       io.Writer
	flusher http.Flusher
	done    chan struct{}
	mu      sync.Mutex
}

// Broadcaster fans messages out to every stream of an owner. Messages are
// queued synchronously for replay and a single loop drains each owner's
// queue into its streams, so publishers never block on slow clients.
type Broadcaster struct {
	cfg    Config
	logger *slog.Logger
	queue  *Queue

	connsMu sync.RWMutex
	conns   map[string]map[int64]*connection

	counterMu    sync.Mutex
	eventCounter int64
	connCounter  int64

	dirtyMu sync.Mutex
	dirty   map[string]struct{}
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewBroadcaster starts a broadcaster and its delivery loop.
func NewBroadcaster(cfg Config, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 10 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5 * time.Second
	}
	b := &Broadcaster{
		cfg:        cfg,
		logger:     logger,
		queue:      NewQueue(cfg.QueueSize),
		conns:      make(map[string]map[int64]*connection),
		dirty:      make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish queues v, encoded as JSON, for owner's streams. IDs are assigned,
// queued and dispatched under one lock so every stream sees them in order.
func (b *Broadcaster) Publish(owner, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("[BROADCAST] Failed to marshal message", "event", event, "error", err)
		return
	}

	b.counterMu.Lock()
	defer b.counterMu.Unlock()
	b.eventCounter++
	msg := &Message{
		EventID:   b.eventCounter,
		Owner:     owner,
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
	}
	b.queue.Enqueue(msg)

	b.dirtyMu.Lock()
	b.dirty[owner] = struct{}{}
	b.dirtyMu.Unlock()

	// One pending wake-up covers every owner marked dirty before the loop runs.
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Forget drops the owner's replay history.
func (b *Broadcaster) Forget(owner string) {
	b.queue.Prune(owner)
}

// Close stops the delivery loop and releases connected streams.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.connsMu.Lock()
		for _, conns := range b.conns {
			for _, c := range conns {
				c.close()
			}
		}
		b.connsMu.Unlock()
	})
}

func (b *Broadcaster) loop() {
	for {
		select {
		case <-b.done:
			b.logger.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case <-b.wake:
			b.dirtyMu.Lock()
			owners := b.dirty
			b.dirty = make(map[string]struct{})
			b.dirtyMu.Unlock()

			for owner := range owners {
				b.flush(owner)
			}
		}
	}
}

// flush writes every queued message a stream of owner has not seen yet.
func (b *Broadcaster) flush(owner string) {
	b.connsMu.RLock()
	owned := b.conns[owner]
	conns := make([]*connection, 0, len(owned))
	for _, c := range owned {
		conns = append(conns, c)
	}
	b.connsMu.RUnlock()

	for _, c := range conns {
		for _, msg := range b.queue.Since(owner, c.lastEventID()) {
			c.send(msg, b.logger)
		}
	}
}

func (c *connection) lastEventID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventID
}

func (c *connection) send(msg *Message, logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}
	if msg.EventID <= c.eventID {
		return
	}

	if err := writeSSEWithID(c.w, msg.EventID, msg.Event, msg.Data); err != nil {
		logger.Debug("[SEND] Failed to write to SSE connection", "error", err, "conn_id", c.id, "owner", c.owner)
		return
	}
	c.flusher.Flush()
	c.eventID = msg.EventID
}

// close marks the connection done. Holding mu keeps the delivery loop from
// writing after the handler has returned.
func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// ServeHTTP streams the caller's session updates.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	owner := identity.OwnerFromContext(r.Context())
	if owner == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var lastEventID int64
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if _, err := fmt.Fprintf(w, "retry: %d\n\n", b.cfg.Retry.Milliseconds()); err != nil {
		b.logger.Warn("failed to write SSE retry header", "error", err, "owner", owner)
		return
	}
	flusher.Flush()

	b.counterMu.Lock()
	b.connCounter++
	connID := b.connCounter
	baseline := lastEventID
	if baseline <= 0 {
		baseline = b.eventCounter
	}
	b.counterMu.Unlock()

	conn := &connection{
		id:      connID,
		owner:   owner,
		eventID: baseline,
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	b.connsMu.Lock()
	if _, exists := b.conns[owner]; !exists {
		b.conns[owner] = make(map[int64]*connection)
	}
	b.conns[owner][connID] = conn
	b.connsMu.Unlock()

	defer func() {
		b.connsMu.Lock()
		if owned, exists := b.conns[owner]; exists {
			delete(owned, connID)
			if len(owned) == 0 {
				delete(b.conns, owner)
			}
		}
		b.connsMu.Unlock()
		conn.close()
		b.logger.Info("SSE connection closed", "owner", owner, "conn_id", connID)
	}()

	missed := b.queue.Since(owner, baseline)
	if len(missed) > 0 {
		b.logger.Info("Sending missed messages", "owner", owner, "count", len(missed))
	}
	for _, msg := range missed {
		conn.send(msg, b.logger)
	}

	conn.mu.Lock()
	connected := fmt.Sprintf(`{"status":"connected","last_event_id":%d}`, conn.eventID)
	err := writeSSE(w, EventConnected, connected)
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		b.logger.Warn("failed to write SSE connected event", "error", err, "owner", owner)
		return
	}

	b.logger.Info("SSE connection established", "owner", owner, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(b.cfg.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			err := writeSSE(w, EventPing, `{"status":"alive"}`)
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				b.logger.Warn("failed to write SSE keepalive ping", "error", err, "owner", owner)
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
