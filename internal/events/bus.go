package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrBusClosed = errors.New("event bus closed")

// Handler processes one event. Returned errors are reported to the publisher.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id uint64
	h  Handler
}

// Bus is a synchronous publish/subscribe channel scoped to one session
// runtime. Handlers run in subscription order on the publisher's goroutine
// and must not publish on the same bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewBus creates an open bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, h: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every handler before returning. After Close the
// event is dropped and ErrBusClosed returned.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.logger.Debug("Dropping event published after close", "type", ev.Type)
		return ErrBusClosed
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var errs []error
	for _, s := range subs {
		if err := s.h(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ev.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Close drops all subscribers and rejects later publishes. Safe to call twice.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
}
