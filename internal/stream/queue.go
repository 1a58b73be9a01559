// Package stream fans session updates out to Server-Sent Events observers
// with Last-Event-ID replay.
package stream

import (
	"container/list"
	"sync"
	"time"
)

// Message is one SSE event addressed to an owner.
type Message struct {
	EventID   int64
	Owner     string
	Event     string
	Data      []byte
	Timestamp time.Time
}

// Queue buffers recent messages per owner for reconnecting clients.
// Each owner gets its own bounded list so one session's burst cannot evict
// another's history.
type Queue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

// NewQueue creates a per-owner queue keeping at most maxSize messages each.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Queue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue appends msg to its owner's queue.
func (q *Queue) Enqueue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[msg.Owner]
	if !ok {
		l = list.New()
		q.queues[msg.Owner] = l
	}
	l.PushBack(msg)
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// Since returns the owner's messages with an ID greater than afterEventID.
func (q *Queue) Since(owner string, afterEventID int64) []*Message {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[owner]
	if !ok {
		return nil
	}
	var missed []*Message
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*Message)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Len reports the number of queued messages for owner.
func (q *Queue) Len(owner string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if l, ok := q.queues[owner]; ok {
		return l.Len()
	}
	return 0
}

// Prune drops the owner's history.
func (q *Queue) Prune(owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, owner)
}
