// Package dedupe tracks exposure ids whose ingestion is accepted or in
// flight, so a resubmitted file is rejected before it reaches the queue.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
)

// Guard records claimed exposure ids.
type Guard interface {
	// Claim atomically records id. It returns false when id is already
	// claimed.
	Claim(ctx context.Context, id string) bool

	// Release forgets id so the exposure may be submitted again. It is used
	// when an accepted ingest could not be enqueued or failed before the
	// exposure was stored.
	Release(ctx context.Context, id string)

	Size() int64
}

// entry is one claimed id in insertion order.
type entry struct {
	id         string
	prev, next *entry
}

// memGuard keeps claimed ids in a map plus an insertion-ordered list.
// With maxSize > 0 the oldest claim is evicted when the guard is full; the
// catalog's unique exposure key still rejects evicted duplicates.
type memGuard struct {
	mu         sync.Mutex
	claimed    map[string]*entry
	head, tail *entry // head is newest
	maxSize    int
	size       atomic.Int64
}

// NewGuard creates an in-memory guard.
func NewGuard(opts ...Option) Guard {
	g := &memGuard{
		maxSize: 50000,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.claimed = make(map[string]*entry)
	return g
}

func (g *memGuard) Claim(_ context.Context, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.claimed[id]; ok {
		return false
	}
	if g.maxSize > 0 && len(g.claimed) >= g.maxSize {
		g.unlink(g.tail)
	}
	e := &entry{id: id, next: g.head}
	if g.head != nil {
		g.head.prev = e
	}
	g.head = e
	if g.tail == nil {
		g.tail = e
	}
	g.claimed[id] = e
	g.size.Add(1)
	return true
}

func (g *memGuard) Release(_ context.Context, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.claimed[id]; ok {
		g.unlink(e)
	}
}

// unlink removes e. Must be called with g.mu held.
func (g *memGuard) unlink(e *entry) {
	if e == nil {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		g.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		g.tail = e.prev
	}
	delete(g.claimed, e.id)
	g.size.Add(-1)
}

func (g *memGuard) Size() int64 {
	return g.size.Load()
}
