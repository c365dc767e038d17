// ABOUTME: TTL and size bounded registry of ended conversation ids
// ABOUTME: Fed from lifecycle events; oldest tombstones are evicted first

package tombstone

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/2389/coven-conversations/internal/conversation"
)

// Tombstone describes how a conversation ended.
type Tombstone struct {
	ConversationID string
	ParentID       string
	EndingType     conversation.EndingType
	EndedAt        time.Time
}

type entry struct {
	stone   Tombstone
	element *list.Element
}

// Registry is a thread-safe, TTL-based, size-limited set of tombstones.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // conversation ids, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a registry keeping tombstones for ttl, at most maxSize at a
// time. A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go r.cleanup()
	return r
}

// Record stores a tombstone, replacing any earlier one for the same id.
func (r *Registry) Record(stone Tombstone) {
	if stone.EndedAt.IsZero() {
		stone.EndedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[stone.ConversationID]; ok {
		e.stone = stone
		r.order.MoveToBack(e.element)
		return
	}

	if r.maxSize > 0 && len(r.entries) >= r.maxSize {
		r.evictOldest()
	}

	r.entries[stone.ConversationID] = &entry{
		stone:   stone,
		element: r.order.PushBack(stone.ConversationID),
	}
}

// Lookup returns the tombstone for id if it has not expired.
func (r *Registry) Lookup(id string) (Tombstone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok || r.expired(e) {
		return Tombstone{}, false
	}
	return e.stone, true
}

// Len returns the number of stored tombstones, expired ones included until
// the next cleanup.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Consume records a tombstone for every ended event on ch until it closes
// or ctx is cancelled.
func (r *Registry) Consume(ctx context.Context, ch <-chan *conversation.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != conversation.EventEnded {
				continue
			}
			r.Record(Tombstone{
				ConversationID: ev.ConversationID,
				ParentID:       ev.ParentID,
				EndingType:     ev.EndingType,
				EndedAt:        ev.Timestamp,
			})
		}
	}
}

// expired compares against the recorded end time. Callers hold mu.
func (r *Registry) expired(e *entry) bool {
	return r.now().Sub(e.stone.EndedAt) >= r.ttl
}

// evictOldest removes the front of the order list. Callers hold mu.
func (r *Registry) evictOldest() {
	front := r.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	r.order.Remove(front)
	delete(r.entries, id)
}

func (r *Registry) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runCleanup()
		case <-r.done:
			return
		}
	}
}

// runCleanup drops every expired tombstone.
func (r *Registry) runCleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if r.expired(e) {
			r.order.Remove(e.element)
			delete(r.entries, id)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
