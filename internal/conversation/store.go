// ABOUTME: Store interface and in-memory registry of live conversations
// ABOUTME: Shared by every scope; one entry per conversation until it ends

package conversation

import (
	"fmt"
	"sort"
	"sync"
)

// Store defines what the manager needs from the conversation registry.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the live conversation with the id, or nil.
	Get(id string) *Conversation
	// Put registers a conversation under its id.
	Put(c *Conversation) error
	// Remove deletes the id. Removing an unknown id is a no-op.
	Remove(id string)
	// List returns every live conversation.
	List() []*Conversation
	// Len returns the number of live conversations.
	Len() int
}

// MemoryStore is the in-memory Store implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
	}
}

// Get retrieves a conversation by ID.
func (s *MemoryStore) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id]
}

// Put stores a new conversation.
func (s *MemoryStore) Put(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[c.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConversation, c.id)
	}
	s.conversations[c.id] = c
	return nil
}

// Remove deletes a conversation by ID.
func (s *MemoryStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
}

// List returns live conversations, oldest first.
func (s *MemoryStore) List() []*Conversation {
	s.mu.RLock()
	result := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c)
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].createdAt.Equal(result[j].createdAt) {
			return result[i].id < result[j].id
		}
		return result[i].createdAt.Before(result[j].createdAt)
	})
	return result
}

// Len returns the number of live conversations.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
