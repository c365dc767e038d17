// ABOUTME: Per-execution-context scope chain and the resolver reading it
// ABOUTME: WithScope/ScopeFromContext propagate the chain through context.Context

package conversation

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Scope is the stack of conversation ids for one execution context, usually
// one in-flight request. The top is the current conversation. Only the
// Manager pushes and pops.
type Scope struct {
	id    string
	mu    sync.Mutex
	chain []string
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{id: uuid.New().String()}
}

// ID identifies the scope in logs and events.
func (s *Scope) ID() string { return s.id }

// Chain returns a copy of the ids, root first.
func (s *Scope) Chain() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chain)
}

// truncate drops id and everything above it. Callers hold mu.
func (s *Scope) truncate(id string) bool {
	i := slices.Index(s.chain, id)
	if i < 0 {
		return false
	}
	s.chain = s.chain[:i]
	return true
}

// scopeContextKey is the key type for storing a Scope in context.Context.
type scopeContextKey struct{}

// WithScope returns a new context with the Scope attached.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeContextKey{}, s)
}

// ScopeFromContext retrieves the Scope from the context, returning nil if
// not present.
func ScopeFromContext(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeContextKey{}).(*Scope)
	return s
}

// Resolver maps an execution context to its current conversation id.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver that validates ids against store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// CurrentID returns the id at the top of the context's scope chain.
func (r *Resolver) CurrentID(ctx context.Context) (string, bool) {
	s := ScopeFromContext(ctx)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := r.currentLocked(s)
	if c == nil {
		return "", false
	}
	return c.id, true
}

// currentLocked returns the top conversation, popping ids the store no
// longer holds so the chain never yields an ended conversation. Callers hold
// s.mu.
func (r *Resolver) currentLocked(s *Scope) *Conversation {
	for len(s.chain) > 0 {
		top := s.chain[len(s.chain)-1]
		if c := r.store.Get(top); c != nil {
			return c
		}
		s.chain = s.chain[:len(s.chain)-1]
	}
	return nil
}
