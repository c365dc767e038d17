// ABOUTME: Manager drives the conversation lifecycle state machine
// ABOUTME: Sole mutator of scope chains; enforces join modes and nesting on end

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Manager begins and ends conversations. Every Scope moves between NONE (empty
// chain) and IN_CONVERSATION (top of chain is current).
type Manager struct {
	store    Store
	resolver *Resolver
	events   *EventBroadcaster
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager creates a Manager over store. events may be nil when nobody
// observes lifecycle transitions. Pass nil logger for default.
func NewManager(store Store, events *EventBroadcaster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		resolver: NewResolver(store),
		events:   events,
		logger:   logger.With("component", "conversation"),
		now:      time.Now,
	}
}

// Resolver returns the resolver reading this manager's scope chains.
func (m *Manager) Resolver() *Resolver { return m.resolver }

// Lookup returns a live conversation by id, or nil.
func (m *Manager) Lookup(id string) *Conversation { return m.store.Get(id) }

// Conversations returns all live conversations across every scope.
func (m *Manager) Conversations() []*Conversation { return m.store.List() }

// Begin starts a conversation in the context's scope according to mode and
// makes it current. longRunning is recorded for later inspection only.
//
//   - JoinNew always starts a root and replaces the scope chain.
//   - JoinRoot starts a root and fails if a conversation is current.
//   - JoinNested and JoinIsolated start a child of the current conversation
//     and fail if nothing is current.
//   - JoinJoined returns the current conversation, promoting a temporary one,
//     and only starts a root when nothing is current.
func (m *Manager) Begin(ctx context.Context, longRunning bool, mode JoinMode) (*Conversation, error) {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil, ErrNoScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := m.resolver.currentLocked(s)

	switch mode {
	case JoinRoot:
		if current != nil {
			return nil, illegal(OpBegin, current.id, "a conversation is already current, cannot begin a root")
		}
		return m.beginRootLocked(s, longRunning, false, mode)

	case JoinNew:
		return m.beginRootLocked(s, longRunning, false, mode)

	case JoinNested, JoinIsolated:
		if current == nil {
			return nil, illegal(OpBegin, "", "no current conversation to nest under")
		}
		return m.beginNestedLocked(s, current, longRunning, mode)

	case JoinJoined:
		if current == nil {
			return m.beginRootLocked(s, longRunning, false, mode)
		}
		current.mu.Lock()
		current.temporary = false
		current.lastAccess = m.now()
		current.mu.Unlock()

		m.logger.Debug("joined conversation", "conversation_id", current.id, "scope_id", s.id)
		m.publish(current, EventJoined, s.id, mode, "", nil)
		return current, nil
	}

	return nil, illegal(OpBegin, "", "unknown join mode %q", mode)
}

// Current returns the context's current conversation, or nil.
func (m *Manager) Current(ctx context.Context) *Conversation {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := m.resolver.currentLocked(s)
	s.mu.Unlock()

	if c != nil {
		c.touch()
	}
	return c
}

// CurrentOrTemporary returns the current conversation, creating a temporary
// root when nothing is current.
func (m *Manager) CurrentOrTemporary(ctx context.Context) (*Conversation, error) {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil, ErrNoScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c := m.resolver.currentLocked(s); c != nil {
		c.touch()
		return c, nil
	}
	return m.beginRootLocked(s, false, true, "")
}

// Attribute returns the named attribute of the current conversation. When
// no conversation holds it, factory creates the value and it is stored in
// the current conversation, which is created as a temporary one if needed.
func (m *Manager) Attribute(ctx context.Context, name string, factory func() (any, error)) (any, error) {
	c, err := m.CurrentOrTemporary(ctx)
	if err != nil {
		return nil, err
	}

	v, ok, err := c.Attribute(name)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}

	created, err := factory()
	if err != nil {
		return nil, fmt.Errorf("creating attribute %q: %w", name, err)
	}
	return c.putIfAbsent(name, created)
}

// Resume makes an existing live conversation current in the context's scope.
// The chain is rebuilt from its root so ending it restores its parent. Two
// scopes may hold the same conversation this way.
func (m *Manager) Resume(ctx context.Context, id string) (*Conversation, error) {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil, ErrNoScope
	}
	c := m.store.Get(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var path []*Conversation
	for p := c; p != nil; p = p.parent {
		path = append(path, p)
	}
	ids := make([]string, len(path))
	for i, p := range path {
		ids[len(path)-1-i] = p.id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range path {
		if m.store.Get(p.id) == nil {
			return nil, illegal(OpResume, id, "conversation %s has ended", p.id)
		}
	}

	m.replaceChainLocked(s, ids)
	for _, p := range path {
		p.attach(s)
	}
	c.touch()

	m.logger.Debug("resumed conversation", "conversation_id", id, "scope_id", s.id, "depth", len(ids)-1)
	m.publish(c, EventResumed, s.id, "", "", nil)
	return c, nil
}

// EndTemporary ends the current conversation if it is temporary. Request
// boundaries call it so implicit conversations do not outlive the request.
func (m *Manager) EndTemporary(ctx context.Context, t EndingType) error {
	s := ScopeFromContext(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	c := m.resolver.currentLocked(s)
	s.mu.Unlock()

	if c == nil || !c.IsTemporary() {
		return nil
	}
	return c.End(t)
}

func (m *Manager) newConversation(parent *Conversation, temporary, longRunning, isolated bool) *Conversation {
	now := m.now()
	return &Conversation{
		id:          uuid.Must(uuid.NewV7()).String(),
		parent:      parent,
		manager:     m,
		temporary:   temporary,
		longRunning: longRunning,
		isolated:    isolated,
		createdAt:   now,
		attrs:       make(map[string]any),
		children:    make(map[string]*Conversation),
		scopes:      make(map[*Scope]struct{}),
		lastAccess:  now,
	}
}

// beginRootLocked creates a root and makes it the only entry of the chain.
// Callers hold s.mu.
func (m *Manager) beginRootLocked(s *Scope, longRunning, temporary bool, mode JoinMode) (*Conversation, error) {
	c := m.newConversation(nil, temporary, longRunning, false)
	if err := m.store.Put(c); err != nil {
		return nil, fmt.Errorf("storing conversation: %w", err)
	}
	m.replaceChainLocked(s, []string{c.id})
	c.attach(s)

	m.logger.Debug("conversation begun",
		"conversation_id", c.id,
		"scope_id", s.id,
		"join_mode", mode,
		"temporary", temporary,
		"long_running", longRunning)
	m.publish(c, EventBegun, s.id, mode, "", nil)
	return c, nil
}

// beginNestedLocked creates a child of parent and pushes it. Callers hold s.mu.
func (m *Manager) beginNestedLocked(s *Scope, parent *Conversation, longRunning bool, mode JoinMode) (*Conversation, error) {
	c := m.newConversation(parent, false, longRunning, mode == JoinIsolated)
	if err := parent.addChild(c); err != nil {
		return nil, err
	}
	if err := m.store.Put(c); err != nil {
		parent.removeChild(c.id)
		return nil, fmt.Errorf("storing conversation: %w", err)
	}
	s.chain = append(s.chain, c.id)
	c.attach(s)

	m.logger.Debug("nested conversation begun",
		"conversation_id", c.id,
		"parent_id", parent.id,
		"scope_id", s.id,
		"join_mode", mode,
		"long_running", longRunning)
	m.publish(c, EventBegun, s.id, mode, "", nil)
	return c, nil
}

// replaceChainLocked swaps the scope's chain, detaching the scope from the
// conversations it leaves behind. Callers hold s.mu.
func (m *Manager) replaceChainLocked(s *Scope, ids []string) {
	for _, id := range s.chain {
		if c := m.store.Get(id); c != nil {
			c.detach(s)
		}
	}
	s.chain = ids
}

// end validates and applies the ending of c. Nothing is mutated when the
// ending is rejected.
func (m *Manager) end(c *Conversation, t EndingType) error {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return illegal(OpEnd, c.id, "conversation has already ended")
	}
	if live := c.liveChildrenLocked(); len(live) > 0 {
		c.mu.Unlock()
		return illegal(OpEnd, c.id, "nested conversation %s is still active", live[0])
	}

	c.ended = true
	c.endingType = t
	attrs := c.attrs
	c.attrs = nil
	scopes := make([]*Scope, 0, len(c.scopes))
	for s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.scopes = nil
	m.store.Remove(c.id)
	c.mu.Unlock()

	if c.parent != nil {
		c.parent.removeChild(c.id)
	}
	// The resolver prunes removed ids lazily, so a scope observed between
	// the store removal and this loop already resolves to the parent.
	for _, s := range scopes {
		s.mu.Lock()
		s.truncate(c.id)
		s.mu.Unlock()
	}

	m.release(c, attrs, t)

	m.logger.Debug("conversation ended",
		"conversation_id", c.id,
		"ending_type", t,
		"temporary", c.IsTemporary(),
		"attributes", len(attrs))

	var scopeID string
	if len(scopes) == 1 {
		scopeID = scopes[0].id
	}
	m.publish(c, EventEnded, scopeID, "", t, attrs)
	return nil
}

// release calls Release on detached attribute values that implement Releaser.
func (m *Manager) release(c *Conversation, attrs map[string]any, t EndingType) {
	for name, v := range attrs {
		r, ok := v.(Releaser)
		if !ok {
			continue
		}
		if err := r.Release(t); err != nil {
			m.logger.Warn("attribute release failed",
				"conversation_id", c.id,
				"attribute", name,
				"ending_type", t,
				"error", err)
		}
	}
}

func (m *Manager) publish(c *Conversation, typ EventType, scopeID string, mode JoinMode, t EndingType, attrs map[string]any) {
	if m.events == nil {
		return
	}
	ev := &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: c.id,
		Temporary:      c.IsTemporary(),
		LongRunning:    c.longRunning,
		JoinMode:       mode,
		EndingType:     t,
		ScopeID:        scopeID,
		Attributes:     attrs,
		Timestamp:      m.now(),
	}
	if c.parent != nil {
		ev.ParentID = c.parent.id
	}
	m.events.Publish(ev)
}
