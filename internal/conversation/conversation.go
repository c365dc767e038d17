// ABOUTME: Conversation entity holding named attributes and its ending state
// ABOUTME: A node in a nesting chain; ended is monotonic and attributes die with it

package conversation

import (
	"sort"
	"sync"
	"time"
)

// Releaser is implemented by attribute values that need a callback once the
// conversation holding them has ended.
type Releaser interface {
	Release(t EndingType) error
}

// Conversation is a unit of state that spans several requests. Instances are
// created by a Manager and are safe for concurrent use.
type Conversation struct {
	id          string
	parent      *Conversation
	manager     *Manager
	temporary   bool
	longRunning bool
	isolated    bool
	createdAt   time.Time

	mu         sync.RWMutex
	attrs      map[string]any
	children   map[string]*Conversation
	scopes     map[*Scope]struct{}
	ended      bool
	endingType EndingType
	lastAccess time.Time
}

// ID returns the immutable conversation identifier.
func (c *Conversation) ID() string { return c.id }

// Parent returns the enclosing conversation, or nil for a root.
func (c *Conversation) Parent() *Conversation { return c.parent }

// Root walks up the parent chain.
func (c *Conversation) Root() *Conversation {
	r := c
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Depth is 0 for a root, 1 for its child and so on.
func (c *Conversation) Depth() int {
	d := 0
	for p := c.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

func (c *Conversation) IsLongRunning() bool { return c.longRunning }

// IsIsolated reports whether attribute lookups stop at this conversation.
func (c *Conversation) IsIsolated() bool { return c.isolated }

func (c *Conversation) CreatedAt() time.Time { return c.createdAt }

// IsTemporary reports whether the conversation was created implicitly.
func (c *Conversation) IsTemporary() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.temporary
}

// IsEnded reports whether End has succeeded.
func (c *Conversation) IsEnded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ended
}

// EndingType returns the type passed to End, or "" while live.
func (c *Conversation) EndingType() EndingType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endingType
}

// LastAccess returns the last time the conversation was written to or
// accessed through the Manager.
func (c *Conversation) LastAccess() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAccess
}

// Attribute returns the named value. Non-isolated nested conversations fall
// back to their parent chain when the name is not set locally.
func (c *Conversation) Attribute(name string) (any, bool, error) {
	for cur := c; cur != nil; cur = cur.parent {
		v, ok, err := cur.localAttribute(name)
		if err != nil || ok {
			return v, ok, err
		}
		if cur.isolated {
			break
		}
	}
	return nil, false, nil
}

func (c *Conversation) localAttribute(name string) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ended {
		return nil, false, illegal(OpAttribute, c.id, "conversation has ended")
	}
	v, ok := c.attrs[name]
	return v, ok, nil
}

// SetAttribute stores or replaces a value.
func (c *Conversation) SetAttribute(name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return illegal(OpAttribute, c.id, "conversation has ended")
	}
	c.attrs[name] = value
	c.lastAccess = c.manager.now()
	return nil
}

// RemoveAttribute deletes a local value and returns it.
func (c *Conversation) RemoveAttribute(name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, illegal(OpAttribute, c.id, "conversation has ended")
	}
	v := c.attrs[name]
	delete(c.attrs, name)
	c.lastAccess = c.manager.now()
	return v, nil
}

// AttributeNames lists local attribute names in sorted order.
func (c *Conversation) AttributeNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.attrs))
	for name := range c.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// End finishes the conversation. It fails while a nested conversation is
// still live, and on a conversation that has already ended.
func (c *Conversation) End(t EndingType) error {
	return c.manager.end(c, t)
}

// Get returns the named attribute converted to T. ok is false when the
// attribute is missing or holds a different type.
func Get[T any](c *Conversation, name string) (T, bool, error) {
	var zero T
	v, ok, err := c.Attribute(name)
	if err != nil || !ok {
		return zero, false, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false, nil
	}
	return typed, true, nil
}

func (c *Conversation) touch() {
	c.mu.Lock()
	c.lastAccess = c.manager.now()
	c.mu.Unlock()
}

// addChild registers a live child. Fails if c ended concurrently.
func (c *Conversation) addChild(child *Conversation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return illegal(OpBegin, c.id, "parent conversation has ended")
	}
	c.children[child.id] = child
	return nil
}

// liveChildrenLocked lists children that have not ended, sorted. Callers
// hold c.mu; a child is never locked while it waits on its parent.
func (c *Conversation) liveChildrenLocked() []string {
	var live []string
	for id, child := range c.children {
		if !child.IsEnded() {
			live = append(live, id)
		}
	}
	sort.Strings(live)
	return live
}

// putIfAbsent stores value under name unless a local value already exists,
// returning whichever value ends up stored.
func (c *Conversation) putIfAbsent(name string, value any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return nil, illegal(OpAttribute, c.id, "conversation has ended")
	}
	if existing, ok := c.attrs[name]; ok {
		return existing, nil
	}
	c.attrs[name] = value
	c.lastAccess = c.manager.now()
	return value, nil
}

func (c *Conversation) removeChild(id string) {
	c.mu.Lock()
	delete(c.children, id)
	c.mu.Unlock()
}

// attach and detach record the scopes whose chain holds c.
// Callers hold the scope lock.
func (c *Conversation) attach(s *Scope) {
	c.mu.Lock()
	if !c.ended {
		c.scopes[s] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *Conversation) detach(s *Scope) {
	c.mu.Lock()
	delete(c.scopes, s)
	c.mu.Unlock()
}
