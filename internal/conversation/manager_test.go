// ABOUTME: Tests for the conversation Manager state machine
// ABOUTME: Covers join modes, nesting on end, temporary conversations, scopes and concurrency

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testBean struct {
	name string
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store, nil, nil), store
}

func scoped(t *testing.T) context.Context {
	t.Helper()
	return WithScope(t.Context(), NewScope())
}

func beanFactory() (any, error) {
	return &testBean{}, nil
}

func TestManager_TemporaryConversation(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	bean, err := mgr.Attribute(ctx, "testBean", beanFactory)
	require.NoError(t, err)
	require.NotNil(t, bean)
	assert.Empty(t, bean.(*testBean).name)

	id, ok := mgr.Resolver().CurrentID(ctx)
	require.True(t, ok)

	conv := store.Get(id)
	require.NotNil(t, conv)
	assert.True(t, conv.IsTemporary())

	attr, ok, err := conv.Attribute("testBean")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, bean, attr)

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	_, ok = mgr.Resolver().CurrentID(ctx)
	assert.False(t, ok)
}

func TestManager_NewConversation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinNew)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.False(t, conv.IsTemporary())
	assert.Same(t, conv, mgr.Current(ctx))

	bean, err := mgr.Attribute(ctx, "testBean", beanFactory)
	require.NoError(t, err)
	assert.NotNil(t, bean)

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	_, ok := mgr.Resolver().CurrentID(ctx)
	assert.False(t, ok)
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_RootConversation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	assert.False(t, conv.IsTemporary())
	assert.Same(t, conv, mgr.Current(ctx))

	_, err = mgr.Attribute(ctx, "testBean", beanFactory)
	require.NoError(t, err)

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_RootConversationFailure(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	assert.Same(t, conv, mgr.Current(ctx))

	second, err := mgr.Begin(ctx, false, JoinRoot)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Nil(t, second)

	// A stays current and live
	assert.Same(t, conv, mgr.Current(ctx))
	assert.False(t, conv.IsEnded())

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_NestedConversation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	assert.Same(t, conv, mgr.Current(ctx))

	bean, err := mgr.Attribute(ctx, "testBean", beanFactory)
	require.NoError(t, err)

	nested, err := mgr.Begin(ctx, false, JoinNested)
	require.NoError(t, err)
	assert.Same(t, nested, mgr.Current(ctx))
	assert.NotSame(t, conv, nested)
	assert.Same(t, conv, nested.Parent())

	again, err := mgr.Attribute(ctx, "testBean", beanFactory)
	require.NoError(t, err)
	assert.Same(t, bean, again, "nested conversation should see the parent's bean")

	require.NoError(t, nested.End(EndSuccess))
	assert.Same(t, conv, mgr.Current(ctx))

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	assert.True(t, nested.IsEnded())
	_, ok := mgr.Resolver().CurrentID(ctx)
	assert.False(t, ok)
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_NestedConversationEndingFailure(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, conv.SetAttribute("x", 1))

	nested, err := mgr.Begin(ctx, false, JoinNested)
	require.NoError(t, err)

	err = conv.End(EndSuccess)
	require.ErrorIs(t, err, ErrIllegalState)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, OpEnd, te.Op)
	assert.Equal(t, conv.ID(), te.ConversationID)

	// Nothing changed
	assert.False(t, conv.IsEnded())
	assert.NotNil(t, store.Get(conv.ID()))
	assert.Same(t, nested, mgr.Current(ctx))
	v, ok, err := conv.Attribute("x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, nested.End(EndSuccess))
	assert.Same(t, conv, mgr.Current(ctx))

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	assert.True(t, nested.IsEnded())
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_ScenarioRootNestedEnd(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	root, err := mgr.Begin(ctx, true, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, root.SetAttribute("x", "value"))

	nested, err := mgr.Begin(ctx, false, JoinNested)
	require.NoError(t, err)

	require.NoError(t, nested.End(EndSuccess))
	id, ok := mgr.Resolver().CurrentID(ctx)
	require.True(t, ok)
	assert.Equal(t, root.ID(), id)

	require.NoError(t, root.End(EndSuccess))
	_, ok = mgr.Resolver().CurrentID(ctx)
	assert.False(t, ok)
	assert.True(t, root.IsEnded())
	assert.True(t, nested.IsEnded())
	assert.Nil(t, store.Get(root.ID()))
	assert.Nil(t, store.Get(nested.ID()))
	assert.Zero(t, store.Len())
}

func TestManager_BeginPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, mgr *Manager, ctx context.Context)
		mode    JoinMode
		wantErr bool
	}{
		{"root with nothing current", nil, JoinRoot, false},
		{"root while root current", beginMode(JoinRoot), JoinRoot, true},
		{"root while temporary current", beginTemporary, JoinRoot, true},
		{"root while nested current", beginChain(JoinRoot, JoinNested), JoinRoot, true},
		{"nested with nothing current", nil, JoinNested, true},
		{"nested while root current", beginMode(JoinRoot), JoinNested, false},
		{"nested while temporary current", beginTemporary, JoinNested, false},
		{"nested while nested current", beginChain(JoinRoot, JoinNested), JoinNested, false},
		{"isolated with nothing current", nil, JoinIsolated, true},
		{"isolated while root current", beginMode(JoinRoot), JoinIsolated, false},
		{"new with nothing current", nil, JoinNew, false},
		{"new while nested current", beginChain(JoinRoot, JoinNested), JoinNew, false},
		{"joined with nothing current", nil, JoinJoined, false},
		{"joined while root current", beginMode(JoinRoot), JoinJoined, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, _ := newTestManager(t)
			ctx := scoped(t)
			if tt.setup != nil {
				tt.setup(t, mgr, ctx)
			}

			conv, err := mgr.Begin(ctx, false, tt.mode)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrIllegalState)
				assert.Nil(t, conv)
				return
			}
			require.NoError(t, err)
			assert.Same(t, conv, mgr.Current(ctx))
			assert.False(t, conv.IsTemporary())
		})
	}
}

func beginMode(mode JoinMode) func(t *testing.T, mgr *Manager, ctx context.Context) {
	return beginChain(mode)
}

func beginChain(modes ...JoinMode) func(t *testing.T, mgr *Manager, ctx context.Context) {
	return func(t *testing.T, mgr *Manager, ctx context.Context) {
		for _, mode := range modes {
			_, err := mgr.Begin(ctx, false, mode)
			require.NoError(t, err)
		}
	}
}

func beginTemporary(t *testing.T, mgr *Manager, ctx context.Context) {
	c, err := mgr.CurrentOrTemporary(ctx)
	require.NoError(t, err)
	require.True(t, c.IsTemporary())
}

func TestManager_UnknownJoinMode(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	_, err := mgr.Begin(ctx, false, JoinMode("sideways"))
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Zero(t, store.Len())
}

func TestManager_NewReplacesChain(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	a, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	a1, err := mgr.Begin(ctx, false, JoinNested)
	require.NoError(t, err)

	b, err := mgr.Begin(ctx, false, JoinNew)
	require.NoError(t, err)
	assert.Nil(t, b.Parent())
	assert.Same(t, b, mgr.Current(ctx))
	assert.Equal(t, []string{b.ID()}, ScopeFromContext(ctx).Chain())

	require.NoError(t, b.End(EndSuccess))
	assert.Nil(t, mgr.Current(ctx), "ending the new root must not restore the replaced chain")

	// The replaced chain stays live and can be re-entered
	assert.NotNil(t, store.Get(a.ID()))
	assert.NotNil(t, store.Get(a1.ID()))

	resumed, err := mgr.Resume(ctx, a1.ID())
	require.NoError(t, err)
	assert.Same(t, a1, resumed)
	assert.Equal(t, []string{a.ID(), a1.ID()}, ScopeFromContext(ctx).Chain())

	require.NoError(t, a1.End(EndSuccess))
	assert.Same(t, a, mgr.Current(ctx))
	require.NoError(t, a.End(EndSuccess))
	assert.Nil(t, mgr.Current(ctx))
}

func TestManager_JoinedReusesCurrent(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	temp, err := mgr.CurrentOrTemporary(ctx)
	require.NoError(t, err)
	require.True(t, temp.IsTemporary())

	joined, err := mgr.Begin(ctx, false, JoinJoined)
	require.NoError(t, err)
	assert.Same(t, temp, joined)
	assert.False(t, joined.IsTemporary(), "joining promotes a temporary conversation")
	assert.Equal(t, 1, store.Len())

	// A promoted conversation is no longer ended by the request boundary
	require.NoError(t, mgr.EndTemporary(ctx, EndSuccess))
	assert.False(t, joined.IsEnded())
	require.NoError(t, joined.End(EndSuccess))
}

func TestManager_IsolatedDoesNotInherit(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	root, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, root.SetAttribute("shared", "root"))

	nested, err := mgr.Begin(ctx, false, JoinNested)
	require.NoError(t, err)
	isolated, err := mgr.Begin(ctx, false, JoinIsolated)
	require.NoError(t, err)
	assert.True(t, isolated.IsIsolated())
	assert.Equal(t, 2, isolated.Depth())

	v, ok, err := nested.Attribute("shared")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "root", v)

	_, ok, err = isolated.Attribute("shared")
	require.NoError(t, err)
	assert.False(t, ok)

	// The factory runs again inside the isolated conversation
	created := 0
	factory := func() (any, error) {
		created++
		return created, nil
	}
	got, err := mgr.Attribute(ctx, "counter", factory)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
	_, ok, err = nested.Attribute("counter")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, isolated.End(EndSuccess))
	require.NoError(t, nested.End(EndSuccess))
	require.NoError(t, root.End(EndSuccess))
}

func TestManager_EndTwiceFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, conv.End(EndFailure))

	err = conv.End(EndSuccess)
	require.ErrorIs(t, err, ErrIllegalState)
	assert.Equal(t, EndFailure, conv.EndingType())
}

func TestManager_AttributeAccessAfterEnd(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, conv.SetAttribute("x", 42))

	v, ok, err := conv.Attribute("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 42, v)

	require.NoError(t, conv.End(EndSuccess))
	assert.True(t, conv.IsEnded())
	assert.Nil(t, store.Get(conv.ID()))

	_, _, err = conv.Attribute("x")
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.ErrorIs(t, conv.SetAttribute("x", 1), ErrIllegalState)
	_, err = conv.RemoveAttribute("x")
	assert.ErrorIs(t, err, ErrIllegalState)
	assert.Empty(t, conv.AttributeNames())
}

type releaseRecorder struct {
	mu    sync.Mutex
	types []EndingType
	err   error
}

func (r *releaseRecorder) Release(t EndingType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, t)
	return r.err
}

func TestManager_EndReleasesAttributes(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)

	tx := &releaseRecorder{}
	failing := &releaseRecorder{err: fmt.Errorf("rollback failed")}
	require.NoError(t, conv.SetAttribute("tx", tx))
	require.NoError(t, conv.SetAttribute("broken", failing))
	require.NoError(t, conv.SetAttribute("plain", "value"))

	// Release errors are logged, not returned
	require.NoError(t, conv.End(EndFailure))
	assert.Equal(t, []EndingType{EndFailure}, tx.types)
	assert.Equal(t, []EndingType{EndFailure}, failing.types)
}

func TestManager_EndPublishesDetachedAttributes(t *testing.T) {
	events := NewEventBroadcaster(nil)
	defer events.Close()
	mgr := NewManager(NewMemoryStore(), events, nil)
	ctx := scoped(t)

	ch, _ := events.Subscribe(t.Context())

	conv, err := mgr.Begin(ctx, true, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, conv.SetAttribute("order", "o-1"))
	require.NoError(t, conv.End(EndFailure))

	begun := receiveEvent(t, ch)
	assert.Equal(t, EventBegun, begun.Type)
	assert.Equal(t, conv.ID(), begun.ConversationID)
	assert.Equal(t, JoinRoot, begun.JoinMode)
	assert.True(t, begun.LongRunning)
	assert.Equal(t, ScopeFromContext(ctx).ID(), begun.ScopeID)

	ended := receiveEvent(t, ch)
	assert.Equal(t, EventEnded, ended.Type)
	assert.Equal(t, EndFailure, ended.EndingType)
	assert.Equal(t, map[string]any{"order": "o-1"}, ended.Attributes)
}

func receiveEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestManager_NoScope(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := t.Context()

	_, err := mgr.Begin(ctx, false, JoinRoot)
	assert.ErrorIs(t, err, ErrNoScope)
	_, err = mgr.Attribute(ctx, "bean", beanFactory)
	assert.ErrorIs(t, err, ErrNoScope)
	_, err = mgr.Resume(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoScope)
	assert.Nil(t, mgr.Current(ctx))
	assert.NoError(t, mgr.EndTemporary(ctx, EndSuccess))

	_, ok := mgr.Resolver().CurrentID(ctx)
	assert.False(t, ok)
}

func TestManager_ScopesAreIsolated(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx1 := scoped(t)
	ctx2 := scoped(t)

	a, err := mgr.Begin(ctx1, false, JoinRoot)
	require.NoError(t, err)
	assert.Nil(t, mgr.Current(ctx2))

	// ROOT in the second scope is not blocked by the first
	b, err := mgr.Begin(ctx2, false, JoinRoot)
	require.NoError(t, err)
	assert.Same(t, a, mgr.Current(ctx1))
	assert.Same(t, b, mgr.Current(ctx2))

	_, err = mgr.Begin(scoped(t), false, JoinNested)
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, a.End(EndSuccess))
	assert.Nil(t, mgr.Current(ctx1))
	assert.Same(t, b, mgr.Current(ctx2))
	require.NoError(t, b.End(EndSuccess))
}

func TestManager_ResumeSharedConversation(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx1 := scoped(t)
	ctx2 := scoped(t)

	a, err := mgr.Begin(ctx1, true, JoinRoot)
	require.NoError(t, err)

	resumed, err := mgr.Resume(ctx2, a.ID())
	require.NoError(t, err)
	assert.Same(t, a, resumed)
	assert.Same(t, a, mgr.Current(ctx2))

	child, err := mgr.Begin(ctx2, false, JoinNested)
	require.NoError(t, err)
	assert.Same(t, a, mgr.Current(ctx1), "nesting in one scope does not move another")

	require.ErrorIs(t, a.End(EndSuccess), ErrIllegalState)

	require.NoError(t, child.End(EndSuccess))
	assert.Same(t, a, mgr.Current(ctx2))

	require.NoError(t, a.End(EndSuccess))
	assert.Nil(t, mgr.Current(ctx1))
	assert.Nil(t, mgr.Current(ctx2))
	assert.Empty(t, ScopeFromContext(ctx1).Chain())
	assert.Empty(t, ScopeFromContext(ctx2).Chain())
}

func TestManager_ResumeUnknown(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, conv.End(EndSuccess))

	_, err = mgr.Resume(ctx, conv.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = mgr.Resume(ctx, "no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_EndTemporary(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	temp, err := mgr.CurrentOrTemporary(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.EndTemporary(ctx, EndSuccess))
	assert.True(t, temp.IsEnded())
	assert.Nil(t, mgr.Current(ctx))

	explicit, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	require.NoError(t, mgr.EndTemporary(ctx, EndSuccess))
	assert.False(t, explicit.IsEnded())

	// Nothing current is fine at a request boundary
	require.NoError(t, explicit.End(EndSuccess))
	assert.NoError(t, mgr.EndTemporary(ctx, EndSuccess))
}

func TestManager_AttributeFactoryError(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := scoped(t)

	boom := errors.New("boom")
	_, err := mgr.Attribute(ctx, "bean", func() (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	// The temporary conversation exists but holds nothing
	conv := mgr.Current(ctx)
	require.NotNil(t, conv)
	assert.Empty(t, conv.AttributeNames())
}

func TestManager_LastAccessTouched(t *testing.T) {
	mgr, _ := newTestManager(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }
	ctx := scoped(t)

	conv, err := mgr.Begin(ctx, false, JoinRoot)
	require.NoError(t, err)
	assert.Equal(t, now, conv.CreatedAt())
	assert.Equal(t, now, conv.LastAccess())

	now = now.Add(time.Minute)
	mgr.Current(ctx)
	assert.Equal(t, now, conv.LastAccess())

	now = now.Add(time.Minute)
	_, _, err = conv.Attribute("x")
	require.NoError(t, err)
	assert.Equal(t, now.Add(-time.Minute), conv.LastAccess(), "reads do not touch")

	require.NoError(t, conv.SetAttribute("x", 1))
	assert.Equal(t, now, conv.LastAccess())
}

func TestManager_ConcurrentScopes(t *testing.T) {
	mgr, store := newTestManager(t)

	const workers = 50
	var wg sync.WaitGroup
	ids := make(chan string, workers*2)
	errs := make(chan error, workers)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithScope(context.Background(), NewScope())

			root, err := mgr.Begin(ctx, false, JoinRoot)
			if err != nil {
				errs <- err
				return
			}
			nested, err := mgr.Begin(ctx, false, JoinNested)
			if err != nil {
				errs <- err
				return
			}
			ids <- root.ID()
			ids <- nested.ID()

			if err := nested.SetAttribute("worker", i); err != nil {
				errs <- err
				return
			}
			if mgr.Current(ctx) != nested {
				errs <- fmt.Errorf("worker %d sees a foreign current conversation", i)
				return
			}
			if err := nested.End(EndSuccess); err != nil {
				errs <- err
				return
			}
			if mgr.Current(ctx) != root {
				errs <- fmt.Errorf("worker %d: parent not restored", i)
				return
			}
			if err := root.End(EndSuccess); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	close(ids)

	for err := range errs {
		t.Error(err)
	}

	seen := make(map[string]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, workers*2)
	assert.Zero(t, store.Len())
}

func TestManager_ConcurrentAttributeOnSharedConversation(t *testing.T) {
	mgr, _ := newTestManager(t)
	shared, err := mgr.Begin(scoped(t), true, JoinRoot)
	require.NoError(t, err)

	const workers = 20
	var wg sync.WaitGroup
	got := make([]any, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithScope(context.Background(), NewScope())
			if _, err := mgr.Resume(ctx, shared.ID()); err != nil {
				t.Error(err)
				return
			}
			v, err := mgr.Attribute(ctx, "bean", beanFactory)
			if err != nil {
				t.Error(err)
				return
			}
			got[i] = v
			if err := shared.SetAttribute(fmt.Sprintf("k%d", i), i); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, got[0], got[i], "every scope must see the same bean")
	}
	assert.Len(t, shared.AttributeNames(), workers+1)
	require.NoError(t, shared.End(EndSuccess))
}

func TestManager_ConcurrentEndAndNest(t *testing.T) {
	mgr, store := newTestManager(t)

	for range 20 {
		root, err := mgr.Begin(scoped(t), false, JoinRoot)
		require.NoError(t, err)

		ctx := scoped(t)
		_, err = mgr.Resume(ctx, root.ID())
		require.NoError(t, err)

		var wg sync.WaitGroup
		var endErr, nestErr error
		var child *Conversation
		wg.Add(2)
		go func() {
			defer wg.Done()
			endErr = root.End(EndSuccess)
		}()
		go func() {
			defer wg.Done()
			child, nestErr = mgr.Begin(ctx, false, JoinNested)
		}()
		wg.Wait()

		// Either the child won and the end was rejected, or the end won and
		// the child was never created under it.
		if endErr == nil {
			assert.True(t, root.IsEnded())
			if nestErr == nil {
				t.Fatalf("child %s created under ended parent", child.ID())
			}
			assert.ErrorIs(t, nestErr, ErrIllegalState)
			continue
		}
		require.ErrorIs(t, endErr, ErrIllegalState)
		require.NoError(t, nestErr)
		require.NoError(t, child.End(EndSuccess))
		require.NoError(t, root.End(EndSuccess))
	}
	assert.Zero(t, store.Len())
}
