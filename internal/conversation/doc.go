// Package conversation manages long-lived, nested conversations and tracks
// which one is current for each execution context.
//
// # Scopes
//
// The request layer attaches a Scope to each execution context:
//
//	ctx = conversation.WithScope(ctx, conversation.NewScope())
//
// A Scope is a stack of conversation ids. Its top is the current
// conversation, read with Manager.Current or Resolver.CurrentID. Scopes never
// see each other's chains.
//
// # Join Modes
//
//	mgr.Begin(ctx, longRunning, conversation.JoinRoot)
//
//   - JoinRoot: new root, fails if a conversation is current
//   - JoinNew: new root, replaces the scope chain
//   - JoinNested: child of the current conversation, fails if none
//   - JoinIsolated: child that does not inherit parent attributes
//   - JoinJoined: reuse the current conversation, else start a root
//
// # Ending
//
// Conversation.End fails with ErrIllegalState while a nested conversation is
// live. When it succeeds the conversation leaves the Store, its attributes are
// detached and handed to observers, and every scope holding it falls back to
// the parent (or to no conversation for a root).
//
// # Temporary Conversations
//
// Manager.Attribute creates a temporary conversation when nothing is current,
// so attributes always have a home. EndTemporary ends it at the request
// boundary.
//
// # Errors
//
// Rejected transitions return *TransitionError, which matches ErrIllegalState
// under errors.Is:
//
//	if errors.Is(err, conversation.ErrIllegalState) { ... }
//
// # Events
//
// An EventBroadcaster passed to NewManager receives begun, joined, resumed
// and ended events. The ledger package persists them and the tombstone
// package remembers recent endings.
package conversation
