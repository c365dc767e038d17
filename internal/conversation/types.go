// ABOUTME: Join modes, ending types and lifecycle errors for conversations
// ABOUTME: ErrIllegalState is the single error kind for invalid transitions

package conversation

import (
	"errors"
	"fmt"
)

// JoinMode selects how a new conversation relates to the current one.
type JoinMode string

const (
	JoinNew      JoinMode = "new"      // Fresh root, replaces the scope chain
	JoinRoot     JoinMode = "root"     // Fresh root, only when nothing is current
	JoinNested   JoinMode = "nested"   // Child of the current conversation
	JoinIsolated JoinMode = "isolated" // Child that does not see its parent's attributes
	JoinJoined   JoinMode = "joined"   // Reuse the current conversation, or start a root
)

// ParseJoinMode converts a string into a JoinMode.
func ParseJoinMode(s string) (JoinMode, error) {
	switch m := JoinMode(s); m {
	case JoinNew, JoinRoot, JoinNested, JoinIsolated, JoinJoined:
		return m, nil
	}
	return "", fmt.Errorf("unknown join mode %q", s)
}

// EndingType records why a conversation ended. It does not change nesting
// rules; observers use it to decide what to do with the attributes.
type EndingType string

const (
	EndSuccess   EndingType = "success"
	EndFailure   EndingType = "failure"
	EndCancelled EndingType = "cancelled"
	EndTimeout   EndingType = "timeout"
)

var (
	// ErrIllegalState is the kind shared by every invalid lifecycle transition.
	ErrIllegalState = errors.New("illegal conversation state")

	// ErrDuplicateConversation is returned when a store already holds the id.
	ErrDuplicateConversation = fmt.Errorf("%w: duplicate conversation id", ErrIllegalState)

	// ErrNoScope is returned when the context carries no Scope.
	ErrNoScope = errors.New("no conversation scope in context")

	// ErrNotFound is returned when a conversation id is not live in the store.
	ErrNotFound = errors.New("conversation not found")
)

// Operations reported by TransitionError.
const (
	OpBegin     = "begin"
	OpEnd       = "end"
	OpResume    = "resume"
	OpAttribute = "attribute"
)

// TransitionError describes a rejected lifecycle transition.
type TransitionError struct {
	Op             string
	ConversationID string
	Reason         string
}

func (e *TransitionError) Error() string {
	if e.ConversationID == "" {
		return fmt.Sprintf("conversation %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("conversation %s %s: %s", e.Op, e.ConversationID, e.Reason)
}

// Is reports ErrIllegalState so callers can use errors.Is.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalState
}

func illegal(op, id, format string, args ...any) error {
	return &TransitionError{Op: op, ConversationID: id, Reason: fmt.Sprintf(format, args...)}
}
