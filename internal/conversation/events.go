// ABOUTME: In-memory fan-out of conversation lifecycle events
// ABOUTME: Observers learn about begin/join/resume/end and see attributes on ending

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	EventBegun   EventType = "begun"
	EventJoined  EventType = "joined"
	EventResumed EventType = "resumed"
	EventEnded   EventType = "ended"
)

// Event describes one accepted lifecycle transition.
type Event struct {
	ID             string
	Type           EventType
	ConversationID string
	ParentID       string // empty for roots
	ScopeID        string // empty when ended outside a scope
	Temporary      bool
	LongRunning    bool
	JoinMode       JoinMode   // set for begun and joined
	EndingType     EndingType // set for ended
	// Attributes holds the detached attributes of an ended conversation.
	// Observers may use it together with EndingType, e.g. to roll back
	// on EndFailure. Nil for other event types.
	Attributes map[string]any
	Timestamp  time.Time
}

// EventBroadcaster provides in-memory pub/sub for lifecycle events.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber and returns its channel and subscription
// ID. The subscription is removed when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber without blocking. Events are
// dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropped event for slow subscriber",
				"sub_id", subID,
				"event_type", event.Type,
				"conversation_id", event.ConversationID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes all subscriber channels. Later subscriptions get a closed
// channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
