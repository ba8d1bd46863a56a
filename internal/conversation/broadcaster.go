// ABOUTME: In-memory fan-out event broadcaster for operator clients
// ABOUTME: Publishes newly persisted messages to every subscriber of a topic

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

	// TopicNewMessage carries one event per first-time persisted message.
	TopicNewMessage = "newMessage"
)

// NewMessageEvent is the realtime payload for a persisted message.
type NewMessageEvent struct {
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventBroadcaster provides in-memory pub/sub for persisted messages.
// Subscribers register for a topic and receive events as they are
// published. Slow subscribers lose events rather than block the publisher.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *NewMessageEvent // topic -> subID -> ch
	logger      *slog.Logger
	dropped     func(topic string)
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *NewMessageEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// OnDrop registers a callback invoked whenever an event is dropped for a
// slow subscriber. Must be called before Publish is used.
func (b *EventBroadcaster) OnDrop(fn func(topic string)) {
	b.dropped = fn
}

// Subscribe registers a subscriber for events on the given topic.
// Returns a channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, topic string) (<-chan *NewMessageEvent, string) {
	subID := uuid.New().String()
	ch := make(chan *NewMessageEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan *NewMessageEvent)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(ctx context.Context, topic string, event *NewMessageEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends are non-blocking, so holding the read lock keeps Unsubscribe
	// from closing a channel mid-send.
	for _, ch := range b.subscribers[topic] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"topic", topic,
				"message_id", event.MessageID)
			if b.dropped != nil {
				b.dropped(topic)
			}
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions across all topics.
func (b *EventBroadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("broadcaster closed")
}
