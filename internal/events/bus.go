// ABOUTME: Typed in-memory pub/sub bus keyed by topic with explicit unsubscribe handles
// ABOUTME: Fans out realtime events, connection states, and engine notices to subscribers

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Bus is a topic-keyed publish/subscribe fan-out for values of type T.
// Values are delivered to each subscriber in publish order. Delivery is
// non-blocking: a subscriber that falls a full buffer behind starts losing
// values rather than stalling publishers.
type Bus[T any] struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan T // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus. Pass nil logger for default.
func NewBus[T any](logger *slog.Logger) *Bus[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		subscribers: make(map[string]map[string]chan T),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for values published on topic. Returns a
// receive channel and a subscription ID for later unsubscription. The
// subscription is automatically cleaned up when ctx is cancelled.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string) (<-chan T, string) {
	subID := uuid.New().String()
	ch := make(chan T, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan T)
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

// Publish sends value to every subscriber of topic. Non-blocking: the value
// is dropped for subscribers whose channels are full. Sends happen under the
// read lock so they can never race an Unsubscribe or Close closing a channel.
func (b *Bus[T]) Publish(topic string, value T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		return
	}

	for subID, ch := range subs {
		select {
		case ch <- value:
			// Sent
		default:
			b.logger.Debug("dropped value for slow subscriber",
				"topic", topic,
				"sub_id", subID)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus[T]) Unsubscribe(topic, subID string) {
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

	// Clean up empty topic entries
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels. Subsequent
// Subscribe calls return an already-closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}

	b.logger.Debug("bus closed")
}
