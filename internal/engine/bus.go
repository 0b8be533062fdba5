// Package engine provides the typed publish/subscribe event bus.
package engine

import (
	"log/slog"
	"sync"

	"github.com/ReplayDeck/ReplayPipe/internal/models"
)

// Handler receives one playback event. Delivery is synchronous, in
// subscription order, on the logical tick that produced the event. Handlers
// must not call control methods of the orchestrator that delivered the event,
// and must not mutate the payload.
type Handler func(models.ConversationEvent)

type subscription struct {
	id      int64
	handler Handler
}

// Bus is the playback event channel. Events are not buffered: a subscriber
// that joins after an event was emitted never receives it retroactively.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID int64
	closed bool
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns its unsubscribe function.
// Unsubscribing twice is harmless.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	slog.Debug("Bus subscriber added", "id", id, "count", len(b.subs))
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i := range b.subs {
			if b.subs[i].id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				slog.Debug("Bus subscriber removed", "id", id, "count", len(b.subs))
				return
			}
		}
	}
}

// SubscriberCount returns the number of registered handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit delivers the event to every subscriber in subscription order. A
// panicking subscriber is recovered and logged; it never breaks delivery to
// subsequent subscribers.
func (b *Bus) Emit(evt models.ConversationEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		deliver(sub, evt)
	}
}

func deliver(sub subscription, evt models.ConversationEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Bus subscriber panicked", "subscriber_id", sub.id, "event_type", evt.Type, "panic", r)
		}
	}()
	sub.handler(evt)
}

// Close drops all subscribers and rejects further emissions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	slog.Debug("Bus closed")
}
