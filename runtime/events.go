package runtime

import (
	"sync"
	"time"

	"github.com/codyaverett/wasm-container/api"
)

// EventBus fans lifecycle and network events out to subscribers.
// Publishing never blocks; slow subscribers lose events.
type EventBus struct {
	mu          sync.Mutex
	subscribers map[string]chan api.Event
	closed      bool
}

// NewEventBus creates a new EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan api.Event)}
}

// Publish sends an event to all subscribers.
func (eb *EventBus) Publish(event api.Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe creates a new subscription and returns an event channel.
func (eb *EventBus) Subscribe(id string) <-chan api.Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan api.Event, 64)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (eb *EventBus) Unsubscribe(id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if ch, ok := eb.subscribers[id]; ok {
		close(ch)
		delete(eb.subscribers, id)
	}
}

// Close shuts down the bus and closes all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.closed = true
	for id, ch := range eb.subscribers {
		close(ch)
		delete(eb.subscribers, id)
	}
}

func (c *Controller) emit(action, id string, attrs map[string]string) {
	c.events.Publish(api.Event{
		Type:   "container",
		Action: action,
		ID:     id,
		Attrs:  attrs,
		Time:   time.Now().UTC(),
	})
}
