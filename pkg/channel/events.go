package channel

import "sync"

// subscriber is a listener receiving lifecycle events.
type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out lifecycle events (error, close, reconnect) to all
// subscribers. Thread-safe. Publish never blocks: subscribers that fall
// behind lose events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[*subscriber]struct{})}
}

// Publish sends an event to all subscribers.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// subscriber too slow — drop
		}
	}
}

// Subscribe creates a new subscriber. Returns a channel of events and a done
// channel to pass to Unsubscribe. Caller MUST call Unsubscribe when done.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 16), // buffered to absorb bursts
		done: make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber and closes its event channel.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}
