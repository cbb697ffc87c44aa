package session

import "sync"

// EventType classifies lifecycle events published on the Bus.
type EventType string

const (
	EventSaved     EventType = "saved"
	EventRefreshed EventType = "refreshed"
	EventCleared   EventType = "cleared"
	EventExpired   EventType = "expired"
)

// Event is what subscribers receive. Session is nil for clear/expire events.
type Event struct {
	Type    EventType
	Session *Session
}

const subscriptionBuffer = 16

// Bus is a typed publish/subscribe channel for session events. Delivery
// order across subscribers is unspecified; a slow subscriber loses events
// rather than blocking the publisher, so one stuck handler can never stall
// the lifecycle.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscription is the explicit handle returned to subscribers.
type Subscription struct {
	// C delivers events until Cancel is called.
	C <-chan Event

	cancel func()
	once   sync.Once
}

// Cancel removes the subscription and closes C. Safe to call twice.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriptionBuffer)
	b.subs[id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		},
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop for this subscriber.
		}
	}
}
