package statemachine

import (
	"slices"
	"sync"

	"github.com/lxc/updates-client/api"
)

// Listener receives state change events. It must not block or subscribe from within the callback.
type Listener func(event api.StateChangeEvent)

// Broadcaster delivers state change events to listeners, in order, and replays the
// latest event to every new listener.
type Broadcaster struct {
	// deliverMu serializes deliveries so that no two emissions interleave.
	deliverMu sync.Mutex

	mu        sync.Mutex
	latest    api.StateChangeEvent
	listeners map[int]Listener
	nextID    int
}

// NewBroadcaster returns a broadcaster seeded with the initial snapshot.
func NewBroadcaster(initial api.StateChangeEvent) *Broadcaster {
	return &Broadcaster{
		latest:    initial,
		listeners: map[int]Listener{},
	}
}

// Subscribe registers a listener and immediately hands it the latest event.
// The returned function unregisters the listener.
func (b *Broadcaster) Subscribe(listener Listener) func() {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = listener
	latest := b.latest
	b.mu.Unlock()

	listener(latest)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.listeners, id)
	}
}

// Latest returns the last broadcast event.
func (b *Broadcaster) Latest() api.StateChangeEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.latest
}

// Publish records the event as the latest one and synchronously delivers it to all listeners.
func (b *Broadcaster) Publish(event api.StateChangeEvent) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	b.latest = event

	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}

	// Deliver in registration order.
	slices.Sort(ids)

	listeners := make([]Listener, 0, len(ids))

	for _, id := range ids {
		listeners = append(listeners, b.listeners[id])
	}

	b.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
