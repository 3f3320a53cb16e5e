package syncstate

import "sync"

// Observer receives every state published while it is subscribed.
// Implementations must be comparable (typically pointers); Unsubscribe matches by identity.
type Observer interface {
	OnState(State)
}

// Broadcaster owns the current state of the engine and fans each transition out to
// the subscribed observers, in transition order.
type Broadcaster struct {
	mu        sync.Mutex
	current   State
	observers []Observer
}

// NewBroadcaster returns a broadcaster whose current state is Initial.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{current: New(Manual)}
}

// Subscribe adds o. Subscribing the same observer twice has no effect.
func (b *Broadcaster) Subscribe(o Observer) {
	if o == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.observers {
		if existing == o {
			return
		}
	}
	b.observers = append(b.observers, o)
}

// Unsubscribe removes o.
func (b *Broadcaster) Unsubscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.observers {
		if existing == o {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

// Current returns the last published state.
func (b *Broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Publish replaces the current state with s and delivers it to every observer.
// Delivery happens under the lock so that concurrent publishers cannot reorder
// states seen by an observer; observers must not call back into the broadcaster.
func (b *Broadcaster) Publish(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = s
	for _, o := range b.observers {
		o.OnState(s)
	}
}

// Len returns the number of subscribed observers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.observers)
}
