package cache

import "sync"

// State describes the connection lifecycle of the client
type State int32

const (
	StateUninitialized State = iota
	StateConnecting
	StateReady
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "uninitialized"
	}
}

// StateEvent is delivered to watchers on every state transition
type StateEvent struct {
	State State
	// Addr is the backend address involved, when known
	Addr string
	// Err carries the failure for StateFailed transitions
	Err error
}

// Subscription is a handle to a stream of state events. Unsubscribe is
// idempotent and closes the channel, so a range over Events terminates.
type Subscription struct {
	events chan StateEvent
	cancel func()
	once   sync.Once
}

// Events returns the event channel
func (s *Subscription) Events() <-chan StateEvent {
	return s.events
}

// Unsubscribe deregisters the watcher and closes the event channel
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// watchRegistry fan-outs state events to subscribers without ever
// blocking the connection path: a slow watcher loses events.
type watchRegistry struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*Subscription
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{subs: make(map[int]*Subscription)}
}

func (r *watchRegistry) subscribe() *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	sub := &Subscription{events: make(chan StateEvent, 16)}
	sub.cancel = func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
		close(sub.events)
	}
	r.subs[id] = sub
	return sub
}

func (r *watchRegistry) publish(ev StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs {
		select {
		case sub.events <- ev:
		default:
			// Watcher is not keeping up; drop rather than stall
		}
	}
}

func (r *watchRegistry) closeAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
