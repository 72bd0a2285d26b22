package realtime

import (
	"slices"
	"sync"

	"github.com/HMasataka/quill/pkg/domain"
)

// ListenerFunc receives one event.
type ListenerFunc func(ev domain.Event)

// Listener is a registration handle. Identity is the pointer: adding the
// same *Listener twice delivers once, and removing it removes exactly that
// registration.
type Listener struct {
	Event domain.EventName
	fn    ListenerFunc
}

// NewListener binds fn to event
func NewListener(event domain.EventName, fn ListenerFunc) *Listener {
	return &Listener{Event: event, fn: fn}
}

// Call invokes the callback
func (l *Listener) Call(ev domain.Event) {
	if l.fn != nil {
		l.fn(ev)
	}
}

// Registry keeps listener registrations independently of any transport.
type Registry struct {
	mu        sync.RWMutex
	listeners map[domain.EventName][]*Listener
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		listeners: make(map[domain.EventName][]*Listener),
	}
}

// Add registers l. It reports false when l was already registered.
func (r *Registry) Add(l *Listener) bool {
	if l == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.listeners[l.Event] {
		if existing == l {
			return false
		}
	}
	r.listeners[l.Event] = append(r.listeners[l.Event], l)

	return true
}

// Remove unregisters l. It reports false when l was not registered.
func (r *Registry) Remove(l *Listener) bool {
	if l == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.listeners[l.Event]
	for i, existing := range list {
		if existing != l {
			continue
		}
		next := make([]*Listener, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, l.Event)
		} else {
			r.listeners[l.Event] = next
		}
		return true
	}

	return false
}

// Listeners returns the registrations for event in registration order.
// The slice is safe to iterate while the registry changes.
func (r *Registry) Listeners(event domain.EventName) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listeners[event]
}

// Len returns the total number of registrations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, list := range r.listeners {
		n += len(list)
	}
	return n
}

// Events returns the sorted event names with at least one registration
func (r *Registry) Events() []domain.EventName {
	r.mu.RLock()
	events := make([]domain.EventName, 0, len(r.listeners))
	for ev := range r.listeners {
		events = append(events, ev)
	}
	r.mu.RUnlock()

	slices.Sort(events)
	return events
}
