// Package eventbus is an in-process publish/subscribe bus for dev server
// lifecycle events.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Handler represents an event handler function
type Handler func(event *Event)

// Bus represents an event bus
type Bus interface {
	// Publish delivers an event to all subscribers before returning
	Publish(event *Event)

	// PublishAsync queues an event; it reports false when the queue is full
	PublishAsync(event *Event) bool

	// Subscribe subscribes to events of a specific type
	Subscribe(eventType EventType, handler Handler) string

	// SubscribeAll subscribes to all events
	SubscribeAll(handler Handler) string

	// Unsubscribe removes a subscription
	Unsubscribe(id string)

	Start(ctx context.Context)
	Stop()
}

type subscription struct {
	id        string
	eventType EventType
	all       bool
	handler   Handler
}

// InMemoryBus is an in-memory implementation of the event bus
type InMemoryBus struct {
	mu      sync.RWMutex
	subs    []*subscription
	queue   chan *Event
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bus = (*InMemoryBus)(nil)

// NewInMemoryBus creates a new in-memory event bus
func NewInMemoryBus(bufferSize int) *InMemoryBus {
	return &InMemoryBus{
		queue: make(chan *Event, bufferSize),
	}
}

// Publish implements Bus. Handlers run outside the bus lock, so they may
// subscribe or unsubscribe.
func (b *InMemoryBus) Publish(event *Event) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.all || sub.eventType == event.Type {
			sub.handler(event)
		}
	}
}

// PublishAsync implements Bus
func (b *InMemoryBus) PublishAsync(event *Event) bool {
	select {
	case b.queue <- event:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Dropped returns how many async events were discarded on overflow
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe implements Bus
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) string {
	return b.add(&subscription{id: xid.New().String(), eventType: eventType, handler: handler})
}

// SubscribeAll implements Bus
func (b *InMemoryBus) SubscribeAll(handler Handler) string {
	return b.add(&subscription{id: xid.New().String(), all: true, handler: handler})
}

func (b *InMemoryBus) add(sub *subscription) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs)+1)
	next = append(next, b.subs...)
	b.subs = append(next, sub)

	return sub.id
}

// Unsubscribe implements Bus
func (b *InMemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	b.subs = next
}

// Start starts delivering queued events
func (b *InMemoryBus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.processEvents()
}

// Stop stops delivery. Events still queued are discarded.
func (b *InMemoryBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *InMemoryBus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.queue:
			if event != nil {
				b.Publish(event)
			}
		}
	}
}
