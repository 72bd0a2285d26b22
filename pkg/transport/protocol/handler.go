package protocol

import (
	"context"
	"sync"

	"github.com/HMasataka/quill/pkg/domain"
)

// Handler processes a client control frame on the server side.
type Handler interface {
	// Handle processes a frame from the connection sid and optionally
	// returns a reply for that connection
	Handle(ctx context.Context, sid string, f *Frame) (*Frame, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, sid string, f *Frame) (*Frame, error)

// Handle implements Handler
func (fn HandlerFunc) Handle(ctx context.Context, sid string, f *Frame) (*Frame, error) {
	return fn(ctx, sid, f)
}

// HandlerRegistry routes frames to handlers by event name
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[domain.EventName]Handler
}

// NewHandlerRegistry creates a new handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[domain.EventName]Handler),
	}
}

// Register registers a handler for an event, replacing any previous one
func (r *HandlerRegistry) Register(event domain.EventName, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = handler
}

// Get retrieves a handler for an event
func (r *HandlerRegistry) Get(event domain.EventName) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[event]
	return handler, ok
}

// Handle routes a frame to the appropriate handler
func (r *HandlerRegistry) Handle(ctx context.Context, sid string, f *Frame) (*Frame, error) {
	handler, ok := r.Get(f.Event)
	if !ok {
		return nil, domain.NewDomainError(
			domain.ErrCodeNotFound,
			"no handler found for event "+string(f.Event),
			nil,
		)
	}

	return handler.Handle(ctx, sid, f)
}
