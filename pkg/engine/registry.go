package engine

import (
	"fmt"
	"sync"
)

// Registry maps entity type tags to their handlers. Handlers register
// once at startup; lookups are concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler for a type tag. Registering a duplicate tag
// is a programming error and fails.
func (r *Registry) Register(typeTag string, h Handler) error {
	if typeTag == "" {
		return NewPermanentError("handler type tag is empty", nil).WithCode(ErrCodeValidation)
	}
	if h == nil {
		return NewPermanentError("handler is nil", nil).WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[typeTag]; exists {
		return NewPermanentError(fmt.Sprintf("handler already registered: %s", typeTag), nil).
			WithCode(ErrCodeAlreadyExists)
	}
	r.handlers[typeTag] = h
	return nil
}

// Get returns the handler for a type tag.
func (r *Registry) Get(typeTag string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typeTag]
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("no handler registered for type: %s", typeTag), nil).
			WithCode(ErrCodeNotFound)
	}
	return h, nil
}

// Types returns the registered type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
