package config

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc executes one job. The context carries the per-job timeout and
// the shutdown cancellation signal; handlers that ignore it are abandoned at
// the force-terminate boundary. Handlers must be idempotent: delivery is
// at-least-once.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

// Registry maps a stable handler_ref string to a statically-typed handler,
// resolved at startup. An unknown ref at execution time is a poison job.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds a new handler by name.
func (r *Registry) Register(name string, handler HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || handler == nil {
		return fmt.Errorf("handler must have a name and function")
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

func (r *Registry) Resolve(name string) (HandlerFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, exists := r.handlers[name]
	return h, exists
}

func (r *Registry) Exists(name string) bool {
	_, exists := r.Resolve(name)
	return exists
}

func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
