package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs an adapter from its dependencies.
type Factory func(ctx context.Context, deps Deps) (Adapter, error)

// Registry maintains adapter factories keyed by exchange name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers a factory for exchange.
func (r *Registry) Register(exchange string, factory Factory) {
	if factory == nil {
		panic("exchange factory required")
	}
	r.mu.Lock()
	r.factories[strings.ToLower(exchange)] = factory
	r.mu.Unlock()
}

// Create instantiates the adapter registered for exchange.
func (r *Registry) Create(ctx context.Context, exchange string, deps Deps) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(exchange)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange %q not registered", exchange)
	}
	adapter, err := factory(ctx, deps)
	if err != nil {
		return nil, fmt.Errorf("instantiate exchange %s: %w", exchange, err)
	}
	return adapter, nil
}

// Names lists registered exchanges.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
