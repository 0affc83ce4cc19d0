package cycle

import (
	"sort"
	"sync"
)

// EngineFactory builds an engine for a scope on first use.
type EngineFactory func(scope string) (*Engine, error)

// Registry hands out one engine per scope, creating lazily.
type Registry struct {
	factory EngineFactory

	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates a registry backed by the factory.
func NewRegistry(factory EngineFactory) *Registry {
	return &Registry{
		factory: factory,
		engines: make(map[string]*Engine),
	}
}

// Engine returns the scope's engine, creating it on first request.
func (r *Registry) Engine(scope string) (*Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[scope]; ok {
		return e, nil
	}
	e, err := r.factory(scope)
	if err != nil {
		return nil, err
	}
	r.engines[scope] = e
	return e, nil
}

// Lookup returns the scope's engine without creating one.
func (r *Registry) Lookup(scope string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[scope]
	return e, ok
}

// Scopes lists known scopes in sorted order.
func (r *Registry) Scopes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	scopes := make([]string, 0, len(r.engines))
	for s := range r.engines {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	return scopes
}
