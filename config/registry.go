package config

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps names used in YAML to values such as transform functions or
// sources. Safe for concurrent use.
type Registry[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewRegistry returns an empty registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{items: make(map[string]V)}
}

// Register adds v under the given name. Overwrites any existing registration.
func (r *Registry[V]) Register(name string, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items == nil {
		r.items = make(map[string]V)
	}
	r.items[name] = v
}

// Get returns the value for name, or the zero value and false if not found.
func (r *Registry[V]) Get(name string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	return v, ok
}

// MustGet returns the value for name, or panics if not found.
func (r *Registry[V]) MustGet(name string) V {
	v, ok := r.Get(name)
	if !ok {
		panic(fmt.Sprintf("config: %q not registered", name))
	}
	return v
}

// Names returns all registered names, sorted.
func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for n := range r.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
