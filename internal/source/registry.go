package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registration binds an adapter to its static priority (lower = preferred).
type Registration struct {
	Adapter  Adapter
	Priority int
}

// Registry maps adapter names to registered adapters. Registration happens
// explicitly at startup or through the guarded Register call; there is no
// implicit discovery.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Registration)}
}

// Register adds an adapter. Re-registering the same name is an error so a
// runtime plugin cannot silently shadow a configured source.
func (r *Registry) Register(a Adapter, priority int) error {
	if a == nil || a.Name() == "" {
		return fmt.Errorf("registry: adapter with empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("registry: adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = Registration{Adapter: a, Priority: priority}
	return nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.adapters[name]
	return reg, ok
}

// All returns registrations ordered by priority, then name for stability.
func (r *Registry) All() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Registration, 0, len(r.adapters))
	for _, reg := range r.adapters {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Adapter.Name() < out[j].Adapter.Name()
	})
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
