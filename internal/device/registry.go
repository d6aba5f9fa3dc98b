package device

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds registered adapters and resolves which one serves a given
// asset's driver name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry under the given driver name.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// Resolve returns the adapter registered for the driver name. Returns an
// error if the driver is not registered.
func (r *Registry) Resolve(driver string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[driver]
	if !ok {
		return nil, fmt.Errorf("driver %q is not registered", driver)
	}
	return a, nil
}

// List returns information about all registered adapters, sorted by name
// for a stable API response.
func (r *Registry) List() []AdapterInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AdapterInfo, 0, len(r.adapters))
	for name, a := range r.adapters {
		infos = append(infos, AdapterInfo{
			Name:         name,
			Capabilities: a.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
