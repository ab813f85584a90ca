package runnable

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps runnable ids to instances. Safe for concurrent use; writes
// happen at assembly time, reads on every dispatch.
type Registry struct {
	mu        sync.RWMutex
	runnables map[string]Runnable
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runnables: make(map[string]Runnable)}
}

// Register adds a Runnable. Duplicate ids are rejected.
func (r *Registry) Register(runnable Runnable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := runnable.ID()
	if _, exists := r.runnables[id]; exists {
		return fmt.Errorf("runnable %q already registered", id)
	}
	r.runnables[id] = runnable
	return nil
}

// Get looks up a Runnable by id.
func (r *Registry) Get(id string) (Runnable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runnable, ok := r.runnables[id]
	if !ok {
		return nil, fmt.Errorf("runnable %q: %w", id, ErrNotFound)
	}
	return runnable, nil
}

// IDs returns the registered ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runnables))
	for id := range r.runnables {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
