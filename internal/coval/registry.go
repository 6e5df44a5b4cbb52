package coval

import "sync"

// Registry is the arena of loaded cores: a flat map from CoValue ID to
// core. "Depends on" edges between CoValues stay ID references resolved
// through the registry, never embedded pointers, so mutually-referencing
// CoValues are representable and graph walks terminate with a visited
// set.
type Registry struct {
	mu    sync.RWMutex
	cores map[ID]*Core
}

// NewRegistry creates an empty arena.
func NewRegistry() *Registry {
	return &Registry{cores: make(map[ID]*Core)}
}

// CoreByID implements Dependencies.
func (r *Registry) CoreByID(id ID) (*Core, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cores[id]
	return c, ok
}

// Add registers a core. Adding the same ID twice keeps the existing
// core, which makes recreation of an identical header idempotent.
func (r *Registry) Add(c *Core) *Core {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cores[c.id]; ok {
		return existing
	}
	r.cores[c.id] = c
	return c
}

// IDs returns all registered CoValue IDs in unspecified order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ID, 0, len(r.cores))
	for id := range r.cores {
		out = append(out, id)
	}
	return out
}
