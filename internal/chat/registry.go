package chat

import "sync"

// Registry tracks the conversations the bot is actively listening to. It
// replaces ad hoc shared-map mutation with an explicit type whose lifecycle
// operations all take the same lock.
//
// Registry is safe for concurrent use. The zero value is not usable; call
// NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	active map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// Add marks key as actively listened. Adding an existing key is a no-op.
func (r *Registry) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[key] = struct{}{}
}

// Remove clears key from the registry. Removing an absent key is a no-op.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// Contains reports whether key is currently listened to.
func (r *Registry) Contains(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[key]
	return ok
}

// Keys returns a snapshot of the active conversation keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for k := range r.active {
		out = append(out, k)
	}
	return out
}

// Len returns the number of active conversations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}
