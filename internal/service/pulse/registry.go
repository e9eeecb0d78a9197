package pulse

import "sync"

// Registry is the set of live subscriptions. It is the hub's only shared mutable state.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*Subscription)}
}

// Register adds s. Registering the same id twice keeps a single entry.
func (r *Registry) Register(s *Subscription) {
	r.mu.Lock()
	r.subs[s.ID()] = s
	r.mu.Unlock()
}

// Unregister removes id and reports whether it was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

// Snapshot returns a point-in-time copy of the live set.
func (r *Registry) Snapshot() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	_, ok := r.subs[id]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
