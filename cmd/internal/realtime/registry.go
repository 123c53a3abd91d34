package realtime

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// ConnectionRegistry maps identities to live handles.
type ConnectionRegistry interface {
	// Register installs h for id and returns the handle it replaced, if any.
	Register(id string, h Handle) Handle
	// Unregister removes id; absent ids are a no-op.
	Unregister(id string)
	// Release removes id only while it still maps to h.
	Release(id string, h Handle) bool
	Lookup(id string) (Handle, bool)
	// All returns a snapshot; order is unspecified.
	All() []Handle
}

// Registry is the in-process ConnectionRegistry.
// Sends never happen under mu: callers take a snapshot and iterate it.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

var _ ConnectionRegistry = (*Registry)(nil)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register is last-write-wins.
func (r *Registry) Register(id string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.handles[id]
	r.handles[id] = h
	return prev
}

// Unregister removes id if present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Release removes id only if its current handle is h.
func (r *Registry) Release(id string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.handles[id]
	if !ok || cur != h {
		return false
	}
	delete(r.handles, id)
	return true
}

// Lookup returns the handle registered for id.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	return h, ok
}

// All returns a copy of the registered handles.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Values(r.handles)
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// Identities returns the registered identities in sorted order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := lo.Keys(r.handles)
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}
