package vmcp

import (
	"context"
	"sync"
	"time"
)

// ImmutableRegistry holds a backend set fixed at construction time —
// appropriate when backends are declared once in the static YAML config.
// Register/Deregister return ErrNotSupported; the set never changes after
// NewImmutableRegistry returns.
type ImmutableRegistry struct {
	backends map[string]Backend
}

// NewImmutableRegistry builds a registry from a backend slice. Later entries
// with a duplicate ID win, mirroring a map literal's own last-write-wins
// semantics.
func NewImmutableRegistry(backends []Backend) *ImmutableRegistry {
	m := make(map[string]Backend, len(backends))
	for _, b := range backends {
		m[b.ID] = b
	}
	return &ImmutableRegistry{backends: m}
}

// Get returns a copy of the backend with id, or nil if absent.
func (r *ImmutableRegistry) Get(_ context.Context, id string) *Backend {
	b, ok := r.backends[id]
	if !ok {
		return nil
	}
	cp := b
	return &cp
}

// List returns a fresh, modification-safe copy of every registered backend.
func (r *ImmutableRegistry) List(_ context.Context) []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// Count returns the number of registered backends.
func (r *ImmutableRegistry) Count() int { return len(r.backends) }

// Register always fails: the immutable registry's set is fixed at startup.
func (*ImmutableRegistry) Register(_ context.Context, _ Backend) error {
	return ErrNotSupported
}

// Deregister always fails for the same reason.
func (*ImmutableRegistry) Deregister(_ context.Context, _ string) error {
	return ErrNotSupported
}

// DynamicRegistry supports runtime Register/Deregister from the admin API
// (spec 4.A, 4.H), guarded by a single mutex with copy-on-read snapshots so
// readers never observe a torn map.
type DynamicRegistry struct {
	mu       sync.RWMutex
	backends map[string]Backend
	onAdd    func(Backend)
	onRemove func(string)
}

// DynamicRegistryOption configures a DynamicRegistry at construction.
type DynamicRegistryOption func(*DynamicRegistry)

// WithOnAdd registers a callback fired synchronously after a successful
// Register call, so a component can pick up backend_added events without
// polling.
func WithOnAdd(f func(Backend)) DynamicRegistryOption {
	return func(r *DynamicRegistry) { r.onAdd = f }
}

// WithOnRemove registers a callback fired after a successful Deregister,
// the backend_removed counterpart to WithOnAdd.
func WithOnRemove(f func(string)) DynamicRegistryOption {
	return func(r *DynamicRegistry) { r.onRemove = f }
}

// NewDynamicRegistry builds an empty dynamic registry.
func NewDynamicRegistry(opts ...DynamicRegistryOption) *DynamicRegistry {
	r := &DynamicRegistry{backends: make(map[string]Backend)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Get returns a copy of the backend with id, or nil if absent.
func (r *DynamicRegistry) Get(_ context.Context, id string) *Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil
	}
	cp := b
	return &cp
}

// List returns a modification-safe snapshot of all registered backends.
func (r *DynamicRegistry) List(_ context.Context) []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// Count returns the number of registered backends.
func (r *DynamicRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Register adds b, rejecting a duplicate ID (the "conflict" outcome of spec
// 4.A, `register(descriptor) → ok | conflict`) with a KindInvalidParams *Error.
// No mutation of an in-use descriptor is allowed — callers must
// Deregister then Register to update one.
func (r *DynamicRegistry) Register(_ context.Context, b Backend) error {
	if b.ID == "" {
		return NewError(KindInvalidParams, "backend id must not be empty", nil)
	}
	r.mu.Lock()
	if _, exists := r.backends[b.ID]; exists {
		r.mu.Unlock()
		return NewError(KindInvalidParams, "backend already registered: "+b.ID, nil)
	}
	if b.RegisteredAt.IsZero() {
		b.RegisteredAt = time.Now()
	}
	if b.HealthStatus == "" {
		b.HealthStatus = BackendUnknown
	}
	r.backends[b.ID] = b
	r.mu.Unlock()

	if r.onAdd != nil {
		r.onAdd(b)
	}
	return nil
}

// Deregister removes id, returning ErrNotFound if it was never registered.
// Side effect: fires the backend_removed callback so components can release
// resources idempotently.
func (r *DynamicRegistry) Deregister(_ context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.backends[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.backends, id)
	r.mu.Unlock()

	if r.onRemove != nil {
		r.onRemove(id)
	}
	return nil
}

// UpdateHealth replaces the HealthStatus field of a registered backend. It
// is the only mutation the dynamic registry allows outside of
// Register/Deregister, used by the health supervisor.
func (r *DynamicRegistry) UpdateHealth(id string, status BackendHealthStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	if !ok {
		return false
	}
	b.HealthStatus = status
	r.backends[id] = b
	return true
}
