package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks available engines and the default selection.
// The first engine registered becomes the default until SetDefault or a
// default-flagged registration changes it. All methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	engines   map[string]Engine
	defaultID string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// RegisterOption modifies registration behavior.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	isDefault bool
	replace   bool
}

// AsDefault makes the registered engine the registry default.
func AsDefault() RegisterOption {
	return func(o *registerOpts) { o.isDefault = true }
}

// WithReplace allows overwriting an existing registration.
func WithReplace() RegisterOption {
	return func(o *registerOpts) { o.replace = true }
}

// Register adds an engine. Registering a duplicate ID without
// WithReplace fails.
func (r *Registry) Register(e Engine, opts ...RegisterOption) error {
	if e == nil {
		return fmt.Errorf("engine is required")
	}
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}

	id := e.Metadata().ID
	if id == "" {
		return fmt.Errorf("engine has empty ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.engines[id]; exists && !o.replace {
		return fmt.Errorf("%w: %s", ErrDuplicateEngine, id)
	}
	r.engines[id] = e

	if o.isDefault || r.defaultID == "" {
		r.defaultID = id
	}
	return nil
}

// Has reports whether an engine ID is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// Get returns the engine with the given ID.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEngineNotFound, id)
	}
	return e, nil
}

// GetOrDefault returns the engine with the given ID, or the default
// engine when id is empty.
func (r *Registry) GetOrDefault(id string) (Engine, error) {
	if id == "" {
		return r.GetDefault()
	}
	return r.Get(id)
}

// GetDefault returns the default engine.
func (r *Registry) GetDefault() (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultID == "" {
		return nil, ErrNoDefaultEngine
	}
	e, ok := r.engines[r.defaultID]
	if !ok {
		return nil, ErrNoDefaultEngine
	}
	return e, nil
}

// SetDefault changes the default engine.
func (r *Registry) SetDefault(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEngineNotFound, id)
	}
	r.defaultID = id
	return nil
}

// DefaultID returns the current default engine ID, or empty.
func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// ListMetadata returns metadata for all engines, sorted by ID.
func (r *Registry) ListMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckAllAvailable probes every registered engine and returns a map of
// engine ID to probe error (nil for available engines).
func (r *Registry) CheckAllAvailable(ctx context.Context) map[string]error {
	r.mu.RLock()
	engines := make(map[string]Engine, len(r.engines))
	for id, e := range r.engines {
		engines[id] = e
	}
	r.mu.RUnlock()

	out := make(map[string]error, len(engines))
	for id, e := range engines {
		out[id] = e.CheckAvailability(ctx)
	}
	return out
}
