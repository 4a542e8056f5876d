package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownStrategy reports a strategy id with no registered factory.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Factory builds one strategy instance from a run's config map. Factories
// must validate their config and return a fresh instance per call: instances
// are owned by exactly one run.
type Factory func(config map[string]any) (Strategy, error)

// Registry maps strategy ids to factories. Built-in Go strategies register
// here; the JS loader layers file-backed modules on top of the same catalog
// surface.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	metadata  map[string]Metadata
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
		metadata:  make(map[string]Metadata),
	}
}

// Register binds an id to a factory and its metadata. Duplicate ids fail.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	id := strings.ToLower(strings.TrimSpace(meta.Name))
	if id == "" {
		return fmt.Errorf("strategy registry: name required")
	}
	if factory == nil {
		return fmt.Errorf("strategy registry: factory required for %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("strategy registry: duplicate strategy %q", id)
	}
	meta.Name = id
	if meta.Source == "" {
		meta.Source = "builtin"
	}
	r.factories[id] = factory
	r.metadata[id] = CloneMetadata(meta)
	return nil
}

// New builds a fresh instance of the named strategy.
func (r *Registry) New(id string, config map[string]any) (Strategy, error) {
	key := strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy registry: %q: %w", id, ErrUnknownStrategy)
	}
	return factory(config)
}

// Known reports whether the id resolves to a registered strategy.
func (r *Registry) Known(id string) bool {
	key := strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[key]
	return ok
}

// Catalog lists registered strategy metadata sorted by name.
func (r *Registry) Catalog() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		out = append(out, CloneMetadata(meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Detail returns the metadata for one strategy id.
func (r *Registry) Detail(id string) (Metadata, bool) {
	key := strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta, ok := r.metadata[key]
	if !ok {
		return Metadata{}, false
	}
	return CloneMetadata(meta), true
}

// DefaultRegistry returns a registry pre-loaded with the built-in strategies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r, noopMetadata(), NewNoop)
	mustRegister(r, thresholdMetadata(), NewThreshold)
	return r
}

func mustRegister(r *Registry, meta Metadata, factory Factory) {
	if err := r.Register(meta, factory); err != nil {
		panic(fmt.Sprintf("strategy registry: builtin %s: %v", meta.Name, err))
	}
}
