package component

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Factory returns a configuration holding the type's default values.
type Factory func() Config

// Registry maps component type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry holding the built-in types.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(ModelRendererType, func() Config { return NewModelRenderer() })
	r.MustRegister(SpriteRendererType, func() Config { return NewSpriteRenderer() })
	r.MustRegister(CameraType, func() Config { return NewCamera() })
	return r
}

func (r *Registry) Register(typ string, factory Factory) error {
	if typ == "" || factory == nil {
		return fmt.Errorf("%w: empty type or factory", ErrValidationFailure)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, typ)
	}
	r.factories[typ] = factory
	return nil
}

func (r *Registry) MustRegister(typ string, factory Factory) {
	if err := r.Register(typ, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	_, ok := r.factories[typ]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Create returns a configuration with default values.
func (r *Registry) Create(typ string) (Config, error) {
	r.mu.RLock()
	factory := r.factories[typ]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponentType, typ)
	}
	return factory(), nil
}

// Restore decodes a persisted configuration over the type's defaults.
func (r *Registry) Restore(typ string, raw json.RawMessage) (Config, error) {
	cfg, err := r.Create(typ)
	if err != nil {
		return nil, err
	}
	if err = decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s config: %v", ErrValidationFailure, typ, err)
	}
	return cfg, nil
}

// Clone deep-copies cfg through its persisted form. The copy is unbound.
func (r *Registry) Clone(cfg Config) (Config, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return r.Restore(cfg.Type(), raw)
}
