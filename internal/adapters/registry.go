package adapters

import (
	"fmt"
	"sort"
	"sync"

	"auth-broker/internal/common/errors"
	"auth-broker/internal/storage"
)

// Registry manages adapter factories by kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for an adapter kind. Panics on duplicate
// registration, which indicates a programming error.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("adapter factory already registered for kind: %s", kind))
	}

	r.factories[kind] = factory
}

// Build constructs an adapter instance from a credential config.
func (r *Registry) Build(config *storage.CredentialConfig, deps Deps) (Adapter, error) {
	if config == nil {
		return nil, errors.ValidationError("credential config cannot be nil")
	}

	r.mu.RLock()
	factory, exists := r.factories[config.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.ConfigError(fmt.Sprintf("unknown adapter kind: %s", config.Kind)).
			WithContext("adapter_id", config.ID)
	}

	return factory.Create(config, deps)
}

// Kinds returns the registered adapter kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	return kinds
}

// IsRegistered checks if a kind has a factory.
func (r *Registry) IsRegistered(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.factories[kind]
	return exists
}

// DefaultRegistry is the global registry adapter packages register into.
var DefaultRegistry = NewRegistry()

// Register adds a factory to the default registry.
func Register(kind string, factory Factory) {
	DefaultRegistry.Register(kind, factory)
}

// Build constructs an adapter using the default registry.
func Build(config *storage.CredentialConfig, deps Deps) (Adapter, error) {
	return DefaultRegistry.Build(config, deps)
}

// Kinds returns the kinds registered in the default registry.
func Kinds() []string {
	return DefaultRegistry.Kinds()
}
