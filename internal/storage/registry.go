package storage

import (
	"sort"
	"sync"

	"auth-broker/internal/common/errors"
)

// Backend factories register themselves here from init, keyed by the
// DATABASE_TYPE value that selects them.
var (
	registryMu sync.RWMutex
	factories  = make(map[string]StorageFactory)
)

// Register makes a backend available under the given type name.
// Registering the same name twice panics; two backends claiming one
// type is a programming error caught at startup.
func Register(storageType string, factory StorageFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := factories[storageType]; dup {
		panic("storage: duplicate registration for type " + storageType)
	}
	factories[storageType] = factory
}

// Create builds a Storage of the given type from its config.
func Create(storageType string, config StorageConfig) (Storage, error) {
	registryMu.RLock()
	factory, ok := factories[storageType]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.ConfigError("unknown storage type: " + storageType).
			WithContext("available", RegisteredTypes())
	}

	return factory.Create(config)
}

// RegisteredTypes lists the available backend names, sorted.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(factories))
	for storageType := range factories {
		types = append(types, storageType)
	}
	sort.Strings(types)
	return types
}
