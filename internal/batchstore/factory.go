// Package batchstore implements the pending like counter stores that sit
// between like intake and the reconciler.
package batchstore

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Factory creates a batch store backend. Every backend registers one from
// its init function; the same value validates the backend's configuration.
type Factory interface {
	// Create builds a store from an already validated configuration.
	Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error)

	// Type returns the type identifier, e.g. "redis".
	Type() string

	// Validate checks the configuration specific to this backend.
	Validate(cfg config.BatchStoreConfig) error
}

var (
	factoryRegistry = make(map[string]Factory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a batch store factory and its config validator.
// Panics on nil, empty or duplicate types.
func RegisterFactory(factory Factory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	if _, exists := factoryRegistry[factory.Type()]; exists {
		registryMutex.Unlock()
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
	registryMutex.Unlock()

	config.RegisterValidator(factory)
}

// Create builds the batch store selected by cfg.Type.
func Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("batch store type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[cfg.Type]
	registryMutex.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unsupported batch store type: %s", cfg.Type)
	}

	if err := factory.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration for %s: %w", cfg.Type, err)
	}

	return factory.Create(cfg, logger)
}

// RegisteredTypes returns the registered batch store types in sorted order.
func RegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered reports whether a batch store type is registered.
func IsTypeRegistered(storeType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[storeType]
	return exists
}
