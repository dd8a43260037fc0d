package filesystem

import (
	"fmt"
	"sync"

	"github.com/cloudreve/davcore/pkg/conf"
	"github.com/cloudreve/davcore/pkg/logging"
)

// BackendFactory builds a backend from the store section.
type BackendFactory func(cfg *conf.Store, l logging.Logger) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[conf.StoreType]BackendFactory{
		conf.LocalStore:  NewLocalBackend,
		conf.MemoryStore: func(*conf.Store, logging.Logger) (Backend, error) { return NewMemoryBackend(), nil },
	}
)

// Register makes a backend available under kind, replacing any previous one.
func Register(kind conf.StoreType, factory BackendFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// NewBackend resolves the backend configured for cfg.Type.
func NewBackend(cfg *conf.Store, l logging.Logger) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownBackend.WithError(fmt.Errorf("store type %q", cfg.Type))
	}

	return factory(cfg, l)
}
