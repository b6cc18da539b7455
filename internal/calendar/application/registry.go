package application

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// ServerRegistry maps server flavours to the factory that opens their
// remote store. Flavours without a registration use the fallback.
type ServerRegistry struct {
	mu        sync.RWMutex
	factories map[domain.ServerType]reconcile.RemoteFactory
	fallback  reconcile.RemoteFactory
}

// NewServerRegistry creates a registry that opens unregistered flavours
// with fallback. fallback may be nil.
func NewServerRegistry(fallback reconcile.RemoteFactory) *ServerRegistry {
	return &ServerRegistry{
		factories: make(map[domain.ServerType]reconcile.RemoteFactory),
		fallback:  fallback,
	}
}

// Register sets the factory of a server flavour.
func (r *ServerRegistry) Register(serverType domain.ServerType, factory reconcile.RemoteFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[serverType] = factory
}

// IsRegistered reports whether a dedicated factory exists for serverType.
func (r *ServerRegistry) IsRegistered(serverType domain.ServerType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[serverType]
	return ok
}

// Open opens the remote store of binding.
func (r *ServerRegistry) Open(binding *domain.SyncUser) (reconcile.RemoteStore, error) {
	r.mu.RLock()
	factory, ok := r.factories[binding.ServerType()]
	r.mu.RUnlock()
	if !ok {
		factory = r.fallback
	}
	if factory == nil {
		return nil, fmt.Errorf("no remote registered for server type: %s", binding.ServerType())
	}
	return factory(binding)
}

// Factory returns Open as a reconcile.RemoteFactory.
func (r *ServerRegistry) Factory() reconcile.RemoteFactory {
	return r.Open
}
