package platform

import (
	"context"
	"sync"

	"github.com/hrygo/wxrelay/internal/bus"
	"github.com/hrygo/wxrelay/internal/errs"
	"github.com/hrygo/wxrelay/store"
)

// Manager is the "factory by string type, instantiated/destroyed on
// reload events" object named by the platform design note: it wraps a
// Registry with a cache of already-constructed Platform instances keyed
// by platform id, invalidated when the store's platform cache changes.
type Manager struct {
	registry *Registry
	st       *store.Store

	mu        sync.Mutex
	instances map[string]Platform
}

func NewManager(registry *Registry, st *store.Store) *Manager {
	return &Manager{registry: registry, st: st, instances: make(map[string]Platform)}
}

// Resolve returns the built Platform for platformID, constructing and
// caching it on first use.
func (m *Manager) Resolve(ctx context.Context, platformID string) (Platform, error) {
	m.mu.Lock()
	if p, ok := m.instances[platformID]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	cfg, ok := m.st.GetEnabledPlatform(platformID)
	if !ok {
		return nil, errs.Newf(errs.KindConfig, "platform %q is missing or disabled", platformID)
	}
	built, err := m.registry.Build(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.instances[platformID] = built
	m.mu.Unlock()
	return built, nil
}

// Run subscribes to the reload bus and evicts cached instances on
// platform.updated/removed events so the next Resolve rebuilds them from
// the current config.
func (m *Manager) Run(ctx context.Context) {
	events, unsubscribe := m.st.Bus().Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case bus.PlatformUpdated, bus.PlatformRemoved:
				m.evict(ev.ID)
			}
		}
	}
}

func (m *Manager) evict(platformID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, platformID)
}
