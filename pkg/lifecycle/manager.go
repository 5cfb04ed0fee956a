package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/config"
	"github.com/dataplane-io/dspool/pkg/directory"
	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/logger"
	"github.com/dataplane-io/dspool/pkg/monitoring"
	"github.com/dataplane-io/dspool/pkg/registry"
)

// Manager reconciles configuration snapshots onto a set of controllers,
// one per named datasource: new names are activated, existing ones
// modified, removed ones deactivated. Apply and Shutdown must be called
// from a single goroutine; the config watcher provides that guarantee.
type Manager struct {
	drivers    *driver.Registry
	services   *registry.Registry
	monitor    *monitoring.Registrar
	dirFactory directory.ContextFactory
	logger     *zap.Logger

	pools   map[string]*Controller
	lookups map[string]*LookupController
}

// NewManager creates a manager with no active datasources.
func NewManager(drivers *driver.Registry, services *registry.Registry, monitor *monitoring.Registrar, dirFactory directory.ContextFactory, log *zap.Logger) *Manager {
	if log == nil {
		log = logger.Get()
	}
	return &Manager{
		drivers:    drivers,
		services:   services,
		monitor:    monitor,
		dirFactory: dirFactory,
		logger:     log.With(zap.String("component", "datasource_manager")),
		pools:      make(map[string]*Controller),
		lookups:    make(map[string]*LookupController),
	}
}

// Apply reconciles a configuration snapshot. Failures are per instance:
// a datasource that fails to activate is logged and left inactive, the
// rest of the snapshot still applies. Failed instances are not retried
// until the next configuration change.
func (m *Manager) Apply(ctx context.Context, file *config.File) {
	seenPools := make(map[string]struct{}, len(file.DataSources))
	for _, cfg := range file.DataSources {
		seenPools[cfg.Name] = struct{}{}

		if ctrl, ok := m.pools[cfg.Name]; ok {
			if err := ctrl.Modified(ctx, cfg); err != nil {
				m.logger.Error("failed to reconfigure datasource",
					zap.String("datasource", cfg.Name), zap.Error(err))
			}
			continue
		}

		ctrl := NewController(m.drivers, m.services, m.monitor, m.logger)
		if err := ctrl.Activate(ctx, cfg); err != nil {
			m.logger.Error("failed to activate datasource",
				zap.String("datasource", cfg.Name), zap.Error(err))
			continue
		}
		m.pools[cfg.Name] = ctrl
	}

	for name, ctrl := range m.pools {
		if _, keep := seenPools[name]; !keep {
			ctrl.Deactivate()
			delete(m.pools, name)
		}
	}

	seenLookups := make(map[string]struct{}, len(file.Lookups))
	for _, cfg := range file.Lookups {
		seenLookups[cfg.Name] = struct{}{}

		if _, ok := m.lookups[cfg.Name]; ok {
			// lookups carry no mutable pool state; re-resolve from scratch
			m.lookups[cfg.Name].Deactivate()
			delete(m.lookups, cfg.Name)
		}

		ctrl := NewLookupController(m.services, m.dirFactory, m.logger)
		if err := ctrl.Activate(cfg); err != nil {
			m.logger.Error("failed to activate lookup datasource",
				zap.String("datasource", cfg.Name), zap.Error(err))
			continue
		}
		m.lookups[cfg.Name] = ctrl
	}

	for name, ctrl := range m.lookups {
		if _, keep := seenLookups[name]; !keep {
			ctrl.Deactivate()
			delete(m.lookups, name)
		}
	}
}

// Shutdown deactivates every datasource. Idempotent.
func (m *Manager) Shutdown() {
	for name, ctrl := range m.pools {
		ctrl.Deactivate()
		delete(m.pools, name)
	}
	for name, ctrl := range m.lookups {
		ctrl.Deactivate()
		delete(m.lookups, name)
	}
	m.logger.Info("all datasources deactivated")
}

// Active returns the number of active datasources.
func (m *Manager) Active() int {
	return len(m.pools) + len(m.lookups)
}
