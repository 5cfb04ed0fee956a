// Package lifecycle owns datasource lifecycles: it maps raw configuration
// onto typed pool configuration, creates and publishes pools, decides
// between in-place reconfiguration and full recreation, and guarantees
// clean teardown.
//
// Lifecycle calls (Activate, Modified, Deactivate) are not reentrant and
// must be delivered one at a time per controller; the configuration
// watcher guarantees that. Only the lazy monitoring registration on the
// connection path synchronizes internally.
package lifecycle

import (
	"context"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/config"
	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/logger"
	"github.com/dataplane-io/dspool/pkg/monitoring"
	"github.com/dataplane-io/dspool/pkg/pool"
	"github.com/dataplane-io/dspool/pkg/registry"
)

// Controller supervises one managed pool datasource. Collaborator
// registries are injected at construction so tests can substitute fakes.
type Controller struct {
	drivers  *driver.Registry
	services *registry.Registry
	monitor  *monitoring.Registrar
	logger   *zap.Logger

	name        string
	svcPropName string
	ds          *managedDataSource
	reg         *registry.Handle
}

// NewController creates an inactive controller.
func NewController(drivers *driver.Registry, services *registry.Registry, monitor *monitoring.Registrar, log *zap.Logger) *Controller {
	if log == nil {
		log = logger.Get()
	}
	return &Controller{
		drivers:  drivers,
		services: services,
		monitor:  monitor,
		logger:   log.With(zap.String("component", "datasource_factory")),
	}
}

// Active reports whether the controller currently owns a published pool.
func (c *Controller) Active() bool {
	return c.ds != nil
}

// Name returns the identity of the active datasource, empty when inactive.
func (c *Controller) Name() string {
	return c.name
}

// Activate builds the pool configuration, creates the pool and publishes
// it. Configuration and connectivity errors leave the controller inactive
// with no dangling pool.
func (c *Controller) Activate(ctx context.Context, cfg *config.Managed) error {
	poolCfg, err := c.buildPoolConfig(cfg)
	if err != nil {
		return err
	}

	p := pool.New(*poolCfg, c.logger)
	ds := newManagedDataSource(cfg.Name, p, c.monitor, c.logger)

	if poolCfg.InitialSize > 0 {
		if err := p.Start(ctx); err != nil {
			// close the partially-built pool before surfacing the error
			p.Close()
			return err
		}
		ds.registerLazily()
	}

	c.name = cfg.Name
	c.svcPropName = cfg.EffectiveServicePropertyName()
	c.ds = ds
	c.reg = c.publish(ds, "DataSource service backed by a dspool managed pool")

	c.logger.Info("created datasource",
		zap.String("datasource", c.name),
		zap.String("url", poolCfg.URL),
		zap.Int("max_active", poolCfg.MaxActive))
	return nil
}

// Modified applies a configuration change. When the identity fields are
// unchanged the pool is reconfigured in place and the publication
// survives; an identity change recreates the datasource from scratch,
// which is rare enough that recreation beats renaming a published service
// in place.
func (c *Controller) Modified(ctx context.Context, cfg *config.Managed) error {
	if c.ds == nil {
		return c.Activate(ctx, cfg)
	}

	poolCfg, err := c.buildPoolConfig(cfg)
	if err != nil {
		return err
	}

	if cfg.Name != c.name || cfg.EffectiveServicePropertyName() != c.svcPropName {
		c.logger.Info("change in datasource name/service property name detected, datasource will be recreated",
			zap.String("datasource", c.name))
		c.Deactivate()
		return c.Activate(ctx, cfg)
	}

	if err := c.ds.reconfigure(ctx, *poolCfg); err != nil {
		return err
	}

	c.logger.Info("updated datasource",
		zap.String("datasource", c.name),
		zap.Int("max_active", poolCfg.MaxActive))
	return nil
}

// Deactivate withdraws the publication first, so no new consumer can
// discover the pool mid-teardown, then unregisters monitoring and closes
// the pool. Calling it on an inactive controller is a no-op.
func (c *Controller) Deactivate() {
	if c.reg != nil {
		c.reg.Withdraw()
		c.reg = nil
	}
	if c.ds != nil {
		c.ds.close()
		c.ds = nil
		c.logger.Info("destroyed datasource", zap.String("datasource", c.name))
	}
}

// buildPoolConfig runs the property mapper and wires a driver resolver as
// the pool's connection source.
func (c *Controller) buildPoolConfig(cfg *config.Managed) (*pool.Config, error) {
	props, err := config.BuildPoolProperties(cfg)
	if err != nil {
		return nil, err
	}

	poolCfg, err := pool.ParseProperties(props)
	if err != nil {
		return nil, err
	}

	resolver := driver.NewResolver(c.drivers, cfg.Name, poolCfg.URL, poolCfg.Username, poolCfg.Password)
	poolCfg.Connect = resolver.Connect
	return poolCfg, nil
}

func (c *Controller) publish(ds DataSource, description string) *registry.Handle {
	return c.services.Publish(registry.CapabilityDataSource, ds, registry.Properties{
		c.svcPropName:                   c.name,
		registry.PropServiceVendor:      registry.ServiceVendor,
		registry.PropServiceDescription: description,
	})
}
