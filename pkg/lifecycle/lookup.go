package lifecycle

import (
	"strings"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/config"
	"github.com/dataplane-io/dspool/pkg/directory"
	"github.com/dataplane-io/dspool/pkg/dserrors"
	"github.com/dataplane-io/dspool/pkg/logger"
	"github.com/dataplane-io/dspool/pkg/registry"
)

// LookupController publishes a datasource resolved from an external
// directory instead of building a pool. It owns no pool; only the
// publication is managed.
type LookupController struct {
	services *registry.Registry
	factory  directory.ContextFactory
	logger   *zap.Logger

	name string
	reg  *registry.Handle
}

// NewLookupController creates an inactive lookup controller.
func NewLookupController(services *registry.Registry, factory directory.ContextFactory, log *zap.Logger) *LookupController {
	if log == nil {
		log = logger.Get()
	}
	return &LookupController{
		services: services,
		factory:  factory,
		logger:   log.With(zap.String("component", "lookup_datasource_factory")),
	}
}

// Active reports whether the controller currently holds a publication.
func (c *LookupController) Active() bool {
	return c.reg != nil
}

// Name returns the identity of the active datasource, empty when inactive.
func (c *LookupController) Name() string {
	return c.name
}

// Activate resolves the datasource from the directory and publishes it.
func (c *LookupController) Activate(cfg *config.Lookup) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
			"datasource name must be specified via [%s] property", config.PropDataSourceName)
	}
	if strings.TrimSpace(cfg.DirectoryName) == "" {
		return dserrors.Newf(dserrors.ErrorTypeInvalidConfig,
			"directory name must be specified via [%s] property", config.PropDirectoryName)
	}

	env, err := config.ParseEntries(cfg.DirectoryProperties)
	if err != nil {
		return err
	}

	ds, err := c.lookupDataSource(cfg.DirectoryName, env)
	if err != nil {
		return err
	}

	c.name = cfg.Name
	c.reg = c.services.Publish(registry.CapabilityDataSource, ds, registry.Properties{
		cfg.EffectiveServicePropertyName(): cfg.Name,
		registry.PropServiceVendor:         registry.ServiceVendor,
		registry.PropServiceDescription:    "DataSource service looked up from " + cfg.DirectoryName,
	})

	c.logger.Info("registered datasource looked up from directory",
		zap.String("datasource", cfg.Name),
		zap.String("directory_name", cfg.DirectoryName))
	return nil
}

// Deactivate withdraws the publication. Idempotent.
func (c *LookupController) Deactivate() {
	if c.reg != nil {
		c.reg.Withdraw()
		c.reg = nil
	}
}

// lookupDataSource opens a directory context, resolves the name and
// releases the context whatever the outcome.
func (c *LookupController) lookupDataSource(dirName string, env map[string]string) (DataSource, error) {
	c.logger.Info("looking up datasource", zap.String("directory_name", dirName), zap.Any("env", env))

	dir, err := c.factory(env)
	if err != nil {
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeInternal, "failed to open directory context")
	}
	defer func() {
		if cerr := dir.Close(); cerr != nil {
			c.logger.Warn("failed to release directory context", zap.Error(cerr))
		}
	}()

	obj, err := dir.Lookup(dirName)
	if err != nil {
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeInternal, "directory lookup failed")
	}
	if obj == nil {
		return nil, dserrors.Newf(dserrors.ErrorTypeLookupNotFound,
			"directory object with name [%s] not found", dirName)
	}

	ds, ok := obj.(DataSource)
	if !ok {
		return nil, dserrors.Newf(dserrors.ErrorTypeTypeMismatch,
			"directory object [%s] of type %T is not a DataSource", dirName, obj)
	}
	return ds, nil
}
