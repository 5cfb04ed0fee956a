// Package dspool is a configuration-driven lifecycle manager for SQL
// connection pools. It turns named, loosely-typed property sets into live
// pools, publishes each pool as a discoverable in-process service,
// reconfigures pools in place when configuration changes, and exposes pool
// statistics through Prometheus.
//
// # Architecture
//
// A configuration snapshot (YAML file, reloaded on change) describes any
// number of datasources. For each one, a lifecycle controller:
//
// 1. Maps the flat property set onto a typed pool configuration, applying
// typed fields over free-form entries and normalizing the "default"
// sentinel to "let the driver decide".
//
// 2. Resolves a database driver from the connection URL's scheme. Drivers
// self-register by scheme; mysql and postgres adapters ship in-tree.
//
// 3. Creates the pool, lazily materialized on first use, and publishes it
// to the service registry under the sql.DataSource capability with the
// configured identity property.
//
// 4. Registers a statistics collector with the monitoring registry the
// first time the pool materializes, at most once per materialization.
//
// On a configuration change the controller reconfigures the pool in place
// and keeps the publication; only a change of identity recreates the
// datasource from scratch. Deactivation withdraws the publication,
// unregisters monitoring and closes every pooled connection.
//
// A second datasource variant resolves a pre-built datasource from an
// external naming directory instead of creating a pool.
//
// # Quick Start
//
//	import (
//	    "context"
//
//	    "github.com/dataplane-io/dspool/pkg/config"
//	    "github.com/dataplane-io/dspool/pkg/directory"
//	    "github.com/dataplane-io/dspool/pkg/driver"
//	    "github.com/dataplane-io/dspool/pkg/lifecycle"
//	    "github.com/dataplane-io/dspool/pkg/monitoring"
//	    "github.com/dataplane-io/dspool/pkg/registry"
//
//	    "github.com/prometheus/client_golang/prometheus"
//	    _ "github.com/dataplane-io/dspool/pkg/driver/postgres"
//	)
//
//	services := registry.NewRegistry()
//	monitor := monitoring.NewRegistrar(prometheus.DefaultRegisterer, nil)
//	manager := lifecycle.NewManager(driver.Default(), services, monitor,
//	    directory.NewMemory().Factory(), nil)
//
//	file, _ := config.LoadFile("dspool.yaml")
//	manager.Apply(context.Background(), file)
//
//	svc, _, _ := services.Lookup(registry.CapabilityDataSource,
//	    registry.Properties{"datasource.name": "orders"})
//	ds := svc.(lifecycle.DataSource)
//	conn, _ := ds.Acquire(context.Background())
//	defer ds.Release(conn)
//
// # Key Packages
//
//	pkg/config     - Property mapping, YAML loading, file watching
//	pkg/driver     - Driver interfaces, scheme registry, URL resolver
//	pkg/pool       - Bounded connection pool with in-place reconfiguration
//	pkg/lifecycle  - Datasource controllers and snapshot reconciler
//	pkg/registry   - In-process service registry
//	pkg/monitoring - Prometheus statistics publication
//	pkg/directory  - External naming directory abstraction
package dspool
