package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataplane-io/dspool/pkg/config"
	"github.com/dataplane-io/dspool/pkg/directory"
	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/dserrors"
	"github.com/dataplane-io/dspool/pkg/monitoring"
	"github.com/dataplane-io/dspool/pkg/pool"
	"github.com/dataplane-io/dspool/pkg/registry"
	"github.com/dataplane-io/dspool/pkg/testutil"
)

type fakeConn struct{}

func (fakeConn) Ping(context.Context) error { return nil }

func (fakeConn) Close() error { return nil }

type fakeDriver struct {
	mu      sync.Mutex
	opened  int
	openErr error
}

func (d *fakeDriver) Open(context.Context, string, string, string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	return fakeConn{}, nil
}

// countingRegisterer counts collector registrations so tests can assert
// the lazy-registration guarantee.
type countingRegisterer struct {
	mu           sync.Mutex
	registered   int
	unregistered int
	collectors   map[prometheus.Collector]struct{}
}

func newCountingRegisterer() *countingRegisterer {
	return &countingRegisterer{collectors: make(map[prometheus.Collector]struct{})}
}

func (r *countingRegisterer) Register(c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.collectors[c]; dup {
		return prometheus.AlreadyRegisteredError{ExistingCollector: c, NewCollector: c}
	}
	r.collectors[c] = struct{}{}
	r.registered++
	return nil
}

func (r *countingRegisterer) MustRegister(cs ...prometheus.Collector) {
	for _, c := range cs {
		_ = r.Register(c)
	}
}

func (r *countingRegisterer) Unregister(c prometheus.Collector) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.collectors[c]; !ok {
		return false
	}
	delete(r.collectors, c)
	r.unregistered++
	return true
}

func (r *countingRegisterer) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.unregistered
}

type fixture struct {
	drivers  *driver.Registry
	services *registry.Registry
	prom     *countingRegisterer
	monitor  *monitoring.Registrar
	driver   *fakeDriver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testutil.TestLogger(t)
	d := &fakeDriver{}
	drivers := driver.NewRegistry()
	require.NoError(t, drivers.Register("fake", d))
	prom := newCountingRegisterer()
	return &fixture{
		drivers:  drivers,
		services: registry.NewRegistry(),
		prom:     prom,
		monitor:  monitoring.NewRegistrar(prom, log),
		driver:   d,
	}
}

func (f *fixture) controller(t *testing.T) *Controller {
	t.Helper()
	c := NewController(f.drivers, f.services, f.monitor, testutil.TestLogger(t))
	t.Cleanup(c.Deactivate)
	return c
}

func (f *fixture) lookupDS(name string) (DataSource, bool) {
	svc, _, ok := f.services.Lookup(registry.CapabilityDataSource,
		registry.Properties{config.PropDataSourceName: name})
	if !ok {
		return nil, false
	}
	ds, ok := svc.(DataSource)
	return ds, ok
}

func managedConfig(name string, extra ...string) *config.Managed {
	props := append([]string{"url=fake://db/" + name}, extra...)
	return &config.Managed{Name: name, PoolProperties: props}
}

func TestControllerActivate(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)

	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "maxActive=4")))
	assert.True(t, ctrl.Active())
	assert.Equal(t, "orders", ctrl.Name())

	ds, ok := f.lookupDS("orders")
	require.True(t, ok)
	assert.Equal(t, "orders", ds.Name())

	_, props, ok := f.services.Lookup(registry.CapabilityDataSource, nil)
	require.True(t, ok)
	assert.Equal(t, registry.ServiceVendor, props[registry.PropServiceVendor])
	assert.NotEmpty(t, props[registry.PropServiceDescription])
}

func TestControllerActivateCustomServiceProperty(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)

	cfg := managedConfig("orders")
	cfg.ServicePropertyName = "pool.id"
	require.NoError(t, ctrl.Activate(ctx, cfg))

	_, _, ok := f.services.Lookup(registry.CapabilityDataSource,
		registry.Properties{"pool.id": "orders"})
	assert.True(t, ok)
}

func TestControllerActivateInvalidConfig(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)

	err := ctrl.Activate(ctx, &config.Managed{Name: "orders"}) // no url
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))
	assert.False(t, ctrl.Active())
	assert.Empty(t, f.services.List(registry.CapabilityDataSource))
}

func TestControllerActivateEagerFillFailure(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	f.driver.openErr = errors.New("connection refused")
	ctrl := f.controller(t)

	err := ctrl.Activate(ctx, managedConfig("orders", "initialSize=1"))
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeConnectionFailed))
	assert.False(t, ctrl.Active())
	assert.Empty(t, f.services.List(registry.CapabilityDataSource),
		"failed activation must not leave a publication behind")
}

func TestControllerModifiedInPlace(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "maxActive=4")))

	before, ok := f.lookupDS("orders")
	require.True(t, ok)

	require.NoError(t, ctrl.Modified(ctx, managedConfig("orders", "maxActive=8")))

	after, ok := f.lookupDS("orders")
	require.True(t, ok)
	assert.Same(t, before, after, "in-place reconfiguration keeps the publication")
	assert.Len(t, f.services.List(registry.CapabilityDataSource), 1)
}

func TestControllerModifiedIdentityChange(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders")))

	before, ok := f.lookupDS("orders")
	require.True(t, ok)

	require.NoError(t, ctrl.Modified(ctx, managedConfig("invoices")))
	assert.Equal(t, "invoices", ctrl.Name())

	_, ok = f.lookupDS("orders")
	assert.False(t, ok, "old identity withdrawn")

	after, ok := f.lookupDS("invoices")
	require.True(t, ok)
	assert.NotSame(t, before, after, "identity change recreates the datasource")
}

func TestControllerModifiedBadConfigKeepsState(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders")))

	err := ctrl.Modified(ctx, &config.Managed{Name: "orders"}) // no url
	require.Error(t, err)

	assert.True(t, ctrl.Active())
	_, ok := f.lookupDS("orders")
	assert.True(t, ok, "prior publication survives a bad reconfiguration")
}

func TestControllerModifiedWhileInactiveActivates(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)

	require.NoError(t, ctrl.Modified(ctx, managedConfig("orders")))
	assert.True(t, ctrl.Active())
}

func TestControllerActivateDeactivateActivate(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	cfg := managedConfig("orders", "maxActive=4")

	require.NoError(t, ctrl.Activate(ctx, cfg))
	_, firstProps, ok := f.services.Lookup(registry.CapabilityDataSource, nil)
	require.True(t, ok)

	ctrl.Deactivate()
	require.NoError(t, ctrl.Activate(ctx, cfg))

	_, secondProps, ok := f.services.Lookup(registry.CapabilityDataSource, nil)
	require.True(t, ok)
	assert.Equal(t, firstProps, secondProps, "reactivation publishes the same identity")
	assert.Len(t, f.services.List(registry.CapabilityDataSource), 1)
}

func TestControllerDeactivateIdempotent(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders")))

	ctrl.Deactivate()
	ctrl.Deactivate()

	assert.False(t, ctrl.Active())
	assert.Empty(t, f.services.List(registry.CapabilityDataSource))
}

func TestLazyMonitoringRegistersOnce(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "maxActive=8")))

	registered, _ := f.prom.counts()
	assert.Equal(t, 0, registered, "no hook before the pool materializes")

	ds, ok := f.lookupDS("orders")
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := ds.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			ds.Release(conn)
		}()
	}
	wg.Wait()

	registered, _ = f.prom.counts()
	assert.Equal(t, 1, registered, "concurrent first use registers exactly once")
}

func TestMonitoringEagerWithInitialFill(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "initialSize=2")))

	registered, _ := f.prom.counts()
	assert.Equal(t, 1, registered, "eager fill registers the hook at activation")
}

func TestMonitoringRearmsAcrossReconfiguration(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders")))

	ds, ok := f.lookupDS("orders")
	require.True(t, ok)
	conn, err := ds.Acquire(ctx)
	require.NoError(t, err)
	ds.Release(conn)

	require.NoError(t, ctrl.Modified(ctx, managedConfig("orders", "maxActive=8")))

	registered, unregistered := f.prom.counts()
	assert.Equal(t, 2, registered, "restarted pool re-registers against the new materialization")
	assert.Equal(t, 1, unregistered)
}

func TestMonitoringUnregisteredOnDeactivate(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "initialSize=1")))

	ctrl.Deactivate()
	ctrl.Deactivate()

	registered, unregistered := f.prom.counts()
	assert.Equal(t, 1, registered)
	assert.Equal(t, 1, unregistered, "double deactivation unregisters only once")
}

func TestMonitoringDisabledByProperty(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	ctrl := f.controller(t)
	require.NoError(t, ctrl.Activate(ctx, managedConfig("orders", "initialSize=1", "metricsEnabled=false")))

	registered, _ := f.prom.counts()
	assert.Equal(t, 0, registered)
}

// staticDataSource stands in for an externally built datasource bound in
// a directory.
type staticDataSource struct{ name string }

func (s *staticDataSource) Name() string { return s.name }

func (s *staticDataSource) Acquire(context.Context) (*pool.PooledConn, error) { return nil, nil }

func (s *staticDataSource) Release(*pool.PooledConn) {}

func (s *staticDataSource) Stats() *pool.Stats { return nil }

// trackingFactory wraps a directory factory and records context releases.
type trackingFactory struct {
	inner  directory.ContextFactory
	mu     sync.Mutex
	closed int
}

func (f *trackingFactory) factory(env map[string]string) (directory.Directory, error) {
	dir, err := f.inner(env)
	if err != nil {
		return nil, err
	}
	return &trackingDirectory{Directory: dir, owner: f}, nil
}

func (f *trackingFactory) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type trackingDirectory struct {
	directory.Directory
	owner *trackingFactory
}

func (d *trackingDirectory) Close() error {
	d.owner.mu.Lock()
	d.owner.closed++
	d.owner.mu.Unlock()
	return d.Directory.Close()
}

func TestLookupControllerActivate(t *testing.T) {
	store := directory.NewMemory()
	bound := &staticDataSource{name: "legacy"}
	store.Bind("jdbc/legacy", bound)
	tracking := &trackingFactory{inner: store.Factory()}

	services := registry.NewRegistry()
	ctrl := NewLookupController(services, tracking.factory, testutil.TestLogger(t))
	t.Cleanup(ctrl.Deactivate)

	require.NoError(t, ctrl.Activate(&config.Lookup{
		Name:          "legacy",
		DirectoryName: "jdbc/legacy",
	}))
	assert.True(t, ctrl.Active())

	svc, props, ok := services.Lookup(registry.CapabilityDataSource,
		registry.Properties{config.PropDataSourceName: "legacy"})
	require.True(t, ok)
	assert.Same(t, bound, svc)
	assert.Contains(t, props[registry.PropServiceDescription], "jdbc/legacy")

	assert.Equal(t, 1, tracking.closeCount(), "directory context released after lookup")

	ctrl.Deactivate()
	ctrl.Deactivate()
	assert.Empty(t, services.List(registry.CapabilityDataSource))
}

func TestLookupControllerValidation(t *testing.T) {
	store := directory.NewMemory()
	ctrl := NewLookupController(registry.NewRegistry(), store.Factory(), testutil.TestLogger(t))

	err := ctrl.Activate(&config.Lookup{DirectoryName: "jdbc/legacy"})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))

	err = ctrl.Activate(&config.Lookup{Name: "legacy"})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))
}

func TestLookupControllerNotFound(t *testing.T) {
	store := directory.NewMemory()
	tracking := &trackingFactory{inner: store.Factory()}
	ctrl := NewLookupController(registry.NewRegistry(), tracking.factory, testutil.TestLogger(t))

	err := ctrl.Activate(&config.Lookup{Name: "legacy", DirectoryName: "jdbc/missing"})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeLookupNotFound))
	assert.False(t, ctrl.Active())
	assert.Equal(t, 1, tracking.closeCount(), "context released on failure too")
}

func TestLookupControllerTypeMismatch(t *testing.T) {
	store := directory.NewMemory()
	store.Bind("jdbc/legacy", "not a datasource")
	tracking := &trackingFactory{inner: store.Factory()}
	ctrl := NewLookupController(registry.NewRegistry(), tracking.factory, testutil.TestLogger(t))

	err := ctrl.Activate(&config.Lookup{Name: "legacy", DirectoryName: "jdbc/legacy"})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeTypeMismatch))
	assert.Equal(t, 1, tracking.closeCount())
}

func TestLookupControllerBadEnvEntries(t *testing.T) {
	store := directory.NewMemory()
	ctrl := NewLookupController(registry.NewRegistry(), store.Factory(), testutil.TestLogger(t))

	err := ctrl.Activate(&config.Lookup{
		Name:                "legacy",
		DirectoryName:       "jdbc/legacy",
		DirectoryProperties: []string{"no-equals-here"},
	})
	require.Error(t, err)
	assert.True(t, dserrors.IsType(err, dserrors.ErrorTypeInvalidConfig))
}

func newTestManager(t *testing.T, f *fixture) *Manager {
	t.Helper()
	store := directory.NewMemory()
	store.Bind("jdbc/legacy", &staticDataSource{name: "legacy"})
	m := NewManager(f.drivers, f.services, f.monitor, store.Factory(), testutil.TestLogger(t))
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerApply(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	m := newTestManager(t, f)

	m.Apply(ctx, &config.File{
		DataSources: []*config.Managed{managedConfig("orders"), managedConfig("invoices")},
		Lookups: []*config.Lookup{
			{Name: "legacy", DirectoryName: "jdbc/legacy"},
		},
	})
	assert.Equal(t, 3, m.Active())
	assert.Len(t, f.services.List(registry.CapabilityDataSource), 3)

	// drop one pool, keep the rest
	m.Apply(ctx, &config.File{
		DataSources: []*config.Managed{managedConfig("orders", "maxActive=16")},
		Lookups: []*config.Lookup{
			{Name: "legacy", DirectoryName: "jdbc/legacy"},
		},
	})
	assert.Equal(t, 2, m.Active())

	_, ok := f.lookupDS("invoices")
	assert.False(t, ok, "removed datasource is deactivated")
	_, ok = f.lookupDS("orders")
	assert.True(t, ok)
}

func TestManagerApplySkipsBrokenInstance(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	m := newTestManager(t, f)

	m.Apply(ctx, &config.File{
		DataSources: []*config.Managed{
			{Name: "broken"}, // no url
			managedConfig("orders"),
		},
	})

	assert.Equal(t, 1, m.Active(), "one failed instance does not block the others")
	_, ok := f.lookupDS("orders")
	assert.True(t, ok)
	_, ok = f.lookupDS("broken")
	assert.False(t, ok)
}

func TestManagerShutdown(t *testing.T) {
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	f := newFixture(t)
	m := newTestManager(t, f)

	m.Apply(ctx, &config.File{
		DataSources: []*config.Managed{managedConfig("orders")},
		Lookups:     []*config.Lookup{{Name: "legacy", DirectoryName: "jdbc/legacy"}},
	})
	require.Equal(t, 2, m.Active())

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, 0, m.Active())
	assert.Empty(t, f.services.List(registry.CapabilityDataSource))
}
