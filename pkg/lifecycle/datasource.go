package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/monitoring"
	"github.com/dataplane-io/dspool/pkg/pool"
)

// DataSource is the capability type published to the service registry.
// Consumers acquire and release pooled connections through it; the pool's
// lifetime stays with the owning controller, so there is no Close here.
type DataSource interface {
	// Name returns the configured datasource identity.
	Name() string
	// Acquire borrows a pooled connection, materializing the pool on
	// first use.
	Acquire(ctx context.Context) (*pool.PooledConn, error)
	// Release hands a borrowed connection back.
	Release(conn *pool.PooledConn)
	// Stats returns the pool's live statistics object, nil before the
	// pool first materializes.
	Stats() *pool.Stats
}

// managedDataSource wraps the supervised pool by composition and
// intercepts its start to register the monitoring hook lazily. The hook
// is registered at most once per materialization, even when many callers
// race on first use: an unlocked flag check, then a narrow critical
// section that re-checks before registering.
type managedDataSource struct {
	name      string
	pool      *pool.Pool
	registrar *monitoring.Registrar
	logger    *zap.Logger

	mu         sync.Mutex
	registered atomic.Bool
	hook       *monitoring.Hook
}

func newManagedDataSource(name string, p *pool.Pool, registrar *monitoring.Registrar, log *zap.Logger) *managedDataSource {
	return &managedDataSource{
		name:      name,
		pool:      p,
		registrar: registrar,
		logger:    log.With(zap.String("datasource", name)),
	}
}

// Name implements DataSource.
func (d *managedDataSource) Name() string {
	return d.name
}

// Acquire implements DataSource.
func (d *managedDataSource) Acquire(ctx context.Context) (*pool.PooledConn, error) {
	if err := d.pool.Start(ctx); err != nil {
		return nil, err
	}
	d.registerLazily()
	return d.pool.Borrow(ctx)
}

// Release implements DataSource.
func (d *managedDataSource) Release(conn *pool.PooledConn) {
	d.pool.Return(conn)
}

// Stats implements DataSource.
func (d *managedDataSource) Stats() *pool.Stats {
	return d.pool.Stats()
}

// registerLazily registers the monitoring hook for the current pool
// materialization. Losers of the first-use race observe a fully
// registered (or fully skipped) state before proceeding.
func (d *managedDataSource) registerLazily() {
	if d.registered.Load() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.registered.Load() {
		return
	}
	d.hook = d.registrar.Register(d.name, d.pool)
	d.registered.Store(true)
}

// unregisterMonitoring withdraws the hook and rearms lazy registration
// for the next materialization.
func (d *managedDataSource) unregisterMonitoring() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hook != nil {
		d.registrar.Unregister(d.hook)
		d.hook = nil
	}
	d.registered.Store(false)
}

// reconfigure applies a new pool configuration in place: monitoring is
// paused, the pool's properties are swapped, and the pool restarted when
// it was serving before (or the new configuration asks for eager fill).
func (d *managedDataSource) reconfigure(ctx context.Context, cfg pool.Config) error {
	wasStarted := d.pool.Started()
	d.unregisterMonitoring()

	if err := d.pool.Reconfigure(cfg); err != nil {
		return err
	}

	if wasStarted || cfg.InitialSize > 0 {
		if err := d.pool.Start(ctx); err != nil {
			d.logger.Warn("pool restart after reconfiguration failed; will retry on next use", zap.Error(err))
			return err
		}
		d.registerLazily()
	}
	return nil
}

// close tears the datasource down: monitoring hook first, then the pool
// and every connection it holds.
func (d *managedDataSource) close() {
	d.unregisterMonitoring()
	d.pool.Close()
}
