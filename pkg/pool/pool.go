// Package pool implements the pooled-connection manager supervised by the
// lifecycle controller: bounded borrow/return of physical connections with
// lazy materialization, in-place reconfiguration and clean teardown.
package pool

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/driver"
	"github.com/dataplane-io/dspool/pkg/dserrors"
	"github.com/dataplane-io/dspool/pkg/logger"
)

// PooledConn is a physical connection owned by a Pool. Consumers hand it
// back with Pool.Return; only the pool closes the underlying connection.
type PooledConn struct {
	raw driver.Conn
	gen uint64
}

// Raw exposes the underlying physical connection.
func (c *PooledConn) Raw() driver.Conn {
	return c.raw
}

// Pool manages a bounded set of physical connections. Connections are
// created lazily: the pool materializes on its first Start (triggered
// explicitly or by the first Borrow), not at construction time.
//
// Reconfigure pauses the pool, swaps its configuration and invalidates the
// current generation; connections from an older generation are discarded
// when they surface. Close is terminal and idempotent.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	idle    chan *PooledConn
	pauseCh chan struct{}
	active  int
	gen     uint64
	started bool
	closed  bool
	stats   *Stats
	logger  *zap.Logger
}

// New creates a pool in the unstarted state. No connections are opened
// until Start or the first Borrow.
func New(cfg Config, log *zap.Logger) *Pool {
	normalize(&cfg)
	if log == nil {
		log = logger.Get()
	}
	return &Pool{
		cfg:    cfg,
		logger: log.With(zap.String("component", "pool"), zap.String("pool", cfg.Name)),
	}
}

// Start materializes the pool: allocates a fresh statistics object and
// fills it up to max(InitialSize, MinIdle) connections. Calling Start on
// a started pool is a no-op. On a dial error the already-opened
// connections stay in the pool; the caller decides whether to close it.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dserrors.New(dserrors.ErrorTypePoolClosed, "pool is closed")
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	if p.cfg.Connect == nil {
		p.mu.Unlock()
		return dserrors.New(dserrors.ErrorTypeInvalidConfig, "pool has no connection source")
	}

	// A fresh statistics object per materialization: monitoring re-registers
	// against it after a restart.
	p.stats = newStats()
	p.idle = make(chan *PooledConn, p.cfg.MaxIdle)
	p.pauseCh = make(chan struct{})
	p.started = true
	gen := p.gen
	fill := p.cfg.InitialSize
	if p.cfg.MinIdle > fill {
		fill = p.cfg.MinIdle
	}
	p.mu.Unlock()

	p.logger.Info("pool started",
		zap.Int("initial_size", fill),
		zap.Int("max_active", p.MaxActive()))

	for i := 0; i < fill; i++ {
		p.mu.Lock()
		p.active++
		p.mu.Unlock()
		conn, err := p.dial(ctx, gen)
		if err != nil {
			return dserrors.Wrap(err, dserrors.ErrorTypeConnectionFailed, "initial pool fill failed")
		}
		p.put(conn)
	}

	return nil
}

// Started reports whether the pool is materialized.
func (p *Pool) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Config returns a copy of the current pool configuration.
func (p *Pool) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// MaxActive returns the configured connection cap.
func (p *Pool) MaxActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxActive
}

// Stats returns the live statistics object, or nil if the pool has never
// materialized.
func (p *Pool) Stats() *Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Borrow hands out a pooled connection, starting the pool if this is its
// first use. It prefers an idle connection, dials a new one while under
// MaxActive, and otherwise waits until one is returned, the configured
// MaxWait elapses or ctx is done.
func (p *Pool) Borrow(ctx context.Context) (*PooledConn, error) {
	p.mu.Lock()
	maxWait := p.cfg.MaxWait
	p.mu.Unlock()

	timer := newWaitTimer(maxWait)
	defer timer.stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, dserrors.New(dserrors.ErrorTypePoolClosed, "pool is closed")
		}
		if !p.started {
			p.mu.Unlock()
			if err := p.Start(ctx); err != nil {
				return nil, err
			}
			continue
		}

		gen := p.gen
		idle := p.idle
		pause := p.pauseCh

		select {
		case c := <-idle:
			p.mu.Unlock()
			if conn, ok := p.take(ctx, c); ok {
				return conn, nil
			}
			continue
		default:
		}

		if p.active < p.cfg.MaxActive {
			p.active++
			p.mu.Unlock()
			conn, err := p.dial(ctx, gen)
			if err != nil {
				return nil, err
			}
			if s := p.Stats(); s != nil {
				s.borrowed.Add(1)
			}
			return conn, nil
		}
		p.mu.Unlock()

		select {
		case c, ok := <-idle:
			if !ok || c == nil {
				continue
			}
			if conn, ok := p.take(ctx, c); ok {
				return conn, nil
			}
		case <-pause:
			// reconfigured mid-wait; re-evaluate against the new generation
		case <-ctx.Done():
			return nil, dserrors.Wrap(ctx.Err(), dserrors.ErrorTypePoolExhausted, "connection wait canceled")
		case <-timer.expired():
			if s := p.Stats(); s != nil {
				s.waitTimeouts.Add(1)
			}
			return nil, dserrors.Newf(dserrors.ErrorTypePoolExhausted,
				"no connection became available within %s", maxWait)
		}
	}
}

// Return hands a borrowed connection back to the pool. Connections from a
// stale generation, or returned after close, are destroyed.
func (p *Pool) Return(c *PooledConn) {
	if c == nil {
		return
	}
	if s := p.Stats(); s != nil {
		s.returned.Add(1)
	}
	p.put(c)
}

// Reconfigure pauses the pool and swaps its configuration in place. Idle
// connections are discarded, outstanding ones are destroyed as they come
// back, and the pool rematerializes on its next Start or Borrow. The Pool
// object itself survives.
func (p *Pool) Reconfigure(cfg Config) error {
	normalize(&cfg)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dserrors.New(dserrors.ErrorTypePoolClosed, "pool is closed")
	}
	if cfg.Connect == nil {
		cfg.Connect = p.cfg.Connect
	}
	p.pauseLocked()
	p.cfg = cfg
	p.mu.Unlock()

	p.logger.Info("pool reconfigured", zap.Int("max_active", cfg.MaxActive))
	return nil
}

// Close tears the pool down, releasing all idle connections. Outstanding
// borrowed connections are destroyed on Return. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.pauseLocked()
	p.mu.Unlock()

	p.logger.Info("pool closed")
}

// pauseLocked invalidates the current generation, wakes waiting borrowers
// and drains idle connections. Caller holds p.mu.
func (p *Pool) pauseLocked() {
	p.gen++
	p.started = false
	if p.pauseCh != nil {
		close(p.pauseCh)
		p.pauseCh = nil
	}
	if p.idle == nil {
		return
	}
	for {
		select {
		case c := <-p.idle:
			if c != nil {
				p.active--
				c.raw.Close()
				if p.stats != nil {
					p.stats.destroyed.Add(1)
				}
			}
		default:
			p.idle = nil
			return
		}
	}
}

// dial opens one physical connection for the given generation. The caller
// must have reserved an active slot; dial gives it back on failure.
func (p *Pool) dial(ctx context.Context, gen uint64) (*PooledConn, error) {
	p.mu.Lock()
	connect := p.cfg.Connect
	s := p.stats
	p.mu.Unlock()

	raw, err := connect(ctx)
	if err != nil {
		p.releaseSlot()
		return nil, err
	}
	if s != nil {
		s.created.Add(1)
	}
	return &PooledConn{raw: raw, gen: gen}, nil
}

// take validates an idle connection before handing it out. Stale or
// unhealthy connections are destroyed and the borrow loop retries.
func (p *Pool) take(ctx context.Context, c *PooledConn) (*PooledConn, bool) {
	if c == nil {
		return nil, false
	}

	p.mu.Lock()
	stale := p.closed || c.gen != p.gen
	test := p.cfg.TestOnBorrow
	s := p.stats
	p.mu.Unlock()

	if stale {
		p.destroy(c, s)
		return nil, false
	}

	if test {
		if err := c.raw.Ping(ctx); err != nil {
			p.logger.Debug("idle connection failed validation", zap.Error(err))
			if s != nil {
				s.validationFailures.Add(1)
			}
			p.destroy(c, s)
			return nil, false
		}
	}

	if s != nil {
		s.borrowed.Add(1)
	}
	return c, true
}

// put places a connection back into the idle set, destroying it when the
// pool is paused, closed, from a stale generation, or idle-full. The
// non-blocking send happens under the mutex so a concurrent pause cannot
// strand a connection in an abandoned channel.
func (p *Pool) put(c *PooledConn) {
	p.mu.Lock()
	s := p.stats
	if p.closed || !p.started || c.gen != p.gen {
		p.active--
		p.mu.Unlock()
		c.raw.Close()
		if s != nil {
			s.destroyed.Add(1)
		}
		return
	}

	select {
	case p.idle <- c:
		p.mu.Unlock()
	default:
		p.active--
		p.mu.Unlock()
		c.raw.Close()
		if s != nil {
			s.destroyed.Add(1)
		}
	}
}

// destroy closes a connection and gives up its active slot.
func (p *Pool) destroy(c *PooledConn, s *Stats) {
	p.releaseSlot()
	c.raw.Close()
	if s != nil {
		s.destroyed.Add(1)
	}
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}
