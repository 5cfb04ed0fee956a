// Package monitoring publishes live pool statistics to a Prometheus
// registry. Registration failures are never fatal: a pool keeps serving
// connections whether or not its statistics made it into the registry.
package monitoring

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/logger"
	"github.com/dataplane-io/dspool/pkg/pool"
)

// Registrar registers and unregisters pool statistics collectors against
// an injected Prometheus registry. It holds no state of its own.
type Registrar struct {
	reg    prometheus.Registerer
	logger *zap.Logger
}

// NewRegistrar creates a registrar bound to a Prometheus registry.
func NewRegistrar(reg prometheus.Registerer, log *zap.Logger) *Registrar {
	if log == nil {
		log = logger.Get()
	}
	return &Registrar{
		reg:    reg,
		logger: log.With(zap.String("component", "monitoring")),
	}
}

// Hook is the handle for one registered statistics collector.
type Hook struct {
	collector *poolCollector
}

// Register publishes a pool's statistics. It returns nil, without error,
// when monitoring is disabled for the pool or when registration fails
// (e.g. an identity collision); failures are logged only.
func (r *Registrar) Register(name string, p *pool.Pool) *Hook {
	if p == nil {
		return nil
	}
	if !p.Config().MetricsEnabled {
		// monitoring not enabled for this instance
		return nil
	}

	c := newPoolCollector(name, p)
	if err := r.reg.Register(c); err != nil {
		are := prometheus.AlreadyRegisteredError{}
		if errors.As(err, &are) {
			r.logger.Warn("pool statistics already registered", zap.String("pool", name))
		} else {
			r.logger.Warn("failed to register pool statistics", zap.String("pool", name), zap.Error(err))
		}
		return nil
	}

	r.logger.Info("pool statistics registered", zap.String("pool", name))
	return &Hook{collector: c}
}

// Unregister withdraws a previously registered hook. A nil hook and an
// already-removed collector are both no-ops.
func (r *Registrar) Unregister(h *Hook) {
	if h == nil || h.collector == nil {
		return
	}
	if !r.reg.Unregister(h.collector) {
		r.logger.Debug("pool statistics already unregistered", zap.String("pool", h.collector.pool.Config().Name))
	}
}

// poolCollector exports one pool's live statistics. Identity is the
// composite {type, quoted name} carried as constant labels.
type poolCollector struct {
	pool *pool.Pool

	open               *prometheus.Desc
	idle               *prometheus.Desc
	busy               *prometheus.Desc
	created            *prometheus.Desc
	destroyed          *prometheus.Desc
	borrowed           *prometheus.Desc
	returned           *prometheus.Desc
	validationFailures *prometheus.Desc
	waitTimeouts       *prometheus.Desc
}

func newPoolCollector(name string, p *pool.Pool) *poolCollector {
	labels := prometheus.Labels{
		"type": "ConnectionPool",
		"name": strconv.Quote(name),
	}
	desc := func(suffix, help string) *prometheus.Desc {
		return prometheus.NewDesc("dspool_pool_"+suffix, help, nil, labels)
	}
	return &poolCollector{
		pool:               p,
		open:               desc("open_connections", "Physical connections currently open"),
		idle:               desc("idle_connections", "Connections idle in the pool"),
		busy:               desc("busy_connections", "Connections currently borrowed"),
		created:            desc("connections_created_total", "Physical connections opened"),
		destroyed:          desc("connections_destroyed_total", "Physical connections closed"),
		borrowed:           desc("borrows_total", "Successful connection borrows"),
		returned:           desc("returns_total", "Connections handed back"),
		validationFailures: desc("validation_failures_total", "Idle connections that failed borrow-time validation"),
		waitTimeouts:       desc("wait_timeouts_total", "Borrows that gave up waiting for a connection"),
	}
}

// Describe implements prometheus.Collector.
func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.idle
	ch <- c.busy
	ch <- c.created
	ch <- c.destroyed
	ch <- c.borrowed
	ch <- c.returned
	ch <- c.validationFailures
	ch <- c.waitTimeouts
}

// Collect implements prometheus.Collector.
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.pool.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(snap.Open))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(snap.Idle))
	ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, float64(snap.Busy))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(snap.Created))
	ch <- prometheus.MustNewConstMetric(c.destroyed, prometheus.CounterValue, float64(snap.Destroyed))
	ch <- prometheus.MustNewConstMetric(c.borrowed, prometheus.CounterValue, float64(snap.Borrowed))
	ch <- prometheus.MustNewConstMetric(c.returned, prometheus.CounterValue, float64(snap.Returned))
	ch <- prometheus.MustNewConstMetric(c.validationFailures, prometheus.CounterValue, float64(snap.ValidationFailures))
	ch <- prometheus.MustNewConstMetric(c.waitTimeouts, prometheus.CounterValue, float64(snap.WaitTimeouts))
}
