// Package driver decouples pool internals from how raw database
// connections are actually established. Drivers register themselves by
// URL scheme, and a Resolver picks the right one per connection attempt.
package driver

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/dserrors"
	"github.com/dataplane-io/dspool/pkg/logger"
)

// Conn is a single physical database connection.
type Conn interface {
	// Ping verifies the connection is still usable.
	Ping(ctx context.Context) error
	// Close releases the connection.
	Close() error
}

// Driver establishes raw connections for one family of connection URLs.
type Driver interface {
	// Open establishes a new physical connection. Credentials override any
	// embedded in the URL when non-empty.
	Open(ctx context.Context, url, username, password string) (Conn, error)
}

// Registry maps URL schemes to registered drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
	logger  *zap.Logger
}

var defaultRegistry = NewRegistry()

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
		logger:  logger.Get().With(zap.String("component", "driver_registry")),
	}
}

// Default returns the process-wide registry populated by driver adapter
// init functions. Callers inject it explicitly; nothing in this module
// reaches for it ambiently.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a driver under a URL scheme. Registering the same
// scheme twice is a configuration error.
func (r *Registry) Register(scheme string, d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[scheme]; exists {
		return dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "driver for scheme %s already registered", scheme)
	}

	r.drivers[scheme] = d
	r.logger.Info("driver registered", zap.String("scheme", scheme))
	return nil
}

// Lookup returns the driver registered for a scheme.
func (r *Registry) Lookup(scheme string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[scheme]
	return d, ok
}

// Schemes returns the registered URL schemes.
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemes := make([]string, 0, len(r.drivers))
	for scheme := range r.drivers {
		schemes = append(schemes, scheme)
	}
	return schemes
}

// SchemeOf extracts the driver scheme from a connection URL.
func SchemeOf(url string) (string, error) {
	scheme, _, found := strings.Cut(url, "://")
	if !found || scheme == "" {
		return "", dserrors.Newf(dserrors.ErrorTypeInvalidConfig, "connection URL %q has no scheme", url)
	}
	return strings.ToLower(scheme), nil
}

// Resolver resolves a driver for a configured connection URL and opens
// raw connections through it. It holds no connection state; the pool
// invokes it once per physical connection it creates.
type Resolver struct {
	registry *Registry
	url      string
	username string
	password string
	logger   *zap.Logger
}

// NewResolver creates a resolver bound to one datasource's connection
// settings. The name is carried for error and log context only.
func NewResolver(registry *Registry, name, url, username, password string) *Resolver {
	return &Resolver{
		registry: registry,
		url:      url,
		username: username,
		password: password,
		logger:   logger.Get().With(zap.String("component", "driver_resolver"), zap.String("datasource", name)),
	}
}

// Connect resolves the driver for the configured URL and opens one
// physical connection. Connection errors are propagated, not retried;
// retry policy belongs to the caller.
func (r *Resolver) Connect(ctx context.Context) (Conn, error) {
	scheme, err := SchemeOf(r.url)
	if err != nil {
		return nil, err
	}

	d, ok := r.registry.Lookup(scheme)
	if !ok {
		return nil, dserrors.Newf(dserrors.ErrorTypeDriverNotFound, "no driver registered for scheme %s", scheme).
			WithDetail("url", r.url).
			WithDetail("available", r.registry.Schemes())
	}

	conn, err := d.Open(ctx, r.url, r.username, r.password)
	if err != nil {
		r.logger.Warn("connection attempt failed", zap.String("scheme", scheme), zap.Error(err))
		return nil, dserrors.Wrap(err, dserrors.ErrorTypeConnectionFailed, "failed to establish connection").
			WithDetail("scheme", scheme)
	}

	return conn, nil
}
