// Package registry implements the in-process service registry that
// published datasources are discovered through. Services are published
// under a capability key with identifying properties; publication is
// revoked through an opaque handle, exactly once.
package registry

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dataplane-io/dspool/pkg/logger"
)

// Capability is the well-known key a service is published under.
type Capability string

// CapabilityDataSource is the capability key for SQL datasources.
const CapabilityDataSource Capability = "sql.DataSource"

// Well-known identity property keys.
const (
	PropServiceVendor      = "service.vendor"
	PropServiceDescription = "service.description"
)

// ServiceVendor is the fixed vendor string stamped on every publication.
const ServiceVendor = "dataplane.io"

// Properties are the identifying properties of a publication.
type Properties map[string]string

// Matches reports whether props contains every entry of filter.
func (p Properties) Matches(filter Properties) bool {
	for key, want := range filter {
		if p[key] != want {
			return false
		}
	}
	return true
}

func (p Properties) clone() Properties {
	out := make(Properties, len(p))
	for key, value := range p {
		out[key] = value
	}
	return out
}

type entry struct {
	svc   interface{}
	props Properties
}

// Registry is a mutex-guarded capability map.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[Capability]map[uint64]*entry
	logger  *zap.Logger
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Capability]map[uint64]*entry),
		logger:  logger.Get().With(zap.String("component", "service_registry")),
	}
}

// Handle represents one publication. It is revocable exactly once.
type Handle struct {
	registry  *Registry
	cap       Capability
	id        uint64
	withdrawn atomic.Bool
}

// Publish registers a service under a capability with identifying
// properties and returns the handle controlling the publication.
func (r *Registry) Publish(cap Capability, svc interface{}, props Properties) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.entries[cap] == nil {
		r.entries[cap] = make(map[uint64]*entry)
	}
	r.entries[cap][id] = &entry{svc: svc, props: props.clone()}

	r.logger.Info("service published",
		zap.String("capability", string(cap)),
		zap.Any("properties", props))

	return &Handle{registry: r, cap: cap, id: id}
}

// Withdraw revokes the publication. Withdrawing an already-withdrawn
// handle is a no-op.
func (h *Handle) Withdraw() {
	if h == nil || !h.withdrawn.CompareAndSwap(false, true) {
		return
	}

	r := h.registry
	r.mu.Lock()
	if svcs, ok := r.entries[h.cap]; ok {
		delete(svcs, h.id)
	}
	r.mu.Unlock()

	r.logger.Info("service withdrawn", zap.String("capability", string(h.cap)))
}

// Lookup returns the first service under a capability whose properties
// contain every entry of filter. A nil filter matches any publication.
func (r *Registry) Lookup(cap Capability, filter Properties) (interface{}, Properties, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries[cap] {
		if e.props.Matches(filter) {
			return e.svc, e.props.clone(), true
		}
	}
	return nil, nil, false
}

// List returns the identifying properties of every publication under a
// capability.
func (r *Registry) List(cap Capability) []Properties {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Properties, 0, len(r.entries[cap]))
	for _, e := range r.entries[cap] {
		out = append(out, e.props.clone())
	}
	return out
}
