// Package directory abstracts the external naming directory that the
// lookup datasource variant resolves pre-built datasources from. A
// directory context is acquired per lookup and must always be released,
// whatever the outcome.
package directory

import (
	"sync"
	"sync/atomic"

	"github.com/dataplane-io/dspool/pkg/dserrors"
)

// Directory is a name-to-object lookup context.
type Directory interface {
	// Lookup resolves a bound object by name. A missing binding returns
	// (nil, nil); the caller decides whether that is an error.
	Lookup(name string) (interface{}, error)
	// Close releases the directory context.
	Close() error
}

// ContextFactory opens a directory context from environment properties,
// the analog of constructing an initial naming context.
type ContextFactory func(env map[string]string) (Directory, error)

// Memory is a process-local name service used by tests and single-binary
// deployments. Each opened context is an independent view; closing a
// context does not affect the store or other contexts.
type Memory struct {
	mu       sync.RWMutex
	bindings map[string]interface{}
}

// NewMemory creates an empty in-process directory store.
func NewMemory() *Memory {
	return &Memory{bindings: make(map[string]interface{})}
}

// Bind associates a name with an object.
func (m *Memory) Bind(name string, obj interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[name] = obj
}

func (m *Memory) get(name string) interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bindings[name]
}

// Factory returns a ContextFactory opening per-lookup contexts over this
// store. Environment properties are ignored.
func (m *Memory) Factory() ContextFactory {
	return func(map[string]string) (Directory, error) {
		return &memoryContext{store: m}, nil
	}
}

type memoryContext struct {
	store  *Memory
	closed atomic.Bool
}

func (c *memoryContext) Lookup(name string) (interface{}, error) {
	if c.closed.Load() {
		return nil, dserrors.New(dserrors.ErrorTypeInternal, "directory context is closed")
	}
	return c.store.get(name), nil
}

func (c *memoryContext) Close() error {
	c.closed.Store(true)
	return nil
}
