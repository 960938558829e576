package segment

import (
	"path/filepath"
	"sync"
)

// Registry hands out one Manager per directory. Each Acquire must be paired
// with a Release; the manager closes when the last reference is released.
type Registry struct {
	mu       sync.Mutex
	managers map[string]*registryEntry
}

type registryEntry struct {
	m    *Manager
	refs int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]*registryEntry)}
}

// DefaultRegistry is the process-wide registry.
var DefaultRegistry = NewRegistry()

func registryKey(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return filepath.Clean(abs)
	}
	return filepath.Clean(dir)
}

// Acquire returns the manager for dir, opening it with opts on first use.
// Options are ignored for a directory that is already open.
func (r *Registry) Acquire(dir string, opts ...Option) (*Manager, error) {
	key := registryKey(dir)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.managers[key]; ok {
		e.refs++
		return e.m, nil
	}
	m, err := Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	r.managers[key] = &registryEntry{m: m, refs: 1}
	return m, nil
}

// Release drops one reference to m and closes it with the last one.
func (r *Registry) Release(m *Manager) error {
	key := registryKey(m.Dir())

	r.mu.Lock()
	e, ok := r.managers[key]
	if !ok || e.m != m {
		r.mu.Unlock()
		return m.Close()
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.managers, key)
	r.mu.Unlock()
	return m.Close()
}

// Refs returns the reference count of dir.
func (r *Registry) Refs(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.managers[registryKey(dir)]; ok {
		return e.refs
	}
	return 0
}
