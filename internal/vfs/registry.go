package vfs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/storage"
)

// Resources are the shared handles a provider factory may use.
type Resources struct {
	DB      *sql.DB
	Objects storage.ObjectStore
}

// Factory builds a backend named name from its JSON config, mounted at
// mountpoint.
type Factory func(ctx context.Context, name, mountpoint string, config json.RawMessage, res Resources) (BackendAPI, error)

// Registry maps provider type names to factories. Providers are
// registered explicitly at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for kind. Registering a kind twice is an error.
func (r *Registry) Register(kind string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[kind]; ok {
		return fmt.Errorf("provider %q: %w", kind, ErrAlreadyExists)
	}
	r.factories[kind] = f
	return nil
}

// Kinds returns the registered provider types, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Open instantiates a backend of the given kind.
func (r *Registry) Open(ctx context.Context, kind, name, mountpoint string, config json.RawMessage, res Resources) (BackendAPI, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type %q: %w", kind, ErrInvalidArgument)
	}
	return f(ctx, name, Clean(mountpoint), config, res)
}

// MountSpec describes one mount to create at startup.
type MountSpec struct {
	Path   string
	Type   string
	Name   string
	Config json.RawMessage
}

// Mount is a backend attached at a path.
type Mount struct {
	Path    string
	Backend BackendAPI
}

// Mounts resolves selectors to backends: paths by longest mountpoint
// prefix, internal ids by backend name, uids through the root mount.
type Mounts struct {
	mu     sync.RWMutex
	mounts []Mount // longest path first
	byName map[string]BackendAPI
}

// NewMounts creates an empty mount table.
func NewMounts() *Mounts {
	return &Mounts{byName: make(map[string]BackendAPI)}
}

// Load opens every spec through reg and mounts it. A spec that fails to
// open is logged and skipped; the root mount is required.
func (m *Mounts) Load(ctx context.Context, reg *Registry, specs []MountSpec, res Resources) error {
	for _, spec := range specs {
		name := spec.Name
		if name == "" {
			name = spec.Type
		}
		backend, err := reg.Open(ctx, spec.Type, name, spec.Path, spec.Config, res)
		if err != nil {
			if Clean(spec.Path) == "/" {
				return fmt.Errorf("root mount: %w", err)
			}
			logging.Error("failed to initialize mount",
				zap.String("path", spec.Path),
				zap.String("type", spec.Type),
				zap.Error(err))
			continue
		}
		if err := m.Mount(spec.Path, backend); err != nil {
			return err
		}
	}

	if _, ok := m.root(); !ok {
		return fmt.Errorf("no root mount configured: %w", ErrInvalidArgument)
	}
	logging.Info("mount table loaded", zap.Int("mounts", len(m.List())))
	return nil
}

// Mount attaches backend at path.
func (m *Mounts) Mount(path string, backend BackendAPI) error {
	path = Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.mounts {
		if existing.Path == path {
			return fmt.Errorf("mount %s: %w", path, ErrAlreadyExists)
		}
	}
	if _, ok := m.byName[backend.Name()]; ok {
		return fmt.Errorf("backend name %s: %w", backend.Name(), ErrAlreadyExists)
	}
	m.mounts = append(m.mounts, Mount{Path: path, Backend: backend})
	sort.SliceStable(m.mounts, func(i, j int) bool {
		return len(m.mounts[i].Path) > len(m.mounts[j].Path)
	})
	m.byName[backend.Name()] = backend
	return nil
}

func (m *Mounts) root() (BackendAPI, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, mt := range m.mounts {
		if mt.Path == "/" {
			return mt.Backend, true
		}
	}
	return nil, false
}

// Resolve returns the backend responsible for sel.
func (m *Mounts) Resolve(sel Selector) (BackendAPI, error) {
	switch s := sel.(type) {
	case PathSelector:
		p := Clean(s.Value)
		m.mu.RLock()
		defer m.mu.RUnlock()
		for _, mt := range m.mounts {
			if Within(p, mt.Path) {
				return mt.Backend, nil
			}
		}
		return nil, NewError("resolve", s.Describe(false), ErrNotFound)
	case InternalIDSelector:
		m.mu.RLock()
		defer m.mu.RUnlock()
		if b, ok := m.byName[s.Backend]; ok {
			return b, nil
		}
		return nil, NewError("resolve", s.Describe(false), ErrNotFound)
	case UIDSelector:
		if b, ok := m.root(); ok {
			return b, nil
		}
		return nil, NewError("resolve", s.Describe(false), ErrNotFound)
	default:
		return nil, NewError("resolve", "", ErrInvalidArgument)
	}
}

// ByName returns the backend registered under name.
func (m *Mounts) ByName(name string) (BackendAPI, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.byName[name]
	return b, ok
}

// List returns the mounts, longest path first.
func (m *Mounts) List() []Mount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mount, len(m.mounts))
	copy(out, m.mounts)
	return out
}

// Close closes every backend that holds resources.
func (m *Mounts) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, mt := range m.mounts {
		if c, ok := mt.Backend.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
