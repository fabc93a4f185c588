// Package filesystem is the entry point the CLI and outer layers use. It
// resolves selectors on the mount table, serves reads through the
// content cache and runs mutations as operations.
package filesystem

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/filecache"
	"github.com/fruitsalade/cloudfs/internal/llop"
	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Service is safe for concurrent use.
type Service struct {
	mounts *vfs.Mounts
	deps   llop.Deps
	cache  *filecache.Cache
}

// New creates a service over mounts. deps.ACL is required; cache may be
// nil to disable content caching.
func New(mounts *vfs.Mounts, deps llop.Deps, cache *filecache.Cache) (*Service, error) {
	if mounts == nil {
		return nil, fmt.Errorf("filesystem: no mount table")
	}
	if deps.ACL == nil {
		return nil, fmt.Errorf("filesystem: no access control")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	return &Service{mounts: mounts, deps: deps, cache: cache}, nil
}

// Node resolves sel to a node on the backend responsible for it. The
// node is not fetched.
func (s *Service) Node(sel vfs.Selector) (*vfs.Node, error) {
	if err := validate(sel); err != nil {
		return nil, err
	}
	backend, err := s.mounts.Resolve(sel)
	if err != nil {
		return nil, err
	}
	return vfs.NewNode(backend, sel), nil
}

// Stat returns the entry of sel if the actor may read it.
func (s *Service) Stat(ctx context.Context, actor vfs.Actor, sel vfs.Selector) (*vfs.StatResult, error) {
	n, err := s.Node(sel)
	if err != nil {
		return nil, err
	}
	return s.readable(ctx, actor, n)
}

// Readdir lists a directory the actor may read. Mounts attached directly
// below the directory are listed with their root entry.
func (s *Service) Readdir(ctx context.Context, actor vfs.Actor, sel vfs.Selector) ([]*vfs.StatResult, error) {
	n, err := s.Node(sel)
	if err != nil {
		return nil, err
	}
	dir, err := s.readable(ctx, actor, n)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, vfs.NewError("readdir", dir.Path, fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
	}

	backend := n.Backend()
	entries, err := backend.Readdir(ctx, vfs.PathSelector{Value: dir.Path})
	if err != nil {
		return nil, err
	}
	out := make([]*vfs.StatResult, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		st := e.Full
		if st == nil {
			st, err = backend.Stat(ctx, vfs.PathSelector{Value: vfs.Join(dir.Path, e.Name)}, vfs.StatOptions{})
			if err != nil {
				return nil, err
			}
		}
		seen[st.Name] = true
		out = append(out, st)
	}

	for _, mt := range s.mounts.List() {
		if mt.Path == "/" || vfs.Dir(mt.Path) != dir.Path || seen[vfs.Base(mt.Path)] {
			continue
		}
		st, err := mt.Backend.Stat(ctx, vfs.PathSelector{Value: mt.Path}, vfs.StatOptions{})
		if err != nil {
			logging.WithContext(ctx).Warn("mount root unavailable",
				zap.String("mount", mt.Path),
				zap.String("backend", mt.Backend.Name()),
				zap.Error(err))
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile returns the content of a file the actor may read, from the
// cache when possible.
func (s *Service) ReadFile(ctx context.Context, actor vfs.Actor, sel vfs.Selector) ([]byte, error) {
	n, err := s.Node(sel)
	if err != nil {
		return nil, err
	}
	st, err := s.readable(ctx, actor, n)
	if err != nil {
		return nil, err
	}
	if st.Type != vfs.TypeFile {
		return nil, vfs.NewError("read", st.Path, fmt.Errorf("%w: not a file", vfs.ErrInvalidArgument))
	}

	key := cacheKey(n.Backend(), st.Path)
	if s.cache != nil {
		if data, ok := s.cache.TryGet(key); ok {
			return data, nil
		}
	}
	data, err := n.Backend().ReadFile(ctx, vfs.PathSelector{Value: st.Path})
	if err != nil {
		return nil, err
	}
	metrics.RecordTransferBytes("read", int64(len(data)))
	if s.cache != nil {
		s.cache.Store(key, data)
	}
	return data, nil
}

// Mkdir creates parent/name.
func (s *Service) Mkdir(ctx context.Context, actor vfs.Actor, parent vfs.Selector, name string) (*vfs.StatResult, error) {
	p, err := s.Node(parent)
	if err != nil {
		return nil, err
	}
	return llop.NewMkdir(s.deps, actor, p, name).Run(ctx)
}

// Write stores data at sel.
func (s *Service) Write(ctx context.Context, actor vfs.Actor, sel vfs.Selector, data []byte, opts llop.WriteOptions) (*vfs.StatResult, error) {
	n, err := s.Node(sel)
	if err != nil {
		return nil, err
	}
	defer s.invalidate(n)
	st, err := llop.NewWrite(s.deps, actor, n, data, opts).Run(ctx)
	if err == nil {
		metrics.RecordTransferBytes("write", int64(len(data)))
	}
	return st, err
}

// Remove deletes sel.
func (s *Service) Remove(ctx context.Context, actor vfs.Actor, sel vfs.Selector, opts llop.RemoveOptions) error {
	n, err := s.Node(sel)
	if err != nil {
		return err
	}
	defer s.invalidate(n)
	_, err = llop.NewRemove(s.deps, actor, n, opts).Run(ctx)
	return err
}

// Copy copies source to parent/name.
func (s *Service) Copy(ctx context.Context, actor vfs.Actor, source, parent vfs.Selector, name string, opts llop.CopyOptions) (*vfs.StatResult, error) {
	src, err := s.Node(source)
	if err != nil {
		return nil, err
	}
	p, err := s.Node(parent)
	if err != nil {
		return nil, err
	}
	if opts.Overwrite {
		defer s.invalidateChild(p, name)
	}
	return llop.NewCopy(s.deps, actor, src, p, name, opts).Run(ctx)
}

// Move moves source to parent/name.
func (s *Service) Move(ctx context.Context, actor vfs.Actor, source, parent vfs.Selector, name string, opts llop.MoveOptions) (*vfs.StatResult, error) {
	src, err := s.Node(source)
	if err != nil {
		return nil, err
	}
	p, err := s.Node(parent)
	if err != nil {
		return nil, err
	}
	defer s.invalidate(src)
	defer s.invalidateChild(p, name)
	return llop.NewMove(s.deps, actor, src, p, name, opts).Run(ctx)
}

// CacheStats returns content cache occupancy; zero when caching is off.
func (s *Service) CacheStats() filecache.Stats {
	if s.cache == nil {
		return filecache.Stats{}
	}
	return s.cache.Stats()
}

// CacheEntries lists the cached files, best score first.
func (s *Service) CacheEntries() []filecache.EntryInfo {
	if s.cache == nil {
		return nil
	}
	return s.cache.List()
}

// Mounts returns the mount table.
func (s *Service) Mounts() []vfs.Mount {
	return s.mounts.List()
}

// readable fetches n and checks read access, hiding nodes the actor may
// not see behind the collaborator's safe error.
func (s *Service) readable(ctx context.Context, actor vfs.Actor, n *vfs.Node) (*vfs.StatResult, error) {
	st, err := n.Get(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := s.deps.ACL.Check(ctx, actor, n, vfs.PermRead)
	if err != nil {
		logging.WithContext(ctx).Error("permission check failed",
			zap.String("node", n.Describe(false)),
			zap.Error(err))
		ok = false
	}
	if !ok {
		if serr := s.deps.ACL.SafeError(ctx, actor, n, vfs.PermRead); serr != nil {
			return nil, serr
		}
		return nil, vfs.NewError("read", n.Describe(false), vfs.ErrNotFound)
	}
	return st, nil
}

// invalidate drops cached content at and below the node's path.
func (s *Service) invalidate(n *vfs.Node) {
	if s.cache == nil || n.Path() == "" {
		return
	}
	s.invalidatePath(n.Backend(), n.Path())
}

func (s *Service) invalidateChild(parent *vfs.Node, name string) {
	if s.cache == nil || parent.Path() == "" {
		return
	}
	s.invalidatePath(parent.Backend(), vfs.Join(parent.Path(), name))
}

func (s *Service) invalidatePath(backend vfs.BackendAPI, path string) {
	prefix := backend.Name() + ":"
	dropped := s.cache.InvalidateWhere(func(key string) bool {
		p, ok := strings.CutPrefix(key, prefix)
		return ok && vfs.Within(p, path)
	})
	if dropped > 0 {
		logging.Debug("cache entries invalidated", zap.String("path", path), zap.Int("entries", dropped))
	}
}

func cacheKey(backend vfs.BackendAPI, path string) string {
	return backend.Name() + ":" + path
}
