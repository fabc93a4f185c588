// Package memfs is an in-memory filesystem provider. File content is kept
// inline or, when an object store is configured, in that store under the
// node uid.
package memfs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/cloudfs/internal/storage"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Kind is the provider type name used in the registry.
const Kind = "memory"

const (
	maxSymlinkHops = 16
	reportChunk    = 32 << 10
)

// Config is the JSON config of a memory provider.
type Config struct {
	// ObjectStore keeps file content in the shared object store.
	ObjectStore bool `json:"object_store"`
}

type node struct {
	stat     vfs.StatResult
	data     []byte
	children map[string]*node
}

func (n *node) path() string { return n.stat.Path }

func (n *node) snapshot() *vfs.StatResult {
	st := n.stat
	return &st
}

// FS is a memory provider mounted at one mountpoint. Paths are stored in
// full.
type FS struct {
	mu         sync.RWMutex
	name       string
	mountpoint string
	objects    storage.ObjectStore

	byPath map[string]*node
	byUID  map[string]*node
	byID   map[int64]*node
	nextID int64

	now func() time.Time
}

// New creates an empty provider whose root directory is mountpoint.
// objects may be nil.
func New(name, mountpoint string, objects storage.ObjectStore) *FS {
	f := &FS{
		name:       name,
		mountpoint: vfs.Clean(mountpoint),
		objects:    objects,
		byPath:     make(map[string]*node),
		byUID:      make(map[string]*node),
		byID:       make(map[int64]*node),
		now:        time.Now,
	}
	f.index(f.newNode(f.mountpoint, vfs.TypeDirectory, 0))
	return f
}

// Open is the registry factory for the memory provider.
func Open(_ context.Context, name, mountpoint string, raw json.RawMessage, res vfs.Resources) (vfs.BackendAPI, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse memory config: %w", err)
		}
	}
	if cfg.ObjectStore && res.Objects == nil {
		return nil, fmt.Errorf("memory provider %s: object_store set but no object store configured", name)
	}
	var objects storage.ObjectStore
	if cfg.ObjectStore {
		objects = res.Objects
	}
	return New(name, mountpoint, objects), nil
}

func (f *FS) Name() string { return f.name }

func (f *FS) Capabilities() vfs.Capability {
	return vfs.PlatformCaseSensitive | vfs.SupportsOwnerField | vfs.VerboseReaddir
}

// Objects returns the content store, nil when content is inline.
func (f *FS) Objects() storage.ObjectStore { return f.objects }

func (f *FS) newNode(p string, typ vfs.NodeType, owner int64) *node {
	f.nextID++
	now := f.now()
	n := &node{stat: vfs.StatResult{
		UID:        uuid.NewString(),
		Name:       vfs.Base(p),
		Path:       p,
		Type:       typ,
		Mtime:      now,
		Ctime:      now,
		Atime:      now,
		OwnerID:    owner,
		InternalID: f.nextID,
	}}
	if typ == vfs.TypeDirectory {
		n.children = make(map[string]*node)
	}
	return n
}

func (f *FS) index(n *node) {
	f.byPath[n.path()] = n
	f.byUID[n.stat.UID] = n
	f.byID[n.stat.InternalID] = n
}

func (f *FS) unindex(n *node) {
	delete(f.byPath, n.path())
	delete(f.byUID, n.stat.UID)
	delete(f.byID, n.stat.InternalID)
}

func (f *FS) attach(parent, child *node) {
	parent.children[child.stat.Name] = child
	parent.stat.Mtime = f.now()
	child.stat.ParentUID = parent.stat.UID
	f.index(child)
}

func (f *FS) detach(n *node) {
	if parent, ok := f.byPath[vfs.Dir(n.path())]; ok && parent != n {
		delete(parent.children, n.stat.Name)
		parent.stat.Mtime = f.now()
	}
}

// subtree returns n and its descendants, parents before children.
func subtree(n *node) []*node {
	out := []*node{n}
	for _, name := range sortedNames(n) {
		out = append(out, subtree(n.children[name])...)
	}
	return out
}

func sortedNames(n *node) []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *FS) lookup(op string, sel vfs.Selector) (*node, error) {
	var (
		n  *node
		ok bool
	)
	switch s := sel.(type) {
	case vfs.PathSelector:
		n, ok = f.byPath[vfs.Clean(s.Value)]
	case vfs.UIDSelector:
		n, ok = f.byUID[s.Value]
	case vfs.InternalIDSelector:
		if s.Backend == f.name {
			n, ok = f.byID[s.ID]
		}
	default:
		return nil, vfs.NewError(op, "", vfs.ErrInvalidArgument)
	}
	if !ok {
		return nil, vfs.NewError(op, sel.Describe(false), vfs.ErrNotFound)
	}
	return n, nil
}

func (f *FS) follow(op string, n *node) (*node, error) {
	for hops := 0; n.stat.Type == vfs.TypeSymlink; hops++ {
		if hops == maxSymlinkHops {
			return nil, vfs.NewError(op, n.path(), fmt.Errorf("%w: too many levels of symbolic links", vfs.ErrInvalidArgument))
		}
		target := n.stat.SymlinkTarget
		if !strings.HasPrefix(target, "/") {
			target = vfs.Join(vfs.Dir(n.path()), target)
		}
		next, ok := f.byPath[vfs.Clean(target)]
		if !ok {
			return nil, vfs.NewError(op, n.path(), vfs.ErrNotFound)
		}
		n = next
	}
	return n, nil
}

func (f *FS) Stat(_ context.Context, sel vfs.Selector, opts vfs.StatOptions) (*vfs.StatResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, err := f.lookup("stat", sel)
	if err != nil {
		return nil, err
	}
	if opts.FollowSymlinks {
		if n, err = f.follow("stat", n); err != nil {
			return nil, err
		}
	}
	return n.snapshot(), nil
}

func (f *FS) Readdir(_ context.Context, sel vfs.Selector) ([]vfs.DirEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, err := f.lookup("readdir", sel)
	if err != nil {
		return nil, err
	}
	if n.stat.Type != vfs.TypeDirectory {
		return nil, vfs.NewError("readdir", n.path(), fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
	}

	names := sortedNames(n)
	entries := make([]vfs.DirEntry, 0, len(names))
	for _, name := range names {
		c := n.children[name]
		entries = append(entries, vfs.DirEntry{Name: name, Mini: c.stat.Mini(), Full: c.snapshot()})
	}
	return entries, nil
}

func (f *FS) Mkdir(_ context.Context, parentSel vfs.Selector, name string, opts vfs.MkdirOptions) (*vfs.StatResult, error) {
	if !vfs.ValidName(name) {
		return nil, vfs.NewError("mkdir", name, fmt.Errorf("%w: invalid name", vfs.ErrInvalidArgument))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parent, err := f.lookup("mkdir", parentSel)
	if ps, isPath := parentSel.(vfs.PathSelector); err != nil && isPath && opts.Parents && errors.Is(err, vfs.ErrNotFound) {
		parent, err = f.mkdirAll(vfs.Clean(ps.Value), opts.OwnerID)
	}
	if err != nil {
		return nil, err
	}
	if parent.stat.Type != vfs.TypeDirectory {
		return nil, vfs.NewError("mkdir", parent.path(), fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}
	if existing, ok := parent.children[name]; ok {
		if opts.Parents && existing.stat.Type == vfs.TypeDirectory {
			return existing.snapshot(), nil
		}
		return nil, vfs.NewError("mkdir", existing.path(), vfs.ErrAlreadyExists)
	}

	child := f.newNode(vfs.Join(parent.path(), name), vfs.TypeDirectory, opts.OwnerID)
	f.attach(parent, child)
	return child.snapshot(), nil
}

func (f *FS) mkdirAll(p string, owner int64) (*node, error) {
	if !vfs.Within(p, f.mountpoint) {
		return nil, vfs.NewError("mkdir", p, vfs.ErrNotFound)
	}
	cur := f.byPath[f.mountpoint]
	rel := strings.TrimPrefix(strings.TrimPrefix(p, f.mountpoint), "/")
	if rel == "" {
		return cur, nil
	}
	for _, part := range strings.Split(rel, "/") {
		if cur.stat.Type != vfs.TypeDirectory {
			return nil, vfs.NewError("mkdir", cur.path(), fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
		}
		next, ok := cur.children[part]
		if !ok {
			next = f.newNode(vfs.Join(cur.path(), part), vfs.TypeDirectory, owner)
			f.attach(cur, next)
		}
		cur = next
	}
	return cur, nil
}

// Symlink creates a symbolic link named name under parent.
func (f *FS) Symlink(_ context.Context, parentSel vfs.Selector, name, target string, owner int64) (*vfs.StatResult, error) {
	if !vfs.ValidName(name) {
		return nil, vfs.NewError("symlink", name, fmt.Errorf("%w: invalid name", vfs.ErrInvalidArgument))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parent, err := f.lookup("symlink", parentSel)
	if err != nil {
		return nil, err
	}
	if parent.stat.Type != vfs.TypeDirectory {
		return nil, vfs.NewError("symlink", parent.path(), fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}
	if _, ok := parent.children[name]; ok {
		return nil, vfs.NewError("symlink", vfs.Join(parent.path(), name), vfs.ErrAlreadyExists)
	}
	link := f.newNode(vfs.Join(parent.path(), name), vfs.TypeSymlink, owner)
	link.stat.SymlinkTarget = target
	f.attach(parent, link)
	return link.snapshot(), nil
}

// destination resolves the target of a copy or rename: the path to
// create, its parent directory and the node it replaces, if any.
func (f *FS) destination(op string, to vfs.Selector, overwrite bool) (string, *node, *node, error) {
	var (
		dest     string
		replaced *node
	)
	existing, err := f.lookup(op, to)
	switch {
	case err == nil:
		if !overwrite {
			return "", nil, nil, vfs.NewError(op, existing.path(), vfs.ErrAlreadyExists)
		}
		dest, replaced = existing.path(), existing
	case errors.Is(err, vfs.ErrNotFound):
		ps, ok := to.(vfs.PathSelector)
		if !ok {
			return "", nil, nil, err
		}
		dest = vfs.Clean(ps.Value)
	default:
		return "", nil, nil, err
	}

	if dest == f.mountpoint || !vfs.Within(dest, f.mountpoint) || !vfs.ValidName(vfs.Base(dest)) {
		return "", nil, nil, vfs.NewError(op, dest, fmt.Errorf("%w: invalid destination", vfs.ErrInvalidArgument))
	}
	parent, ok := f.byPath[vfs.Dir(dest)]
	if !ok {
		return "", nil, nil, vfs.NewError(op, vfs.Dir(dest), vfs.ErrNotFound)
	}
	if parent.stat.Type != vfs.TypeDirectory {
		return "", nil, nil, vfs.NewError(op, parent.path(), fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}
	return dest, parent, replaced, nil
}

func (f *FS) Copy(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, err := f.lookup("copy", from)
	if err != nil {
		return nil, err
	}
	dest, parent, replaced, err := f.destination("copy", to, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	if vfs.Within(dest, src.path()) || (replaced != nil && vfs.Within(src.path(), replaced.path())) {
		return nil, vfs.NewError("copy", dest, fmt.Errorf("%w: copy into itself", vfs.ErrInvalidArgument))
	}

	var copied []string
	c, err := f.clone(ctx, src, dest, opts, &copied)
	if err == nil && replaced != nil {
		err = f.removeTree(ctx, replaced, true)
	}
	if err != nil {
		f.dropObjects(ctx, copied)
		return nil, err
	}

	f.attach(parent, c)
	for _, d := range subtree(c)[1:] {
		f.index(d)
	}
	return c.snapshot(), nil
}

// clone builds a detached copy of src at dest. Nothing is indexed until
// the whole subtree is copied; keys of the objects copied so far are
// appended to copied.
func (f *FS) clone(ctx context.Context, src *node, dest string, opts vfs.TransferOptions, copied *[]string) (*node, error) {
	owner := opts.OwnerID
	if owner == 0 {
		owner = src.stat.OwnerID
	}
	c := f.newNode(dest, src.stat.Type, owner)
	c.stat.Size = src.stat.Size
	c.stat.ContentType = src.stat.ContentType
	c.stat.Checksum = src.stat.Checksum
	c.stat.ShortcutTo = src.stat.ShortcutTo
	c.stat.SymlinkTarget = src.stat.SymlinkTarget

	if src.stat.Type == vfs.TypeFile {
		if f.objects != nil && src.stat.ContentKey != "" {
			if err := f.objects.CopyObject(ctx, src.stat.ContentKey, c.stat.UID); err != nil {
				return nil, vfs.Unavailable("copy", src.path(), err)
			}
			c.stat.ContentKey = c.stat.UID
			*copied = append(*copied, c.stat.ContentKey)
		} else {
			c.data = bytes.Clone(src.data)
		}
		vfs.Report(opts.Progress, c.stat.Size)
	}

	for _, name := range sortedNames(src) {
		child, err := f.clone(ctx, src.children[name], vfs.Join(dest, name), opts, copied)
		if err != nil {
			return nil, err
		}
		c.children[name] = child
		child.stat.ParentUID = c.stat.UID
	}
	return c, nil
}

// dropObjects deletes objects of an abandoned copy. Leftovers are
// unreferenced, so failures are ignored.
func (f *FS) dropObjects(ctx context.Context, keys []string) {
	for _, key := range keys {
		_ = f.objects.DeleteObject(ctx, key)
	}
}

func (f *FS) Rename(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, err := f.lookup("rename", from)
	if err != nil {
		return nil, err
	}
	if src.path() == f.mountpoint {
		return nil, vfs.NewError("rename", src.path(), fmt.Errorf("%w: cannot move a mount root", vfs.ErrInvalidArgument))
	}
	dest, parent, replaced, err := f.destination("rename", to, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	if replaced == src {
		return src.snapshot(), nil
	}
	if vfs.Within(dest, src.path()) || (replaced != nil && vfs.Within(src.path(), replaced.path())) {
		return nil, vfs.NewError("rename", dest, fmt.Errorf("%w: move into itself", vfs.ErrInvalidArgument))
	}
	if replaced != nil {
		if err := f.removeTree(ctx, replaced, true); err != nil {
			return nil, err
		}
	}

	f.detach(src)
	old := src.path()
	for _, n := range subtree(src) {
		delete(f.byPath, n.path())
		n.stat.Path = dest + strings.TrimPrefix(n.path(), old)
		f.byPath[n.path()] = n
	}
	src.stat.Name = vfs.Base(dest)
	src.stat.Ctime = f.now()
	f.attach(parent, src)
	return src.snapshot(), nil
}

func (f *FS) Delete(ctx context.Context, sel vfs.Selector, opts vfs.DeleteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup("delete", sel)
	if err != nil {
		return err
	}
	if n.path() == f.mountpoint {
		return vfs.NewError("delete", n.path(), fmt.Errorf("%w: cannot delete a mount root", vfs.ErrInvalidArgument))
	}
	if len(n.children) > 0 && !opts.Recursive {
		return vfs.NewError("delete", n.path(), vfs.ErrDirectoryNotEmpty)
	}
	return f.removeTree(ctx, n, !opts.MetadataOnly)
}

// removeTree drops n and its descendants from the index. Object deletes
// are attempted for every file even after a failure.
func (f *FS) removeTree(ctx context.Context, n *node, deleteObjects bool) error {
	f.detach(n)
	var errs []error
	for _, d := range subtree(n) {
		f.unindex(d)
		if deleteObjects && f.objects != nil && d.stat.ContentKey != "" {
			if err := f.objects.DeleteObject(ctx, d.stat.ContentKey); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return vfs.Unavailable("delete", n.path(), errors.Join(errs...))
	}
	return nil
}

func (f *FS) ReadFile(ctx context.Context, sel vfs.Selector) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, err := f.lookup("read", sel)
	if err != nil {
		return nil, err
	}
	if n, err = f.follow("read", n); err != nil {
		return nil, err
	}
	if n.stat.Type != vfs.TypeFile {
		return nil, vfs.NewError("read", n.path(), fmt.Errorf("%w: not a file", vfs.ErrInvalidArgument))
	}
	if n.stat.ContentKey == "" {
		return bytes.Clone(n.data), nil
	}

	data, err := storage.ReadAll(ctx, f.objects, n.stat.ContentKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, vfs.NewError("read", n.path(), vfs.ErrNotFound)
	}
	if err != nil {
		return nil, vfs.Unavailable("read", n.path(), err)
	}
	return data, nil
}

func (f *FS) WriteFile(ctx context.Context, sel vfs.Selector, data []byte, opts vfs.WriteOptions) (*vfs.StatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.lookup("write", sel)
	switch {
	case err == nil:
		if n.stat.Type != vfs.TypeFile {
			return nil, vfs.NewError("write", n.path(), fmt.Errorf("%w: not a file", vfs.ErrInvalidArgument))
		}
		if !opts.Overwrite {
			return nil, vfs.NewError("write", n.path(), vfs.ErrAlreadyExists)
		}
		if err := f.storeContent(ctx, n, data, opts); err != nil {
			return nil, err
		}
		return n.snapshot(), nil

	case errors.Is(err, vfs.ErrNotFound):
		ps, ok := sel.(vfs.PathSelector)
		if !opts.Create || !ok {
			return nil, err
		}
		p := vfs.Clean(ps.Value)
		if p == f.mountpoint || !vfs.Within(p, f.mountpoint) || !vfs.ValidName(vfs.Base(p)) {
			return nil, vfs.NewError("write", p, fmt.Errorf("%w: invalid path", vfs.ErrInvalidArgument))
		}
		parent, ok := f.byPath[vfs.Dir(p)]
		if !ok {
			return nil, vfs.NewError("write", vfs.Dir(p), vfs.ErrNotFound)
		}
		if parent.stat.Type != vfs.TypeDirectory {
			return nil, vfs.NewError("write", parent.path(), fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
		}
		n = f.newNode(p, vfs.TypeFile, opts.OwnerID)
		if err := f.storeContent(ctx, n, data, opts); err != nil {
			return nil, err
		}
		f.attach(parent, n)
		return n.snapshot(), nil

	default:
		return nil, err
	}
}

func (f *FS) storeContent(ctx context.Context, n *node, data []byte, opts vfs.WriteOptions) error {
	if f.objects != nil {
		key := n.stat.ContentKey
		if key == "" {
			key = n.stat.UID
		}
		body := vfs.ProgressReader(bytes.NewReader(data), opts.Progress)
		if err := f.objects.PutObject(ctx, key, body, int64(len(data)), opts.ContentType); err != nil {
			return vfs.Unavailable("write", n.path(), err)
		}
		n.stat.ContentKey = key
		n.data = nil
	} else {
		n.data = bytes.Clone(data)
		for off := 0; off < len(data); off += reportChunk {
			vfs.Report(opts.Progress, int64(min(reportChunk, len(data)-off)))
		}
	}

	n.stat.Size = int64(len(data))
	n.stat.ContentType = opts.ContentType
	n.stat.Checksum = opts.Checksum
	n.stat.Immutable = opts.Immutable
	n.stat.Mtime = f.now()
	return nil
}
