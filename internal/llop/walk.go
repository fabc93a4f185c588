package llop

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// subtree summarizes the files below (and including) a node.
type subtree struct {
	Size  int64
	Files int
	// ContentKeys are the object keys of every file with separate content.
	ContentKeys []string
	// Immutable lists every immutable entry, directories included.
	Immutable []*vfs.StatResult
}

// locked returns the immutable entries as nodes on backend.
func (t subtree) locked(backend vfs.BackendAPI) []*vfs.Node {
	nodes := make([]*vfs.Node, 0, len(t.Immutable))
	for _, e := range t.Immutable {
		nodes = append(nodes, vfs.NewNodeFromEntry(backend, e))
	}
	return nodes
}

// measure walks entry's subtree on backend. Symlinks and shortcuts count
// as themselves and are never followed.
func measure(ctx context.Context, backend vfs.BackendAPI, entry *vfs.StatResult) (subtree, error) {
	var t subtree
	err := walk(ctx, backend, entry, func(e *vfs.StatResult) {
		if e.Immutable {
			t.Immutable = append(t.Immutable, e)
		}
		if e.Type != vfs.TypeFile {
			return
		}
		t.Size += e.Size
		t.Files++
		if e.ContentKey != "" {
			t.ContentKeys = append(t.ContentKeys, e.ContentKey)
		}
	})
	return t, err
}

func walk(ctx context.Context, backend vfs.BackendAPI, entry *vfs.StatResult, fn func(*vfs.StatResult)) error {
	fn(entry)
	if !entry.IsDir() {
		return nil
	}
	children, err := children(ctx, backend, entry)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := walk(ctx, backend, c, fn); err != nil {
			return err
		}
	}
	return nil
}

// children returns full stats of dir's entries, statting each one when
// the backend's readdir is not verbose.
func children(ctx context.Context, backend vfs.BackendAPI, dir *vfs.StatResult) ([]*vfs.StatResult, error) {
	entries, err := backend.Readdir(ctx, vfs.PathSelector{Value: dir.Path})
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir.Path, err)
	}
	out := make([]*vfs.StatResult, 0, len(entries))
	for _, e := range entries {
		if e.Full != nil {
			out = append(out, e.Full)
			continue
		}
		st, err := backend.Stat(ctx, vfs.PathSelector{Value: vfs.Join(dir.Path, e.Name)}, vfs.StatOptions{})
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ownerOr returns the node's owner, or the actor when the node has none.
func ownerOr(n *vfs.Node, actor vfs.Actor) int64 {
	if n != nil {
		if id := n.OwnerID(); id != 0 {
			return id
		}
	}
	return actor.UserID
}

// fetch stats n and fails with NotFound when it does not exist.
func fetch(ctx context.Context, n *vfs.Node) (*vfs.StatResult, error) {
	if n == nil {
		return nil, vfs.NewError("stat", "", vfs.ErrInvalidArgument)
	}
	return n.Get(ctx)
}

// directory fetches n and requires it to be a directory.
func directory(ctx context.Context, n *vfs.Node) (*vfs.StatResult, error) {
	st, err := fetch(ctx, n)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, vfs.NewError("stat", n.Describe(false),
			fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
	}
	return st, nil
}

// destination describes the node at parent/name, which may not exist.
func destination(ctx context.Context, parent *vfs.Node, parentEntry *vfs.StatResult, name string) (*vfs.Node, error) {
	if !vfs.ValidName(name) {
		return nil, vfs.NewError("resolve", name, fmt.Errorf("%w: invalid name", vfs.ErrInvalidArgument))
	}
	dst := vfs.NewNode(parent.Backend(), vfs.PathSelector{Value: vfs.Join(parentEntry.Path, name)})
	if err := dst.Fetch(ctx); err != nil {
		return nil, err
	}
	return dst, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, vfs.ErrNotFound)
}
