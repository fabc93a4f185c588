package llop

import (
	"context"
	"fmt"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// MoveOptions control NewMove.
type MoveOptions struct {
	Overwrite bool
}

// NewMove renames source to parent/name within one backend. A replaced
// destination releases its size from its owner's usage.
func NewMove(deps Deps, actor vfs.Actor, source, parent *vfs.Node, name string, opts MoveOptions) *Operation {
	def := &Definition{
		Name:    "move",
		Subject: source,
	}

	dest := func(op *Operation) *vfs.Node { return valueOf[*vfs.Node](op, "destination") }
	destPath := func(op *Operation) string {
		return vfs.Join(valueOf[*vfs.StatResult](op, "parent").Path, name)
	}

	def.Path = destPath
	def.Prepare = []Step{
		ValueStep{Name: "source", Fn: func(ctx context.Context, _ *Operation) (any, error) {
			return fetch(ctx, source)
		}},
		ValueStep{Name: "parent", Fn: func(ctx context.Context, _ *Operation) (any, error) {
			return directory(ctx, parent)
		}},
		ValueStep{Name: "destination", Fn: func(ctx context.Context, op *Operation) (any, error) {
			return destination(ctx, parent, valueOf[*vfs.StatResult](op, "parent"), name)
		}},
		EffectStep{Name: "validate", Fn: func(_ context.Context, op *Operation) error {
			to := destPath(op)
			if source.Backend() != parent.Backend() {
				return vfs.NewError("move", to, fmt.Errorf("%w: move across backends", vfs.ErrInvalidArgument))
			}
			if dest(op).Entry() != nil && !opts.Overwrite {
				return vfs.NewError("move", to, vfs.ErrAlreadyExists)
			}
			if vfs.Within(to, valueOf[*vfs.StatResult](op, "source").Path) {
				return vfs.NewError("move", to, fmt.Errorf("%w: move into itself", vfs.ErrInvalidArgument))
			}
			return nil
		}},
		ValueStep{Name: "replaced", Fn: func(ctx context.Context, op *Operation) (any, error) {
			existing := dest(op).Entry()
			if existing == nil {
				return subtree{}, nil
			}
			return measure(ctx, parent.Backend(), existing)
		}},
	}
	def.Gate = func(op *Operation) []*vfs.Node {
		return append([]*vfs.Node{source, parent, dest(op)}, valueOf[subtree](op, "replaced").locked(parent.Backend())...)
	}
	def.Checks = func(*Operation) []Check {
		return []Check{
			{Node: source, Perm: vfs.PermWrite},
			{Node: parent, Perm: vfs.PermWrite},
		}
	}
	def.Usage = func(op *Operation) Usage {
		return Usage{
			UserID: ownerOr(dest(op), actor),
			Delta:  -valueOf[subtree](op, "replaced").Size,
		}
	}

	def.Mutate = []Step{
		TaskStep{Name: "rename", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
			to := destPath(op)
			return []Task{{
				Name: "rename",
				Run: func(ctx context.Context) error {
					st, err := source.Backend().Rename(ctx, source.Selector(), vfs.PathSelector{Value: to}, vfs.TransferOptions{
						Overwrite: opts.Overwrite,
						OwnerID:   source.OwnerID(),
					})
					if err != nil {
						return err
					}
					op.SetResult(st)
					return nil
				},
			}}, nil
		}},
	}

	return New(def, deps, actor)
}
