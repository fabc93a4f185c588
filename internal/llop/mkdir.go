package llop

import (
	"context"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// NewMkdir creates the directory parent/name owned by the actor.
func NewMkdir(deps Deps, actor vfs.Actor, parent *vfs.Node, name string) *Operation {
	def := &Definition{
		Name:    "mkdir",
		Subject: parent,
	}
	destPath := func(op *Operation) string {
		return vfs.Join(valueOf[*vfs.StatResult](op, "parent").Path, name)
	}

	def.Path = destPath
	def.Prepare = []Step{
		ValueStep{Name: "parent", Fn: func(ctx context.Context, _ *Operation) (any, error) {
			return directory(ctx, parent)
		}},
		EffectStep{Name: "validate", Fn: func(ctx context.Context, op *Operation) error {
			dst, err := destination(ctx, parent, valueOf[*vfs.StatResult](op, "parent"), name)
			if err != nil {
				return err
			}
			if dst.Entry() != nil {
				return vfs.NewError("mkdir", destPath(op), vfs.ErrAlreadyExists)
			}
			return nil
		}},
	}
	def.Gate = func(*Operation) []*vfs.Node {
		return []*vfs.Node{parent}
	}
	def.Checks = func(*Operation) []Check {
		return []Check{{Node: parent, Perm: vfs.PermWrite}}
	}

	def.Mutate = []Step{
		TaskStep{Name: "mkdir", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
			return []Task{{
				Name: "mkdir",
				Run: func(ctx context.Context) error {
					st, err := parent.Backend().Mkdir(ctx, parent.Selector(), name, vfs.MkdirOptions{OwnerID: actor.UserID})
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
