package llop

import (
	"context"

	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// RemoveOptions control NewRemove.
type RemoveOptions struct {
	Recursive bool
}

// NewRemove deletes target. On object-backed backends the metadata
// delete and the content deletes of the whole subtree share one bounded
// pool; every one of them is attempted and recorded. Usage is released
// once the metadata delete succeeds.
func NewRemove(deps Deps, actor vfs.Actor, target *vfs.Node, opts RemoveOptions) *Operation {
	def := &Definition{
		Name:    "remove",
		Subject: target,
	}

	def.Prepare = []Step{
		ValueStep{Name: "target", Fn: func(ctx context.Context, _ *Operation) (any, error) {
			return fetch(ctx, target)
		}},
		ValueStep{Name: "subtree", Fn: func(ctx context.Context, op *Operation) (any, error) {
			return measure(ctx, target.Backend(), valueOf[*vfs.StatResult](op, "target"))
		}},
	}
	def.Gate = func(op *Operation) []*vfs.Node {
		return append([]*vfs.Node{target}, valueOf[subtree](op, "subtree").locked(target.Backend())...)
	}
	def.Checks = func(*Operation) []Check {
		return []Check{{Node: target, Perm: vfs.PermWrite}}
	}
	def.Usage = func(op *Operation) Usage {
		return Usage{
			UserID: ownerOr(target, actor),
			Delta:  -valueOf[subtree](op, "subtree").Size,
		}
	}

	objectBacked := func(*Operation) bool {
		return vfs.ObjectsOf(target.Backend()) != nil
	}
	deleteOpts := vfs.DeleteOptions{Recursive: opts.Recursive}

	def.Mutate = []Step{
		SubPipeline{
			Name: "object-backed",
			When: objectBacked,
			Steps: []Step{
				TaskStep{Name: "delete", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
					metaOpts := deleteOpts
					metaOpts.MetadataOnly = true
					keys := valueOf[subtree](op, "subtree").ContentKeys
					objects := vfs.ObjectsOf(target.Backend())

					tasks := make([]Task, 0, len(keys)+1)
					tasks = append(tasks, Task{
						Name:     "metadata-delete",
						Accounts: true,
						Run: func(ctx context.Context) error {
							return target.Backend().Delete(ctx, target.Selector(), metaOpts)
						},
					})
					for _, key := range keys {
						key := key
						tasks = append(tasks, Task{
							Name: "object-delete:" + key,
							Run: func(ctx context.Context) error {
								if err := objects.DeleteObject(ctx, key); err != nil {
									return vfs.Unavailable("delete object", key, err)
								}
								return nil
							},
						})
					}
					return tasks, nil
				}},
			},
		},
		SubPipeline{
			Name: "inline",
			When: func(op *Operation) bool { return !objectBacked(op) },
			Steps: []Step{
				TaskStep{Name: "delete", Tasks: func(context.Context, *Operation) ([]Task, error) {
					return []Task{{
						Name:     "delete",
						Accounts: true,
						Run: func(ctx context.Context) error {
							return target.Backend().Delete(ctx, target.Selector(), deleteOpts)
						},
					}}, nil
				}},
			},
		},
	}

	return New(def, deps, actor)
}
