package llop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/events"
	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/progress"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// CopyOptions control NewCopy.
type CopyOptions struct {
	Overwrite bool
}

// NewCopy copies source to parent/name. The copy belongs to the actor.
// A directory copied to a fresh destination is created first and then
// filled by one sub-task per child; anything else is a single storage
// copy. Copies across backends stream file content through the
// operation.
func NewCopy(deps Deps, actor vfs.Actor, source, parent *vfs.Node, name string, opts CopyOptions) *Operation {
	def := &Definition{
		Name:    "copy",
		Subject: source,
	}
	tracker := progress.New()

	sameBackend := source.Backend() == parent.Backend()
	dest := func(op *Operation) *vfs.Node { return valueOf[*vfs.Node](op, "destination") }
	destPath := func(op *Operation) string {
		return vfs.Join(valueOf[*vfs.StatResult](op, "parent").Path, name)
	}
	freshDirectory := func(op *Operation) bool {
		return valueOf[*vfs.StatResult](op, "source").IsDir() && dest(op).Entry() == nil
	}
	xfer := &transfer{
		src:     source.Backend(),
		dst:     parent.Backend(),
		owner:   actor.UserID,
		tracker: tracker,
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
		EffectStep{Name: "validate", Fn: func(ctx context.Context, op *Operation) error {
			src := valueOf[*vfs.StatResult](op, "source")
			to := destPath(op)
			if dest(op).Entry() != nil && !opts.Overwrite {
				return vfs.NewError("copy", to, vfs.ErrAlreadyExists)
			}
			if sameBackend && vfs.Within(to, src.Path) {
				return vfs.NewError("copy", to, fmt.Errorf("%w: copy into itself", vfs.ErrInvalidArgument))
			}
			return nil
		}},
		ValueStep{Name: "subtree", Fn: func(ctx context.Context, op *Operation) (any, error) {
			return measure(ctx, source.Backend(), valueOf[*vfs.StatResult](op, "source"))
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
		return append([]*vfs.Node{parent, dest(op)}, valueOf[subtree](op, "replaced").locked(parent.Backend())...)
	}
	def.Checks = func(*Operation) []Check {
		return []Check{
			{Node: source, Perm: vfs.PermRead},
			{Node: parent, Perm: vfs.PermWrite},
		}
	}
	def.Usage = func(op *Operation) Usage {
		return Usage{
			UserID: actor.UserID,
			Delta:  valueOf[subtree](op, "subtree").Size - valueOf[subtree](op, "replaced").Size,
		}
	}

	def.Mutate = []Step{
		pendingStep(deps, tracker, func(op *Operation) int64 { return valueOf[subtree](op, "subtree").Size }),
		SubPipeline{
			Name: "directory",
			When: freshDirectory,
			Steps: []Step{
				TaskStep{Name: "create-directory", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
					return []Task{{
						Name: "create-directory",
						Run: func(ctx context.Context) error {
							_, err := parent.Backend().Mkdir(ctx, parent.Selector(), name, vfs.MkdirOptions{OwnerID: actor.UserID})
							return err
						},
					}}, nil
				}},
				TaskStep{Name: "copy-children", Tasks: func(ctx context.Context, op *Operation) ([]Task, error) {
					if op.Failed() {
						return nil, nil
					}
					kids, err := children(ctx, source.Backend(), valueOf[*vfs.StatResult](op, "source"))
					if err != nil {
						return nil, err
					}
					to := destPath(op)
					tasks := make([]Task, 0, len(kids))
					for _, kid := range kids {
						kid := kid
						tasks = append(tasks, Task{
							Name: "copy-child:" + kid.Name,
							Run: func(ctx context.Context) error {
								return xfer.copy(ctx, kid, vfs.Join(to, kid.Name), false)
							},
						})
					}
					return tasks, nil
				}},
			},
		},
		SubPipeline{
			Name: "single",
			When: func(op *Operation) bool { return !freshDirectory(op) },
			Steps: []Step{
				TaskStep{Name: "storage-copy", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
					src := valueOf[*vfs.StatResult](op, "source")
					to := destPath(op)
					replace := dest(op).Entry() != nil
					return []Task{{
						Name: "storage-copy",
						Run: func(ctx context.Context) error {
							return xfer.copy(ctx, src, to, replace)
						},
					}}, nil
				}},
			},
		},
		settleStep(tracker, parent, destPath),
	}

	return New(def, deps, actor)
}

// pendingStep announces the transfer and relays its progress as events
// until the operation finishes.
func pendingStep(deps Deps, tracker *progress.Tracker, total func(op *Operation) int64) Step {
	return EffectStep{Name: "pending", Fn: func(_ context.Context, op *Operation) error {
		size := total(op)
		pub := deps.publisher()

		sub := progress.Relay(tracker, pub, op.event(events.EventProgress), progress.NewLimiter(deps.ProgressInterval))
		op.Defer(sub.Detach)

		ev := op.event(events.EventPending)
		ev.Size = size
		ev.Total = size
		pub.Publish(ev)

		tracker.SetTotal(size)
		return nil
	}}
}

// settleStep completes the tracker and records the resulting node once
// every sub-task succeeded.
func settleStep(tracker *progress.Tracker, node *vfs.Node, path func(op *Operation) string) Step {
	return EffectStep{Name: "settle", Fn: func(ctx context.Context, op *Operation) error {
		if op.Failed() {
			return nil
		}
		tracker.Set(tracker.Total())
		st, err := node.Backend().Stat(ctx, vfs.PathSelector{Value: path(op)}, vfs.StatOptions{})
		if err != nil {
			logging.WithContext(ctx).Warn("stat after transfer failed", zap.String("path", path(op)), zap.Error(err))
			return nil
		}
		op.SetResult(st)
		return nil
	}}
}

// transfer copies nodes from src to dst, natively when both are the same
// backend.
type transfer struct {
	src, dst vfs.BackendAPI
	owner    int64
	tracker  *progress.Tracker
}

func (t *transfer) copy(ctx context.Context, from *vfs.StatResult, to string, overwrite bool) error {
	if t.src == t.dst {
		_, err := t.src.Copy(ctx, vfs.PathSelector{Value: from.Path}, vfs.PathSelector{Value: to}, vfs.TransferOptions{
			Overwrite: overwrite,
			OwnerID:   t.owner,
			Progress:  t.tracker,
		})
		return err
	}
	if overwrite {
		err := t.dst.Delete(ctx, vfs.PathSelector{Value: to}, vfs.DeleteOptions{Recursive: true})
		if err != nil && !isNotFound(err) {
			return err
		}
	}
	return t.across(ctx, from, to)
}

func (t *transfer) across(ctx context.Context, from *vfs.StatResult, to string) error {
	switch from.Type {
	case vfs.TypeDirectory:
		if _, err := t.dst.Mkdir(ctx, vfs.PathSelector{Value: vfs.Dir(to)}, vfs.Base(to), vfs.MkdirOptions{OwnerID: t.owner}); err != nil {
			return err
		}
		kids, err := children(ctx, t.src, from)
		if err != nil {
			return err
		}
		for _, kid := range kids {
			if err := t.across(ctx, kid, vfs.Join(to, kid.Name)); err != nil {
				return err
			}
		}
		return nil
	case vfs.TypeFile:
		data, err := t.src.ReadFile(ctx, vfs.PathSelector{Value: from.Path})
		if err != nil {
			return err
		}
		_, err = t.dst.WriteFile(ctx, vfs.PathSelector{Value: to}, data, vfs.WriteOptions{
			Create:      true,
			OwnerID:     t.owner,
			ContentType: from.ContentType,
			Checksum:    from.Checksum,
			Progress:    t.tracker,
		})
		return err
	default:
		logging.WithContext(ctx).Debug("skipping node in cross-backend copy",
			zap.String("path", from.Path),
			zap.String("type", from.Type.String()))
		return nil
	}
}
