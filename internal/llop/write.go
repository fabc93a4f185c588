package llop

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/zeebo/blake3"

	"github.com/fruitsalade/cloudfs/internal/progress"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// WriteOptions control NewWrite.
type WriteOptions struct {
	Overwrite bool
	// Immutable marks a newly created file immutable.
	Immutable bool
}

// Checksum returns the hex BLAKE3 digest used as a file checksum.
func Checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewWrite stores data as the file at target's path, creating it or,
// with Overwrite, replacing an existing file. The content type is
// sniffed from data.
func NewWrite(deps Deps, actor vfs.Actor, target *vfs.Node, data []byte, opts WriteOptions) *Operation {
	def := &Definition{
		Name:    "write",
		Subject: target,
	}
	tracker := progress.New()
	size := int64(len(data))

	existing := func(op *Operation) *vfs.StatResult { return valueOf[*vfs.StatResult](op, "target") }
	path := func(op *Operation) string { return valueOf[string](op, "path") }
	parent := func(op *Operation) *vfs.Node { return valueOf[*vfs.Node](op, "parent") }

	def.Path = path
	def.Prepare = []Step{
		ValueStep{Name: "target", Fn: func(ctx context.Context, _ *Operation) (any, error) {
			if err := target.Fetch(ctx); err != nil {
				return nil, err
			}
			st := target.Entry()
			if st == nil {
				return (*vfs.StatResult)(nil), nil
			}
			if st.IsDir() {
				return nil, vfs.NewError("write", target.Describe(false), fmt.Errorf("%w: is a directory", vfs.ErrInvalidArgument))
			}
			if !opts.Overwrite {
				return nil, vfs.NewError("write", target.Describe(false), vfs.ErrAlreadyExists)
			}
			return st, nil
		}},
		ValueStep{Name: "path", Fn: func(context.Context, *Operation) (any, error) {
			p := target.Path()
			if p == "" || vfs.Clean(p) == "/" {
				return nil, vfs.NewError("write", target.Describe(false), fmt.Errorf("%w: no file path", vfs.ErrInvalidArgument))
			}
			return vfs.Clean(p), nil
		}},
		ValueStep{Name: "parent", Fn: func(ctx context.Context, op *Operation) (any, error) {
			n := vfs.NewNode(target.Backend(), vfs.PathSelector{Value: vfs.Dir(path(op))})
			if _, err := directory(ctx, n); err != nil {
				return nil, err
			}
			return n, nil
		}},
		ValueStep{Name: "content-type", Fn: func(context.Context, *Operation) (any, error) {
			return mimetype.Detect(data).String(), nil
		}},
		ValueStep{Name: "checksum", Fn: func(context.Context, *Operation) (any, error) {
			return Checksum(data), nil
		}},
	}
	def.Gate = func(op *Operation) []*vfs.Node {
		return []*vfs.Node{parent(op), target}
	}
	def.Checks = func(op *Operation) []Check {
		if existing(op) != nil {
			return []Check{{Node: target, Perm: vfs.PermWrite}}
		}
		return []Check{{Node: parent(op), Perm: vfs.PermWrite}}
	}
	owner := func(op *Operation) int64 {
		if existing(op) != nil {
			return ownerOr(target, actor)
		}
		return actor.UserID
	}
	def.Usage = func(op *Operation) Usage {
		var old int64
		if st := existing(op); st != nil {
			old = st.Size
		}
		return Usage{UserID: owner(op), Delta: size - old}
	}

	def.Mutate = []Step{
		pendingStep(deps, tracker, func(*Operation) int64 { return size }),
		TaskStep{Name: "storage-write", Tasks: func(_ context.Context, op *Operation) ([]Task, error) {
			wopts := vfs.WriteOptions{
				Create:      true,
				Overwrite:   opts.Overwrite,
				OwnerID:     owner(op),
				ContentType: valueOf[string](op, "content-type"),
				Checksum:    valueOf[string](op, "checksum"),
				Immutable:   opts.Immutable,
				Progress:    tracker,
			}
			op.setChecksum(wopts.Checksum)
			to := path(op)
			return []Task{{
				Name: "storage-write",
				Run: func(ctx context.Context) error {
					st, err := target.Backend().WriteFile(ctx, vfs.PathSelector{Value: to}, data, wopts)
					if err != nil {
						return err
					}
					op.SetResult(st)
					return nil
				},
			}}, nil
		}},
		settleStep(tracker, target, path),
	}

	return New(def, deps, actor)
}
