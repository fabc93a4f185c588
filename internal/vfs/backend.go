package vfs

import (
	"context"
	"io"

	"github.com/fruitsalade/cloudfs/internal/storage"
)

// BackendAPI is the contract every storage provider implements.
//
// Backends never check permissions: owner ids are stored and returned
// only. Access control happens in the operation layer before any call
// reaches a backend.
type BackendAPI interface {
	// Name identifies the backend in InternalIDSelectors and logs.
	Name() string
	Capabilities() Capability

	// Stat fails with ErrNotFound when sel resolves to nothing. Without
	// FollowSymlinks a symlink describes itself.
	Stat(ctx context.Context, sel Selector, opts StatOptions) (*StatResult, error)

	// Readdir returns entries sorted by name. Entries carry full stats
	// only when the backend advertises VerboseReaddir.
	Readdir(ctx context.Context, sel Selector) ([]DirEntry, error)

	Mkdir(ctx context.Context, parent Selector, name string, opts MkdirOptions) (*StatResult, error)

	// Copy and Rename fail with ErrAlreadyExists when the destination
	// exists and Overwrite is false. The destination is either a path
	// or a selector of an existing node to replace.
	Copy(ctx context.Context, from, to Selector, opts TransferOptions) (*StatResult, error)
	Rename(ctx context.Context, from, to Selector, opts TransferOptions) (*StatResult, error)

	// Delete fails with ErrDirectoryNotEmpty on a non-empty directory
	// unless Recursive is set.
	Delete(ctx context.Context, sel Selector, opts DeleteOptions) error

	ReadFile(ctx context.Context, sel Selector) ([]byte, error)
	WriteFile(ctx context.Context, sel Selector, data []byte, opts WriteOptions) (*StatResult, error)
}

// ObjectBacked is implemented by backends whose file content lives in an
// object store under StatResult.ContentKey. Delete with MetadataOnly
// leaves those objects to the caller. Objects returns nil when the
// backend keeps content inline.
type ObjectBacked interface {
	Objects() storage.ObjectStore
}

// ProgressSink receives transferred byte counts. *progress.Tracker
// satisfies it.
type ProgressSink interface {
	Add(amount int64)
}

type StatOptions struct {
	FollowSymlinks bool
}

type MkdirOptions struct {
	OwnerID int64
	// Parents creates missing ancestors.
	Parents bool
}

type TransferOptions struct {
	Overwrite bool
	OwnerID   int64
	Progress  ProgressSink
}

type DeleteOptions struct {
	Recursive bool
	// MetadataOnly keeps content objects of ObjectBacked backends.
	MetadataOnly bool
}

type WriteOptions struct {
	Create      bool
	Overwrite   bool
	OwnerID     int64
	ContentType string
	Checksum    string
	Immutable   bool
	Progress    ProgressSink
}

// Report forwards n bytes to sink when one is set.
func Report(sink ProgressSink, n int64) {
	if sink != nil && n > 0 {
		sink.Add(n)
	}
}

// ProgressReader reports every read through sink.
func ProgressReader(r io.Reader, sink ProgressSink) io.Reader {
	if sink == nil {
		return r
	}
	return &progressReader{r: r, sink: sink}
}

type progressReader struct {
	r    io.Reader
	sink ProgressSink
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	Report(p.sink, int64(n))
	return n, err
}

// ObjectsOf returns the object store behind b, or nil when b keeps its
// content inline.
func ObjectsOf(b BackendAPI) storage.ObjectStore {
	if ob, ok := b.(ObjectBacked); ok {
		return ob.Objects()
	}
	return nil
}
