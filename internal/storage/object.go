// Package storage defines the ObjectStore interface for file content and
// builds object stores from a type string plus JSON config.
package storage

import (
	"context"
	"io"
	"io/fs"
)

// ErrObjectNotFound is matched by errors for keys without an object.
// Stores wrap fs.ErrNotExist so the sentinel works across packages.
var ErrObjectNotFound = fs.ErrNotExist

// ObjectStore holds raw file content by key (S3, local filesystem, SMB
// mounts). Metadata lives in the filesystem providers.
type ObjectStore interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// DeleteObject removes an object. Deleting a missing key succeeds.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the store type identifier ("s3", "local", "smb").
	Type() string

	// Close releases any resources held by the store.
	Close() error
}

// ReadAll fetches a whole object.
func ReadAll(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	rc, _, err := store.GetObject(ctx, key, 0, 0)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
