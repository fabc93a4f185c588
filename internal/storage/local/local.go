// Package local provides an object store on the local filesystem.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fruitsalade/cloudfs/internal/metrics"
)

// Config holds local object store settings.
type Config struct {
	RootPath   string `json:"root_path"`
	CreateDirs bool   `json:"create_dirs"`
}

// Store keeps each object as a file below RootPath.
type Store struct {
	rootPath   string
	createDirs bool
	kind       string
}

// New creates a local object store.
func New(cfg Config) (*Store, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	switch {
	case err == nil && !info.IsDir():
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	case os.IsNotExist(err) && cfg.CreateDirs:
		if err := os.MkdirAll(cfg.RootPath, 0o755); err != nil {
			return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}

	return &Store{rootPath: cfg.RootPath, createDirs: cfg.CreateDirs, kind: "local"}, nil
}

// NewFromJSON creates a Store from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Store, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// WithType returns a copy of s reporting kind from Type. Stores that wrap
// a mounted share use it.
func (s *Store) WithType(kind string) *Store {
	c := *s
	c.kind = kind
	return &c
}

func (s *Store) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash("/" + key))
	if clean == string(filepath.Separator) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.rootPath, clean), nil
}

func (s *Store) observe(op string, start time.Time, err error) {
	metrics.RecordObjectOperation(s.kind, op, time.Since(start), err == nil)
}

// GetObject opens an object with range support.
func (s *Store) GetObject(_ context.Context, key string, offset, length int64) (rc io.ReadCloser, size int64, err error) {
	start := time.Now()
	defer func() { s.observe("get_object", start, err) }()

	path, err := s.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}
	if length > 0 {
		return &limitedReadCloser{Reader: io.LimitReader(f, length), Closer: f}, length, nil
	}
	return f, max(info.Size()-offset, 0), nil
}

// PutObject writes content atomically. The content type is not persisted.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, _ int64, _ string) (err error) {
	start := time.Now()
	defer func() { s.observe("put_object", start, err) }()

	path, err := s.fullPath(key)
	if err != nil {
		return err
	}
	return s.writeAtomic(key, path, body)
}

// DeleteObject removes an object. Missing objects are not an error.
func (s *Store) DeleteObject(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { s.observe("delete_object", start, err) }()

	path, err := s.fullPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// CopyObject copies srcKey to dstKey.
func (s *Store) CopyObject(_ context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { s.observe("copy_object", start, err) }()

	srcPath, err := s.fullPath(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := s.fullPath(dstKey)
	if err != nil {
		return err
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open src %s: %w", srcKey, err)
	}
	defer src.Close()
	return s.writeAtomic(dstKey, dstPath, src)
}

// ObjectExists reports whether key has an object.
func (s *Store) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := s.fullPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) writeAtomic(key, path string, body io.Reader) error {
	dir := filepath.Dir(path)
	if s.createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".cloudfs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// Type returns the store type, "local" unless overridden.
func (s *Store) Type() string { return s.kind }

// Close is a no-op for local stores.
func (s *Store) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
