// Package smb provides an object store on a pre-mounted SMB/CIFS share.
// I/O goes through the local store at the mount path.
package smb

import (
	"encoding/json"
	"fmt"

	"github.com/fruitsalade/cloudfs/internal/storage/local"
)

// Config holds SMB share settings. Server and credentials are kept for
// reference only; the share must already be mounted at MountPath.
type Config struct {
	Server    string `json:"server"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	Domain    string `json:"domain"`
	MountPath string `json:"mount_path"`
}

// Store wraps a local store rooted at the share mount point.
type Store struct {
	*local.Store
	config Config
}

// New creates an SMB-backed object store.
func New(cfg Config) (*Store, error) {
	if cfg.MountPath == "" {
		return nil, fmt.Errorf("mount_path is required")
	}

	ls, err := local.New(local.Config{
		RootPath:   cfg.MountPath,
		CreateDirs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("smb share at %s: %w", cfg.MountPath, err)
	}

	return &Store{Store: ls.WithType("smb"), config: cfg}, nil
}

// NewFromJSON creates a Store from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Store, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse smb config: %w", err)
	}
	return New(cfg)
}

// Server returns the configured share address.
func (s *Store) Server() string { return s.config.Server }
