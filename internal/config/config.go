// Package config loads configuration from CLOUDFS_ environment variables
// and an optional YAML mount file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/fruitsalade/cloudfs/internal/filecache"
	"github.com/fruitsalade/cloudfs/internal/retry"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Prefix is prepended to every environment variable name.
const Prefix = "CLOUDFS"

// Config holds process configuration.
type Config struct {
	// Logging
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stderr"`

	// Metadata database, needed by postgres mounts and the grant and
	// usage stores.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Object store shared by object-backed mounts: "", local, smb or s3,
	// configured by a JSON document.
	ObjectStore       string `envconfig:"OBJECT_STORE"`
	ObjectStoreConfig string `envconfig:"OBJECT_STORE_CONFIG"`

	// MountsFile lists the mounts. Without it a single memory mount is
	// attached at /.
	MountsFile string `envconfig:"MOUNTS_FILE"`

	// Operations
	OpsMaxParallel   int           `envconfig:"OPS_MAX_PARALLEL" default:"4"`
	RetryAttempts    int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryWait        time.Duration `envconfig:"RETRY_WAIT" default:"100ms"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"250ms"`

	// Content cache; disabled when CacheDir is empty.
	CacheDir          string        `envconfig:"CACHE_DIR"`
	CachePrecacheSize int64         `envconfig:"CACHE_PRECACHE_SIZE" default:"67108864"`
	CacheDiskLimit    int64         `envconfig:"CACHE_DISK_LIMIT" default:"1073741824"`
	CacheMaxFileSize  int64         `envconfig:"CACHE_MAX_FILE_SIZE" default:"268435456"`
	CacheTTL          time.Duration `envconfig:"CACHE_TTL" default:"5s"`

	Mounts []vfs.MountSpec `ignored:"true"`
}

// Load reads the environment and the mount file it names.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.OpsMaxParallel < 1 {
		return nil, fmt.Errorf("%s_OPS_MAX_PARALLEL must be at least 1", Prefix)
	}
	if cfg.ObjectStore != "" && cfg.ObjectStoreConfig != "" && !json.Valid([]byte(cfg.ObjectStoreConfig)) {
		return nil, fmt.Errorf("%s_OBJECT_STORE_CONFIG is not valid JSON", Prefix)
	}

	if cfg.MountsFile == "" {
		cfg.Mounts = DefaultMounts()
		return &cfg, nil
	}
	mounts, err := LoadMounts(cfg.MountsFile)
	if err != nil {
		return nil, err
	}
	cfg.Mounts = mounts
	return &cfg, nil
}

// Retry returns the backoff for backend sub-tasks.
func (c *Config) Retry() retry.Config {
	r := retry.DefaultConfig()
	r.MaxAttempts = c.RetryAttempts
	r.InitialWait = c.RetryWait
	return r
}

// Cache returns the content cache configuration.
func (c *Config) Cache() filecache.Config {
	return filecache.Config{
		Dir:             c.CacheDir,
		PrecacheSize:    c.CachePrecacheSize,
		DiskLimit:       c.CacheDiskLimit,
		DiskMaxFileSize: c.CacheMaxFileSize,
		TTL:             c.CacheTTL,
	}
}

// DefaultMounts is a single in-memory root.
func DefaultMounts() []vfs.MountSpec {
	return []vfs.MountSpec{{Path: "/", Type: "memory", Name: "root"}}
}

type mountFile struct {
	Mounts []mountEntry `yaml:"mounts"`
}

type mountEntry struct {
	Path   string         `yaml:"path"`
	Type   string         `yaml:"type"`
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

// LoadMounts reads a YAML mount file:
//
//	mounts:
//	  - path: /
//	    type: postgres
//	    config: {migrate: true}
//	  - path: /scratch
//	    type: memory
func LoadMounts(path string) ([]vfs.MountSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mount file: %w", err)
	}
	return ParseMounts(data)
}

// ParseMounts decodes mount file content.
func ParseMounts(data []byte) ([]vfs.MountSpec, error) {
	var f mountFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mount file: %w", err)
	}
	if len(f.Mounts) == 0 {
		return nil, fmt.Errorf("mount file lists no mounts")
	}

	specs := make([]vfs.MountSpec, 0, len(f.Mounts))
	seen := make(map[string]bool, len(f.Mounts))
	for i, m := range f.Mounts {
		if m.Path == "" || m.Path[0] != '/' {
			return nil, fmt.Errorf("mount %d: path must be absolute, got %q", i, m.Path)
		}
		if m.Type == "" {
			return nil, fmt.Errorf("mount %s: type is required", m.Path)
		}
		p := vfs.Clean(m.Path)
		if seen[p] {
			return nil, fmt.Errorf("mount %s: listed twice", p)
		}
		seen[p] = true

		spec := vfs.MountSpec{Path: p, Type: m.Type, Name: m.Name}
		if len(m.Config) > 0 {
			raw, err := json.Marshal(m.Config)
			if err != nil {
				return nil, fmt.Errorf("mount %s: encode config: %w", p, err)
			}
			spec.Config = raw
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
