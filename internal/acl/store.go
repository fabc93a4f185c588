package acl

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// GrantSource returns the explicit grants a user holds on any of paths.
type GrantSource interface {
	Grants(ctx context.Context, userID int64, paths []string) (map[string]vfs.Permission, error)
}

//go:embed schema.sql
var schema string

// Grant is one stored permission entry.
type Grant struct {
	ID         int64
	UserID     int64
	Path       string
	Permission vfs.Permission
}

// PermissionStore keeps grants in the file_permissions table.
type PermissionStore struct {
	db *sql.DB
}

// NewPermissionStore creates a new permission store.
func NewPermissionStore(db *sql.DB) *PermissionStore {
	return &PermissionStore{db: db}
}

// Migrate creates the file_permissions table.
func (s *PermissionStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec acl schema: %w", err)
	}
	return nil
}

// SetPermission grants a permission for a user on a path.
func (s *PermissionStore) SetPermission(ctx context.Context, userID int64, path string, perm vfs.Permission) error {
	if !ValidPermission(perm) {
		return fmt.Errorf("%w: permission %q", vfs.ErrInvalidArgument, perm)
	}
	start := time.Now()
	defer func() { metrics.RecordDBQuery("set_permission", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_permissions (user_id, path, permission)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, path) DO UPDATE SET permission = EXCLUDED.permission`,
		userID, vfs.Clean(path), string(perm))
	if err != nil {
		return fmt.Errorf("set permission: %w", err)
	}
	return nil
}

// RemovePermission removes a user's permission on a path.
func (s *PermissionStore) RemovePermission(ctx context.Context, userID int64, path string) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("remove_permission", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM file_permissions WHERE user_id = $1 AND path = $2`,
		userID, vfs.Clean(path))
	if err != nil {
		return fmt.Errorf("remove permission: %w", err)
	}
	return nil
}

// ListPermissions returns all grants on a path.
func (s *PermissionStore) ListPermissions(ctx context.Context, path string) ([]Grant, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_permissions", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, path, permission FROM file_permissions
		 WHERE path = $1 ORDER BY user_id`, vfs.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var perm string
		if err := rows.Scan(&g.ID, &g.UserID, &g.Path, &perm); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		g.Permission = vfs.Permission(perm)
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// Grants implements GrantSource with one query per check.
func (s *PermissionStore) Grants(ctx context.Context, userID int64, paths []string) (map[string]vfs.Permission, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_grants", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT path, permission FROM file_permissions
		 WHERE user_id = $1 AND path = ANY($2)`,
		userID, pq.Array(paths))
	if err != nil {
		return nil, vfs.Unavailable("grants", "", err)
	}
	defer rows.Close()

	out := make(map[string]vfs.Permission)
	for rows.Next() {
		var path, perm string
		if err := rows.Scan(&path, &perm); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out[path] = vfs.Permission(perm)
	}
	return out, rows.Err()
}

// MemoryGrants is an in-process GrantSource.
type MemoryGrants struct {
	mu     sync.RWMutex
	grants map[int64]map[string]vfs.Permission
}

// NewMemoryGrants creates an empty grant table.
func NewMemoryGrants() *MemoryGrants {
	return &MemoryGrants{grants: make(map[int64]map[string]vfs.Permission)}
}

// Set grants perm on path to userID, replacing any previous grant.
func (m *MemoryGrants) Set(userID int64, path string, perm vfs.Permission) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPath, ok := m.grants[userID]
	if !ok {
		byPath = make(map[string]vfs.Permission)
		m.grants[userID] = byPath
	}
	byPath[vfs.Clean(path)] = perm
}

// Remove drops the grant of userID on path.
func (m *MemoryGrants) Remove(userID int64, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants[userID], vfs.Clean(path))
}

func (m *MemoryGrants) Grants(_ context.Context, userID int64, paths []string) (map[string]vfs.Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]vfs.Permission)
	for _, p := range paths {
		if perm, ok := m.grants[userID][p]; ok {
			out[p] = perm
		}
	}
	return out, nil
}
