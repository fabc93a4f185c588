// Package quota keeps per-user storage usage and storage quotas.
package quota

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fruitsalade/cloudfs/internal/metrics"
)

//go:embed schema.sql
var schema string

// Quota represents a user's quota settings. Zero means unlimited.
type Quota struct {
	UserID          int64
	MaxStorageBytes int64
}

// Store tracks usage in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new quota store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the quota and usage tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec quota schema: %w", err)
	}
	return nil
}

// GetQuota returns the quota for a user. Returns zero-value quota if none set.
func (s *Store) GetQuota(ctx context.Context, userID int64) (*Quota, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_quota", time.Since(start)) }()

	q := &Quota{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT max_storage_bytes FROM user_quotas WHERE user_id = $1`, userID).
		Scan(&q.MaxStorageBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get quota: %w", err)
	}
	return q, nil
}

// SetQuota sets or updates the quota for a user.
func (s *Store) SetQuota(ctx context.Context, q *Quota) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_quotas (user_id, max_storage_bytes, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			updated_at = NOW()`,
		q.UserID, q.MaxStorageBytes)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// ChangeUsage adds delta to the user's usage. Usage never drops below zero.
func (s *Store) ChangeUsage(ctx context.Context, userID, delta int64) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("change_usage", time.Since(start)) }()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO storage_usage (user_id, used_bytes, updated_at)
		 VALUES ($1, GREATEST($2::BIGINT, 0), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
			used_bytes = GREATEST(storage_usage.used_bytes + $2::BIGINT, 0),
			updated_at = NOW()`,
		userID, delta)
	if err != nil {
		return fmt.Errorf("change usage: %w", err)
	}
	return nil
}

// GetUsage returns the recorded usage of a user.
func (s *Store) GetUsage(ctx context.Context, userID int64) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("get_usage", time.Since(start)) }()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used_bytes FROM storage_usage WHERE user_id = $1`, userID).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get usage: %w", err)
	}
	return used, nil
}

// Reconcile recomputes a user's usage from the file sizes they own in
// the postgres provider table and stores the result.
func (s *Store) Reconcile(ctx context.Context, userID int64) (int64, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("reconcile_usage", time.Since(start)) }()

	var used int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO storage_usage (user_id, used_bytes, updated_at)
		 SELECT $1, COALESCE(SUM(size), 0), NOW() FROM cloudfs_nodes
		 WHERE owner_id = $1 AND type = 'file'
		 ON CONFLICT (user_id) DO UPDATE SET
			used_bytes = EXCLUDED.used_bytes,
			updated_at = NOW()
		 RETURNING used_bytes`,
		userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("reconcile usage: %w", err)
	}
	return used, nil
}

// CheckStorageQuota checks if a user can store additionalBytes more.
func (s *Store) CheckStorageQuota(ctx context.Context, userID, additionalBytes int64) (bool, error) {
	q, err := s.GetQuota(ctx, userID)
	if err != nil {
		return false, err
	}
	if q.MaxStorageBytes == 0 {
		return true, nil
	}
	used, err := s.GetUsage(ctx, userID)
	if err != nil {
		return false, err
	}
	return used+additionalBytes <= q.MaxStorageBytes, nil
}

// Memory is an in-process usage ledger.
type Memory struct {
	mu     sync.Mutex
	usage  map[int64]int64
	quotas map[int64]int64
}

// NewMemory creates an empty ledger.
func NewMemory() *Memory {
	return &Memory{usage: make(map[int64]int64), quotas: make(map[int64]int64)}
}

// SetQuota sets the storage limit of a user; zero removes it.
func (m *Memory) SetQuota(userID, maxBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxBytes == 0 {
		delete(m.quotas, userID)
		return
	}
	m.quotas[userID] = maxBytes
}

func (m *Memory) ChangeUsage(_ context.Context, userID, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage[userID] = max(m.usage[userID]+delta, 0)
	return nil
}

func (m *Memory) GetUsage(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[userID], nil
}

func (m *Memory) CheckStorageQuota(_ context.Context, userID, additionalBytes int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit, ok := m.quotas[userID]
	if !ok {
		return true, nil
	}
	return m.usage[userID]+additionalBytes <= limit, nil
}
