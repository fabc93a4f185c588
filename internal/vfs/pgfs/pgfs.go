// Package pgfs is a filesystem provider that keeps node metadata in
// PostgreSQL and file content in an object store.
package pgfs

import (
	"bytes"
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
	"github.com/fruitsalade/cloudfs/internal/storage"
	"github.com/fruitsalade/cloudfs/internal/vfs"
)

// Kind is the provider type name used in the registry.
const Kind = "postgres"

const maxSymlinkHops = 16

//go:embed schema.sql
var schema string

// Config is the JSON config of a postgres provider.
type Config struct {
	// Migrate creates the schema on open.
	Migrate bool `json:"migrate"`
}

// OpenDB opens and pings a PostgreSQL connection pool.
func OpenDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the node table.
func Migrate(ctx context.Context, db *sql.DB) error {
	logging.Info("running migration", zap.String("schema", "cloudfs_nodes"))
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return nil
}

// FS is a postgres-backed provider. Rows of several providers may share
// one table; they are told apart by backend name.
type FS struct {
	db         *sql.DB
	objects    storage.ObjectStore
	name       string
	mountpoint string
}

// New creates the provider and its mount root row if missing.
func New(ctx context.Context, db *sql.DB, objects storage.ObjectStore, name, mountpoint string) (*FS, error) {
	if db == nil || objects == nil {
		return nil, fmt.Errorf("postgres provider %s: database and object store are required", name)
	}
	f := &FS{db: db, objects: objects, name: name, mountpoint: vfs.Clean(mountpoint)}

	root := f.newStat(f.mountpoint, vfs.TypeDirectory, 0, "")
	_, err := db.ExecContext(ctx,
		`INSERT INTO cloudfs_nodes (backend, uid, name, path, parent_path, type)
		 VALUES ($1, $2, $3, $4, '', $5)
		 ON CONFLICT (backend, path) DO NOTHING`,
		f.name, root.UID, root.Name, root.Path, root.Type.String())
	if err != nil {
		return nil, fmt.Errorf("create mount root: %w", err)
	}
	return f, nil
}

// Open is the registry factory for the postgres provider.
func Open(ctx context.Context, name, mountpoint string, raw json.RawMessage, res vfs.Resources) (vfs.BackendAPI, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse postgres config: %w", err)
		}
	}
	if cfg.Migrate && res.DB != nil {
		if err := Migrate(ctx, res.DB); err != nil {
			return nil, err
		}
	}
	return New(ctx, res.DB, res.Objects, name, mountpoint)
}

func (f *FS) Name() string { return f.name }

func (f *FS) Capabilities() vfs.Capability {
	return vfs.PlatformCaseSensitive | vfs.SupportsOwnerField | vfs.VerboseReaddir
}

func (f *FS) Objects() storage.ObjectStore { return f.objects }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

const columns = `id, uid, name, path, parent_uid, type, size, owner_id, immutable,
	content_key, content_type, checksum, shortcut_to, symlink_target, mtime, ctime, atime`

func scanStat(sc scanner) (*vfs.StatResult, error) {
	var (
		st    vfs.StatResult
		typ   string
		owner sql.NullInt64
	)
	if err := sc.Scan(&st.InternalID, &st.UID, &st.Name, &st.Path, &st.ParentUID, &typ,
		&st.Size, &owner, &st.Immutable, &st.ContentKey, &st.ContentType, &st.Checksum,
		&st.ShortcutTo, &st.SymlinkTarget, &st.Mtime, &st.Ctime, &st.Atime); err != nil {
		return nil, err
	}
	t, err := vfs.ParseNodeType(typ)
	if err != nil {
		return nil, err
	}
	st.Type = t
	st.OwnerID = owner.Int64
	return &st, nil
}

func (f *FS) newStat(p string, typ vfs.NodeType, owner int64, parentUID string) *vfs.StatResult {
	now := time.Now().UTC()
	return &vfs.StatResult{
		UID:       uuid.NewString(),
		Name:      vfs.Base(p),
		Path:      p,
		Type:      typ,
		Mtime:     now,
		Ctime:     now,
		Atime:     now,
		OwnerID:   owner,
		ParentUID: parentUID,
	}
}

// dbError maps driver errors onto the vfs error kinds.
func dbError(op, subject string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return vfs.NewError(op, subject, vfs.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return vfs.NewError(op, subject, vfs.ErrAlreadyExists)
	}
	return vfs.Unavailable(op, subject, err)
}

// likePrefix returns a LIKE pattern matching every path below p.
func likePrefix(p string) string {
	if p == "/" {
		return "/%"
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(p) + "/%"
}

// rebase moves p from below oldRoot to below newRoot.
func rebase(p, oldRoot, newRoot string) string {
	return newRoot + strings.TrimPrefix(p, oldRoot)
}

func (f *FS) lookup(ctx context.Context, q querier, op string, sel vfs.Selector) (*vfs.StatResult, error) {
	var (
		where string
		arg   any
	)
	switch s := sel.(type) {
	case vfs.PathSelector:
		where, arg = "path = $2", vfs.Clean(s.Value)
	case vfs.UIDSelector:
		where, arg = "uid = $2", s.Value
	case vfs.InternalIDSelector:
		if s.Backend != f.name {
			return nil, vfs.NewError(op, s.Describe(false), vfs.ErrNotFound)
		}
		where, arg = "id = $2", s.ID
	default:
		return nil, vfs.NewError(op, "", vfs.ErrInvalidArgument)
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("lookup", time.Since(start)) }()

	row := q.QueryRowContext(ctx,
		`SELECT `+columns+` FROM cloudfs_nodes WHERE backend = $1 AND `+where, f.name, arg)
	st, err := scanStat(row)
	if err != nil {
		return nil, dbError(op, sel.Describe(false), err)
	}
	return st, nil
}

func (f *FS) follow(ctx context.Context, op string, st *vfs.StatResult) (*vfs.StatResult, error) {
	for hops := 0; st.Type == vfs.TypeSymlink; hops++ {
		if hops == maxSymlinkHops {
			return nil, vfs.NewError(op, st.Path, fmt.Errorf("%w: too many levels of symbolic links", vfs.ErrInvalidArgument))
		}
		target := st.SymlinkTarget
		if !strings.HasPrefix(target, "/") {
			target = vfs.Join(vfs.Dir(st.Path), target)
		}
		next, err := f.lookup(ctx, f.db, op, vfs.PathSelector{Value: target})
		if err != nil {
			return nil, err
		}
		st = next
	}
	return st, nil
}

func (f *FS) subtree(ctx context.Context, q querier, p string) ([]*vfs.StatResult, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("subtree", time.Since(start)) }()

	rows, err := q.QueryContext(ctx,
		`SELECT `+columns+` FROM cloudfs_nodes
		 WHERE backend = $1 AND (path = $2 OR path LIKE $3 ESCAPE '\')
		 ORDER BY path COLLATE "C"`,
		f.name, p, likePrefix(p))
	if err != nil {
		return nil, dbError("subtree", p, err)
	}
	defer rows.Close()

	var out []*vfs.StatResult
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, dbError("subtree", p, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("subtree", p, err)
	}
	return out, nil
}

func (f *FS) insert(ctx context.Context, q querier, st *vfs.StatResult) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("insert_node", time.Since(start)) }()

	parentPath := vfs.Dir(st.Path)
	if st.Path == f.mountpoint {
		parentPath = ""
	}
	owner := sql.NullInt64{Int64: st.OwnerID, Valid: st.OwnerID != 0}
	err := q.QueryRowContext(ctx,
		`INSERT INTO cloudfs_nodes (backend, uid, name, path, parent_path, parent_uid, type, size,
			owner_id, immutable, content_key, content_type, checksum, shortcut_to, symlink_target,
			mtime, ctime, atime)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id`,
		f.name, st.UID, st.Name, st.Path, parentPath, st.ParentUID, st.Type.String(), st.Size,
		owner, st.Immutable, st.ContentKey, st.ContentType, st.Checksum, st.ShortcutTo, st.SymlinkTarget,
		st.Mtime, st.Ctime, st.Atime).Scan(&st.InternalID)
	if err != nil {
		return dbError("insert", st.Path, err)
	}
	return nil
}

// deleteSubtree removes p and its descendants and returns their content keys.
func (f *FS) deleteSubtree(ctx context.Context, q querier, p string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("delete_tree", time.Since(start)) }()

	rows, err := q.QueryContext(ctx,
		`DELETE FROM cloudfs_nodes
		 WHERE backend = $1 AND (path = $2 OR path LIKE $3 ESCAPE '\')
		 RETURNING content_key`,
		f.name, p, likePrefix(p))
	if err != nil {
		return nil, dbError("delete", p, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, dbError("delete", p, err)
		}
		if key != "" {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("delete", p, err)
	}
	logging.Debug("deleted tree", zap.String("backend", f.name), zap.String("path", p), zap.Int("objects", len(keys)))
	return keys, nil
}

// deleteObjects removes content objects, attempting every key.
func (f *FS) deleteObjects(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := f.objects.DeleteObject(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FS) Stat(ctx context.Context, sel vfs.Selector, opts vfs.StatOptions) (*vfs.StatResult, error) {
	st, err := f.lookup(ctx, f.db, "stat", sel)
	if err != nil {
		return nil, err
	}
	if opts.FollowSymlinks {
		return f.follow(ctx, "stat", st)
	}
	return st, nil
}

func (f *FS) Readdir(ctx context.Context, sel vfs.Selector) ([]vfs.DirEntry, error) {
	dir, err := f.lookup(ctx, f.db, "readdir", sel)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, vfs.NewError("readdir", dir.Path, fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_dir", time.Since(start)) }()

	rows, err := f.db.QueryContext(ctx,
		`SELECT `+columns+` FROM cloudfs_nodes
		 WHERE backend = $1 AND parent_path = $2
		 ORDER BY name COLLATE "C"`,
		f.name, dir.Path)
	if err != nil {
		return nil, dbError("readdir", dir.Path, err)
	}
	defer rows.Close()

	var entries []vfs.DirEntry
	for rows.Next() {
		st, err := scanStat(rows)
		if err != nil {
			return nil, dbError("readdir", dir.Path, err)
		}
		entries = append(entries, vfs.DirEntry{Name: st.Name, Mini: st.Mini(), Full: st})
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("readdir", dir.Path, err)
	}
	return entries, nil
}

func (f *FS) Mkdir(ctx context.Context, parentSel vfs.Selector, name string, opts vfs.MkdirOptions) (*vfs.StatResult, error) {
	if !vfs.ValidName(name) {
		return nil, vfs.NewError("mkdir", name, fmt.Errorf("%w: invalid name", vfs.ErrInvalidArgument))
	}

	parent, err := f.lookup(ctx, f.db, "mkdir", parentSel)
	if ps, isPath := parentSel.(vfs.PathSelector); err != nil && isPath && opts.Parents && errors.Is(err, vfs.ErrNotFound) {
		parent, err = f.mkdirAll(ctx, vfs.Clean(ps.Value), opts.OwnerID)
	}
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, vfs.NewError("mkdir", parent.Path, fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}

	st := f.newStat(vfs.Join(parent.Path, name), vfs.TypeDirectory, opts.OwnerID, parent.UID)
	if err := f.insert(ctx, f.db, st); err != nil {
		if opts.Parents && errors.Is(err, vfs.ErrAlreadyExists) {
			existing, lerr := f.lookup(ctx, f.db, "mkdir", vfs.PathSelector{Value: st.Path})
			if lerr == nil && existing.IsDir() {
				return existing, nil
			}
		}
		return nil, err
	}
	return st, nil
}

func (f *FS) mkdirAll(ctx context.Context, p string, owner int64) (*vfs.StatResult, error) {
	if !vfs.Within(p, f.mountpoint) {
		return nil, vfs.NewError("mkdir", p, vfs.ErrNotFound)
	}
	cur, err := f.lookup(ctx, f.db, "mkdir", vfs.PathSelector{Value: f.mountpoint})
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(p, f.mountpoint), "/")
	if rel == "" {
		return cur, nil
	}
	for _, part := range strings.Split(rel, "/") {
		if !cur.IsDir() {
			return nil, vfs.NewError("mkdir", cur.Path, fmt.Errorf("%w: not a directory", vfs.ErrInvalidArgument))
		}
		childPath := vfs.Join(cur.Path, part)
		next, err := f.lookup(ctx, f.db, "mkdir", vfs.PathSelector{Value: childPath})
		if errors.Is(err, vfs.ErrNotFound) {
			next = f.newStat(childPath, vfs.TypeDirectory, owner, cur.UID)
			err = f.insert(ctx, f.db, next)
			if errors.Is(err, vfs.ErrAlreadyExists) {
				next, err = f.lookup(ctx, f.db, "mkdir", vfs.PathSelector{Value: childPath})
			}
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func (f *FS) destination(ctx context.Context, op string, to vfs.Selector, overwrite bool) (string, *vfs.StatResult, *vfs.StatResult, error) {
	var (
		dest     string
		replaced *vfs.StatResult
	)
	existing, err := f.lookup(ctx, f.db, op, to)
	switch {
	case err == nil:
		if !overwrite {
			return "", nil, nil, vfs.NewError(op, existing.Path, vfs.ErrAlreadyExists)
		}
		dest, replaced = existing.Path, existing
	case errors.Is(err, vfs.ErrNotFound):
		ps, ok := to.(vfs.PathSelector)
		if !ok {
			return "", nil, nil, err
		}
		dest = vfs.Clean(ps.Value)
	default:
		return "", nil, nil, err
	}

	if dest == f.mountpoint || !vfs.Within(dest, f.mountpoint) || !vfs.ValidName(vfs.Base(dest)) {
		return "", nil, nil, vfs.NewError(op, dest, fmt.Errorf("%w: invalid destination", vfs.ErrInvalidArgument))
	}
	parent, err := f.lookup(ctx, f.db, op, vfs.PathSelector{Value: vfs.Dir(dest)})
	if err != nil {
		return "", nil, nil, err
	}
	if !parent.IsDir() {
		return "", nil, nil, vfs.NewError(op, parent.Path, fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}
	return dest, parent, replaced, nil
}

func (f *FS) Copy(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	src, err := f.lookup(ctx, f.db, "copy", from)
	if err != nil {
		return nil, err
	}
	dest, parent, replaced, err := f.destination(ctx, "copy", to, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	if vfs.Within(dest, src.Path) || (replaced != nil && vfs.Within(src.Path, replaced.Path)) {
		return nil, vfs.NewError("copy", dest, fmt.Errorf("%w: copy into itself", vfs.ErrInvalidArgument))
	}

	rows, err := f.subtree(ctx, f.db, src.Path)
	if err != nil {
		return nil, err
	}
	uids := make(map[string]string, len(rows))
	for _, r := range rows {
		uids[r.UID] = uuid.NewString()
	}

	var copied []string
	for _, r := range rows {
		if r.Type != vfs.TypeFile || r.ContentKey == "" {
			continue
		}
		key := uids[r.UID]
		if err := f.objects.CopyObject(ctx, r.ContentKey, key); err != nil {
			f.discard(ctx, copied)
			return nil, vfs.Unavailable("copy", r.Path, err)
		}
		copied = append(copied, key)
		vfs.Report(opts.Progress, r.Size)
	}

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		f.discard(ctx, copied)
		return nil, dbError("copy", dest, err)
	}
	defer tx.Rollback()

	var replacedKeys []string
	if replaced != nil {
		if replacedKeys, err = f.deleteSubtree(ctx, tx, replaced.Path); err != nil {
			f.discard(ctx, copied)
			return nil, err
		}
	}

	now := time.Now().UTC()
	var root *vfs.StatResult
	for _, r := range rows {
		c := *r
		c.UID = uids[r.UID]
		c.Path = rebase(r.Path, src.Path, dest)
		c.Name = vfs.Base(c.Path)
		c.ParentUID = uids[r.ParentUID]
		if r.UID == src.UID {
			c.ParentUID = parent.UID
		}
		if c.ContentKey != "" {
			c.ContentKey = c.UID
		}
		if opts.OwnerID != 0 {
			c.OwnerID = opts.OwnerID
		}
		c.Immutable = false
		c.Mtime, c.Ctime, c.Atime = now, now, now
		if err := f.insert(ctx, tx, &c); err != nil {
			f.discard(ctx, copied)
			return nil, err
		}
		if root == nil {
			root = &c
		}
	}

	if err := tx.Commit(); err != nil {
		f.discard(ctx, copied)
		return nil, dbError("copy", dest, err)
	}
	f.discard(ctx, replacedKeys)
	return root, nil
}

// discard deletes objects no row refers to anymore. Failures only leak
// storage and are logged.
func (f *FS) discard(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := f.deleteObjects(ctx, keys); err != nil {
		logging.Warn("failed to discard objects",
			zap.String("backend", f.name),
			zap.Int("objects", len(keys)),
			zap.Error(err))
	}
}

func (f *FS) Rename(ctx context.Context, from, to vfs.Selector, opts vfs.TransferOptions) (*vfs.StatResult, error) {
	src, err := f.lookup(ctx, f.db, "rename", from)
	if err != nil {
		return nil, err
	}
	if src.Path == f.mountpoint {
		return nil, vfs.NewError("rename", src.Path, fmt.Errorf("%w: cannot move a mount root", vfs.ErrInvalidArgument))
	}
	dest, parent, replaced, err := f.destination(ctx, "rename", to, opts.Overwrite)
	if err != nil {
		return nil, err
	}
	if replaced != nil && replaced.UID == src.UID {
		return src, nil
	}
	if vfs.Within(dest, src.Path) || (replaced != nil && vfs.Within(src.Path, replaced.Path)) {
		return nil, vfs.NewError("rename", dest, fmt.Errorf("%w: move into itself", vfs.ErrInvalidArgument))
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("move_node", time.Since(start)) }()

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError("rename", dest, err)
	}
	defer tx.Rollback()

	var replacedKeys []string
	if replaced != nil {
		if replacedKeys, err = f.deleteSubtree(ctx, tx, replaced.Path); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cloudfs_nodes SET path = $3, parent_path = $4, name = $5, parent_uid = $6, ctime = NOW()
		 WHERE backend = $1 AND uid = $2`,
		f.name, src.UID, dest, vfs.Dir(dest), vfs.Base(dest), parent.UID)
	if err != nil {
		return nil, dbError("rename", src.Path, err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE cloudfs_nodes SET
		   path = $3 || substring(path from length($2) + 1),
		   parent_path = $3 || substring(parent_path from length($2) + 1)
		 WHERE backend = $1 AND path LIKE $4 ESCAPE '\'`,
		f.name, src.Path, dest, likePrefix(src.Path))
	if err != nil {
		return nil, dbError("rename", src.Path, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, dbError("rename", dest, err)
	}
	f.discard(ctx, replacedKeys)
	return f.lookup(ctx, f.db, "rename", vfs.UIDSelector{Value: src.UID})
}

func (f *FS) Delete(ctx context.Context, sel vfs.Selector, opts vfs.DeleteOptions) error {
	st, err := f.lookup(ctx, f.db, "delete", sel)
	if err != nil {
		return err
	}
	if st.Path == f.mountpoint {
		return vfs.NewError("delete", st.Path, fmt.Errorf("%w: cannot delete a mount root", vfs.ErrInvalidArgument))
	}

	if st.IsDir() && !opts.Recursive {
		var hasChildren bool
		err := f.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM cloudfs_nodes WHERE backend = $1 AND parent_path = $2)`,
			f.name, st.Path).Scan(&hasChildren)
		if err != nil {
			return dbError("delete", st.Path, err)
		}
		if hasChildren {
			return vfs.NewError("delete", st.Path, vfs.ErrDirectoryNotEmpty)
		}
	}

	keys, err := f.deleteSubtree(ctx, f.db, st.Path)
	if err != nil {
		return err
	}
	if opts.MetadataOnly {
		return nil
	}
	if err := f.deleteObjects(ctx, keys); err != nil {
		return vfs.Unavailable("delete", st.Path, err)
	}
	return nil
}

func (f *FS) ReadFile(ctx context.Context, sel vfs.Selector) ([]byte, error) {
	st, err := f.lookup(ctx, f.db, "read", sel)
	if err != nil {
		return nil, err
	}
	if st, err = f.follow(ctx, "read", st); err != nil {
		return nil, err
	}
	if st.Type != vfs.TypeFile {
		return nil, vfs.NewError("read", st.Path, fmt.Errorf("%w: not a file", vfs.ErrInvalidArgument))
	}
	if st.ContentKey == "" {
		return []byte{}, nil
	}

	data, err := storage.ReadAll(ctx, f.objects, st.ContentKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, vfs.NewError("read", st.Path, vfs.ErrNotFound)
	}
	if err != nil {
		return nil, vfs.Unavailable("read", st.Path, err)
	}
	return data, nil
}

func (f *FS) WriteFile(ctx context.Context, sel vfs.Selector, data []byte, opts vfs.WriteOptions) (*vfs.StatResult, error) {
	st, err := f.lookup(ctx, f.db, "write", sel)
	switch {
	case err == nil:
		if st.Type != vfs.TypeFile {
			return nil, vfs.NewError("write", st.Path, fmt.Errorf("%w: not a file", vfs.ErrInvalidArgument))
		}
		if !opts.Overwrite {
			return nil, vfs.NewError("write", st.Path, vfs.ErrAlreadyExists)
		}
		return f.overwrite(ctx, st, data, opts)

	case errors.Is(err, vfs.ErrNotFound):
		ps, ok := sel.(vfs.PathSelector)
		if !opts.Create || !ok {
			return nil, err
		}
		return f.create(ctx, vfs.Clean(ps.Value), data, opts)

	default:
		return nil, err
	}
}

func (f *FS) put(ctx context.Context, key string, data []byte, opts vfs.WriteOptions) error {
	body := vfs.ProgressReader(bytes.NewReader(data), opts.Progress)
	return f.objects.PutObject(ctx, key, body, int64(len(data)), opts.ContentType)
}

func (f *FS) overwrite(ctx context.Context, st *vfs.StatResult, data []byte, opts vfs.WriteOptions) (*vfs.StatResult, error) {
	key := st.ContentKey
	if key == "" {
		key = st.UID
	}
	if err := f.put(ctx, key, data, opts); err != nil {
		return nil, vfs.Unavailable("write", st.Path, err)
	}

	start := time.Now()
	defer func() { metrics.RecordDBQuery("update_content", time.Since(start)) }()

	st.Size = int64(len(data))
	st.ContentKey = key
	st.ContentType = opts.ContentType
	st.Checksum = opts.Checksum
	st.Immutable = opts.Immutable
	st.Mtime = time.Now().UTC()
	_, err := f.db.ExecContext(ctx,
		`UPDATE cloudfs_nodes SET size = $2, content_key = $3, content_type = $4, checksum = $5,
			immutable = $6, mtime = $7
		 WHERE id = $1`,
		st.InternalID, st.Size, st.ContentKey, st.ContentType, st.Checksum, st.Immutable, st.Mtime)
	if err != nil {
		return nil, dbError("write", st.Path, err)
	}
	return st, nil
}

func (f *FS) create(ctx context.Context, p string, data []byte, opts vfs.WriteOptions) (*vfs.StatResult, error) {
	if p == f.mountpoint || !vfs.Within(p, f.mountpoint) || !vfs.ValidName(vfs.Base(p)) {
		return nil, vfs.NewError("write", p, fmt.Errorf("%w: invalid path", vfs.ErrInvalidArgument))
	}
	parent, err := f.lookup(ctx, f.db, "write", vfs.PathSelector{Value: vfs.Dir(p)})
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, vfs.NewError("write", parent.Path, fmt.Errorf("%w: parent is not a directory", vfs.ErrInvalidArgument))
	}

	st := f.newStat(p, vfs.TypeFile, opts.OwnerID, parent.UID)
	st.Size = int64(len(data))
	st.ContentKey = st.UID
	st.ContentType = opts.ContentType
	st.Checksum = opts.Checksum
	st.Immutable = opts.Immutable
	if err := f.put(ctx, st.ContentKey, data, opts); err != nil {
		return nil, vfs.Unavailable("write", p, err)
	}
	if err := f.insert(ctx, f.db, st); err != nil {
		f.discard(ctx, []string{st.ContentKey})
		return nil, err
	}
	return st, nil
}
