// Package filecache keeps recently read file content in memory and on
// local disk.
//
// New entries start Pending while their bytes stream through a tee
// reader, then sit in the in-memory precache. When the precache
// overflows, the best-scoring entries are promoted to disk, displacing
// low-scoring disk entries only when the newcomer is worth more than
// everything it displaces.
package filecache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/logging"
	"github.com/fruitsalade/cloudfs/internal/metrics"
)

// ErrNotCached is returned by Pin and Unpin for unknown keys.
var ErrNotCached = errors.New("not cached")

// Config sizes the cache.
type Config struct {
	Dir string
	// PrecacheSize bounds the bytes held in memory.
	PrecacheSize int64
	// DiskLimit bounds the bytes held on disk.
	DiskLimit int64
	// DiskMaxFileSize is the largest entry the cache accepts.
	DiskMaxFileSize int64
	// TTL expires entries by age regardless of use.
	TTL time.Duration
}

// DefaultConfig returns the default sizes for a cache under dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		PrecacheSize:    64 << 20,
		DiskLimit:       1 << 30,
		DiskMaxFileSize: 256 << 20,
		TTL:             5 * time.Second,
	}
}

// Cache is safe for concurrent use. All index reads, score computations
// and phase transitions happen under one mutex.
type Cache struct {
	cfg  Config
	disk *disk
	now  func() time.Time

	mu       sync.Mutex
	entries  map[string]*FileTracker
	precache map[string][]byte
}

// New creates a cache, creating cfg.Dir if needed.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	d, err := newDisk(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:      cfg,
		disk:     d,
		now:      time.Now,
		entries:  make(map[string]*FileTracker),
		precache: make(map[string][]byte),
	}, nil
}

// MaybeStore starts caching the content read from r. It returns a reader
// the caller must consume in place of r; once it reaches EOF the content
// enters the precache. The second result is false when the entry is too
// large or key is already tracked, in which case r is returned as is.
func (c *Cache) MaybeStore(key string, size int64, r io.Reader) (io.Reader, bool) {
	if size > c.cfg.DiskMaxFileSize {
		return r, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; ok {
		return r, false
	}
	t := NewFileTracker(key, size, c.now())
	t.Touch(c.now())
	c.entries[key] = t

	buf := &bytes.Buffer{}
	if size > 0 {
		buf.Grow(int(size))
	}
	return &teeReader{cache: c, key: key, tracker: t, src: r, buf: buf}, true
}

// Store caches data under key. It reports whether the entry was kept.
func (c *Cache) Store(key string, data []byte) bool {
	r, ok := c.MaybeStore(key, int64(len(data)), bytes.NewReader(data))
	if !ok {
		return false
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	return ok && (t.phase == PhasePrecache || t.phase == PhaseDisk)
}

// TryGet returns the cached content for key. Entries older than the TTL
// are invalidated and reported as misses.
func (c *Cache) TryGet(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.get(key)
	metrics.RecordCacheLookup(ok)
	return data, ok
}

func (c *Cache) get(key string) ([]byte, bool) {
	t, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	now := c.now()
	if t.Age(now) > c.cfg.TTL {
		c.drop(key, "expired")
		return nil, false
	}

	switch t.phase {
	case PhasePrecache:
		t.Touch(now)
		return bytes.Clone(c.precache[key]), true
	case PhaseDisk:
		t.Touch(now)
		data, err := c.disk.read(key)
		if err != nil {
			logging.Warn("cache disk read failed", zap.String("key", key), zap.Error(err))
			c.drop(key, "read_error")
			return nil, false
		}
		return data, true
	default:
		return nil, false
	}
}

// Invalidate drops key from every phase. It reports whether key was
// tracked.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.drop(key, "invalidated")
	return true
}

// InvalidateWhere drops every entry whose key matches and returns how
// many were dropped. Pinned entries are dropped too.
func (c *Cache) InvalidateWhere(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.keys(func(t *FileTracker) bool { return match(t.Key) })
	for _, key := range keys {
		c.drop(key, "invalidated")
	}
	return len(keys)
}

// Pin keeps a disk entry from being displaced.
func (c *Cache) Pin(key string) error {
	return c.setPinned(key, true)
}

// Unpin allows a disk entry to be displaced again.
func (c *Cache) Unpin(key string) error {
	return c.setPinned(key, false)
}

func (c *Cache) setPinned(key string, pinned bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrNotCached)
	}
	t.pinned = pinned
	return nil
}

// Phase returns the phase of key, PhaseGone when untracked.
func (c *Cache) Phase(key string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.entries[key]; ok {
		return t.phase
	}
	return PhaseGone
}

// Stats describes cache occupancy.
type Stats struct {
	Entries       int
	Pending       int
	Precache      int
	Disk          int
	Pinned        int
	PrecacheBytes int64
	PrecacheLimit int64
	DiskBytes     int64
	DiskLimit     int64
}

// Stats returns current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:       len(c.entries),
		PrecacheLimit: c.cfg.PrecacheSize,
		DiskLimit:     c.cfg.DiskLimit,
	}
	for _, t := range c.entries {
		if t.pinned {
			s.Pinned++
		}
		switch t.phase {
		case PhasePending:
			s.Pending++
		case PhasePrecache:
			s.Precache++
			s.PrecacheBytes += t.Size
		case PhaseDisk:
			s.Disk++
			s.DiskBytes += t.Size
		}
	}
	return s
}

// EntryInfo is a snapshot of one tracker.
type EntryInfo struct {
	Key         string
	Size        int64
	Phase       Phase
	AccessCount int64
	Score       float64
	Age         time.Duration
	Pinned      bool
}

// List returns a snapshot of every entry, best score first.
func (c *Cache) List() []EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]EntryInfo, 0, len(c.entries))
	for _, t := range c.entries {
		out = append(out, EntryInfo{
			Key:         t.Key,
			Size:        t.Size,
			Phase:       t.phase,
			AccessCount: t.accessCount,
			Score:       t.Score(now),
			Age:         t.Age(now),
			Pinned:      t.pinned,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Clear drops every unpinned entry and returns how many were dropped.
func (c *Cache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, key := range c.keys(func(t *FileTracker) bool { return !t.pinned }) {
		c.drop(key, "cleared")
		count++
	}
	return count
}

// Close releases the compression state. The on-disk files are left in
// place.
func (c *Cache) Close() error {
	c.disk.close()
	return nil
}

// commit moves a fully read Pending entry into the precache. The entry
// may have been invalidated while it was being read.
func (c *Cache) commit(key string, t *FileTracker, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[key] != t || t.phase != PhasePending {
		return
	}
	t.Size = int64(len(data))
	if t.Size > c.cfg.PrecacheSize || t.Size > c.cfg.DiskMaxFileSize {
		c.drop(key, "oversize")
		return
	}

	c.makeRoom(t.Size)
	if c.used(PhasePrecache)+t.Size > c.cfg.PrecacheSize {
		c.drop(key, "no_room")
		return
	}

	c.precache[key] = data
	if err := t.Advance(PhasePrecache); err != nil {
		logging.Error("cache phase transition failed", zap.Error(err))
	}
	c.publishSizes()
}

// abandon drops a Pending entry whose source failed.
func (c *Cache) abandon(key string, t *FileTracker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] == t && t.phase == PhasePending {
		c.drop(key, "source_error")
	}
}

// makeRoom frees precache space for size bytes by promoting the
// best-scoring precache entries to disk. Must be called with lock held.
func (c *Cache) makeRoom(size int64) {
	needed := c.used(PhasePrecache) + size - c.cfg.PrecacheSize
	if needed <= 0 {
		return
	}

	now := c.now()
	candidates := c.keys(func(t *FileTracker) bool { return t.phase == PhasePrecache })
	c.sortByScore(candidates, now, true)

	var freed int64
	for _, key := range candidates {
		freed += c.entries[key].Size
		c.promote(key, now)
		if freed >= needed {
			break
		}
	}
}

// promote moves a precache entry to disk. Disk space is made by
// displacing the lowest-scoring unpinned disk entries, and only when the
// promoted entry's score is at least their combined score. Otherwise the
// promoted entry is dropped. Must be called with lock held.
func (c *Cache) promote(key string, now time.Time) {
	t := c.entries[key]

	victims, scoreNeeded, ok := c.diskVictims(t.Size, now)
	if !ok || t.Score(now) < scoreNeeded {
		c.drop(key, "rejected")
		return
	}
	for _, v := range victims {
		c.drop(v, "displaced")
	}

	if err := c.disk.write(key, c.precache[key]); err != nil {
		logging.Warn("cache disk write failed", zap.String("key", key), zap.Error(err))
		c.drop(key, "write_error")
		return
	}
	delete(c.precache, key)
	if err := t.Advance(PhaseDisk); err != nil {
		logging.Error("cache phase transition failed", zap.Error(err))
	}
}

// diskVictims picks the disk entries to displace for size more bytes.
// ok is false when even displacing every candidate would not fit.
func (c *Cache) diskVictims(size int64, now time.Time) (victims []string, scoreNeeded float64, ok bool) {
	needed := c.used(PhaseDisk) + size - c.cfg.DiskLimit
	if needed <= 0 {
		return nil, 0, true
	}

	candidates := c.keys(func(t *FileTracker) bool { return t.phase == PhaseDisk && !t.pinned })
	c.sortByScore(candidates, now, false)

	var capacity int64
	for _, key := range candidates {
		t := c.entries[key]
		victims = append(victims, key)
		capacity += t.Size
		scoreNeeded += t.Score(now)
		if capacity >= needed {
			return victims, scoreNeeded, true
		}
	}
	return nil, 0, false
}

// drop removes key from whatever phase holds it and from the index. Must
// be called with lock held.
func (c *Cache) drop(key, reason string) {
	t, ok := c.entries[key]
	if !ok {
		return
	}
	switch t.phase {
	case PhasePrecache:
		delete(c.precache, key)
	case PhaseDisk:
		if err := c.disk.remove(key); err != nil {
			logging.Warn("cache disk remove failed", zap.String("key", key), zap.Error(err))
		}
	}
	if err := t.Advance(PhaseGone); err != nil {
		logging.Error("cache phase transition failed", zap.Error(err))
	}
	delete(c.entries, key)
	metrics.RecordCacheEviction(reason)
	logging.Debug("cache entry dropped", zap.String("key", key), zap.String("reason", reason))
	c.publishSizes()
}

func (c *Cache) keys(match func(*FileTracker) bool) []string {
	var out []string
	for key, t := range c.entries {
		if match(t) {
			out = append(out, key)
		}
	}
	return out
}

// sortByScore orders keys by score, computed once per key. Ties break on
// key for a stable order.
func (c *Cache) sortByScore(keys []string, now time.Time, desc bool) {
	scores := make(map[string]float64, len(keys))
	for _, key := range keys {
		scores[key] = c.entries[key].Score(now)
	}
	sort.Slice(keys, func(i, j int) bool {
		si, sj := scores[keys[i]], scores[keys[j]]
		if si == sj {
			return keys[i] < keys[j]
		}
		if desc {
			return si > sj
		}
		return si < sj
	})
}

func (c *Cache) used(phase Phase) int64 {
	var n int64
	for _, t := range c.entries {
		if t.phase == phase {
			n += t.Size
		}
	}
	return n
}

func (c *Cache) publishSizes() {
	metrics.SetCacheBytes(c.used(PhasePrecache), c.used(PhaseDisk))
}

// teeReader copies everything read from src into buf and commits the
// entry at EOF.
type teeReader struct {
	cache   *Cache
	key     string
	tracker *FileTracker
	src     io.Reader
	buf     *bytes.Buffer
	done    bool
}

func (r *teeReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 && !r.done {
		r.buf.Write(p[:n])
	}
	if err != nil && !r.done {
		r.done = true
		if errors.Is(err, io.EOF) {
			r.cache.commit(r.key, r.tracker, r.buf.Bytes())
		} else {
			r.cache.abandon(r.key, r.tracker)
		}
		r.buf = nil
	}
	return n, err
}
