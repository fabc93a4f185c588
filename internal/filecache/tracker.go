package filecache

import (
	"errors"
	"fmt"
	"time"
)

// Phase is where a cached file's bytes currently live.
type Phase int

const (
	// PhasePending entries are still being read from their source.
	PhasePending Phase = iota
	PhasePrecache
	PhaseDisk
	// PhaseGone entries have been dropped and are no longer indexed.
	PhaseGone
)

// ErrPhaseRegression is returned when a tracker would move backwards.
var ErrPhaseRegression = errors.New("phase regression")

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhasePrecache:
		return "precache"
	case PhaseDisk:
		return "disk"
	case PhaseGone:
		return "gone"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// minRecency bounds the score denominator. An entry touched this instant
// scores as if it had been touched a millisecond ago.
const minRecency = time.Millisecond

// FileTracker holds the bookkeeping for one cached file.
type FileTracker struct {
	Key  string
	Size int64

	phase       Phase
	accessCount int64
	lastAccess  time.Time
	birth       time.Time
	pinned      bool
}

// NewFileTracker creates a Pending tracker born at now.
func NewFileTracker(key string, size int64, now time.Time) *FileTracker {
	return &FileTracker{
		Key:        key,
		Size:       size,
		phase:      PhasePending,
		lastAccess: now,
		birth:      now,
	}
}

// Phase returns the current phase.
func (t *FileTracker) Phase() Phase { return t.phase }

// Advance moves the tracker forward to phase to. Staying put or moving
// backwards fails with ErrPhaseRegression.
func (t *FileTracker) Advance(to Phase) error {
	if to <= t.phase || to > PhaseGone {
		return fmt.Errorf("%s: %s -> %s: %w", t.Key, t.phase, to, ErrPhaseRegression)
	}
	t.phase = to
	return nil
}

// Touch records an access at now.
func (t *FileTracker) Touch(now time.Time) {
	t.accessCount++
	t.lastAccess = now
}

// AccessCount returns how often the entry was touched.
func (t *FileTracker) AccessCount() int64 { return t.accessCount }

// Recency is the time since the last access, never less than 1ms.
func (t *FileTracker) Recency(now time.Time) time.Duration {
	return max(now.Sub(t.lastAccess), minRecency)
}

// Age is the time since the tracker was created.
func (t *FileTracker) Age(now time.Time) time.Duration {
	return now.Sub(t.birth)
}

// Score blends access frequency and recency. Higher scores are worth
// keeping.
func (t *FileTracker) Score(now time.Time) float64 {
	recencyMS := float64(t.Recency(now)) / float64(time.Millisecond)
	return (0.5 * float64(t.accessCount)) / (0.5 * recencyMS)
}
