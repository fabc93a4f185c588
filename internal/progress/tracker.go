// Package progress tracks transferred bytes of long-running transfers and
// notifies subscribers with deltas.
package progress

import (
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fruitsalade/cloudfs/internal/logging"
)

// Listener receives the amount a single Add advanced the tracker by.
type Listener func(delta int64)

// Tracker is a monotonic progress accumulator. It is done exactly once,
// when progress reaches the total; after that it ignores updates and
// holds no listeners.
type Tracker struct {
	mu       sync.Mutex
	progress int64
	total    int64
	hasTotal bool
	done     bool
	subs     []*Subscription
}

// Subscription is returned by Subscribe.
type Subscription struct {
	tracker  *Tracker
	fn       Listener
	detached atomic.Bool
}

// New creates a tracker without a total.
func New() *Tracker {
	return &Tracker{}
}

// NewWithTotal creates a tracker and sets its total.
func NewWithTotal(total int64) *Tracker {
	t := New()
	t.SetTotal(total)
	return t
}

// SetTotal sets the denominator. Only the first call has an effect. A
// total of zero, or one already reached, completes the tracker.
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hasTotal || t.done || total < 0 {
		return
	}
	t.total = total
	t.hasTotal = true
	if t.progress >= total {
		t.progress = total
		t.finish()
	}
}

func (t *Tracker) finish() {
	t.done = true
	t.subs = nil
}

// Add advances progress by amount, clamped to the remaining total, and
// notifies every subscriber with the applied delta. Non-positive amounts
// and calls after completion are ignored.
func (t *Tracker) Add(amount int64) {
	t.advance(func(int64) int64 { return amount })
}

// Set advances progress to value. Values below the current progress are
// ignored.
func (t *Tracker) Set(value int64) {
	var (
		backwards bool
		current   int64
	)
	t.advance(func(p int64) int64 {
		if value < p {
			backwards, current = true, p
			return 0
		}
		return value - p
	})
	if backwards {
		logging.Debug("progress set below current value",
			zap.Int64("value", value),
			zap.Int64("progress", current))
	}
}

func (t *Tracker) advance(amountFor func(progress int64) int64) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	amount := amountFor(t.progress)
	if t.hasTotal {
		amount = min(amount, t.total-t.progress)
	}
	if amount <= 0 {
		t.mu.Unlock()
		return
	}
	t.progress += amount
	subs := slices.Clone(t.subs)
	if t.hasTotal && t.progress == t.total {
		t.finish()
	}
	t.mu.Unlock()

	for _, s := range subs {
		if !s.detached.Load() {
			s.fn(amount)
		}
	}
}

// Subscribe registers fn. Subscribing to a done tracker returns an
// already detached subscription.
func (t *Tracker) Subscribe(fn Listener) *Subscription {
	s := &Subscription{tracker: t, fn: fn}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		s.detached.Store(true)
		return s
	}
	t.subs = append(t.subs, s)
	return s
}

// Detach removes the subscription. Detaching twice is safe.
func (s *Subscription) Detach() {
	if s.detached.Swap(true) {
		return
	}
	t := s.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = slices.DeleteFunc(t.subs, func(other *Subscription) bool { return other == s })
}

// Progress returns the bytes counted so far.
func (t *Tracker) Progress() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Total returns the total, 0 before SetTotal.
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Done reports whether progress reached the total.
func (t *Tracker) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Tracker) subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
