package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fruitsalade/cloudfs/internal/events"
)

// NewLimiter allows one progress event per interval.
func NewLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Relay publishes tracker deltas as progress events built from template.
// Deltas held back by limit are summed into the next event; the event
// that completes the tracker is always published. A nil limit publishes
// every delta.
func Relay(t *Tracker, pub events.Publisher, template events.Event, limit *rate.Limiter) *Subscription {
	var (
		mu      sync.Mutex
		pending int64
	)
	return t.Subscribe(func(delta int64) {
		mu.Lock()
		pending += delta
		if limit != nil && !limit.Allow() && !t.Done() {
			mu.Unlock()
			return
		}
		ev := template
		ev.Type = events.EventProgress
		ev.Delta = pending
		ev.Progress = t.Progress()
		ev.Total = t.Total()
		pending = 0
		mu.Unlock()

		pub.Publish(ev)
	})
}
