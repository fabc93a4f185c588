// Package events publishes operation lifecycle events to subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fruitsalade/cloudfs/internal/metrics"
)

const (
	// EventPending is published before a storage transfer starts.
	EventPending = "pending"
	// EventProgress carries transferred bytes of a running transfer.
	EventProgress = "progress"
	// EventComplete is published once per operation with its final state.
	EventComplete = "complete"
)

// Event is one operation lifecycle event.
type Event struct {
	Type      string `json:"type"`
	Op        string `json:"op"`
	OpID      string `json:"op_id"`
	Path      string `json:"path,omitempty"`
	UID       string `json:"uid,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Checksum  string `json:"checksum,omitempty"`
	Progress  int64  `json:"progress,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Delta     int64  `json:"delta,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Publisher accepts events. Publishing never blocks the operation.
type Publisher interface {
	Publish(event Event)
}

// Filter selects the events a subscriber receives. A nil Filter takes
// everything.
type Filter func(Event) bool

// Ops accepts events of the named operations only.
func Ops(ops ...string) Filter {
	return func(e Event) bool {
		for _, op := range ops {
			if e.Op == op {
				return true
			}
		}
		return false
	}
}

// SubscriberBuffer is the channel capacity of each subscription.
const SubscriberBuffer = 64

// Subscription is one consumer of a Broadcaster.
type Subscription struct {
	b       *Broadcaster
	ch      chan Event
	filter  Filter
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the receive side. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events were discarded because the consumer
// fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.remove(s) })
}

// Broadcaster fans events out to subscriptions. A slow subscriber loses
// events rather than stalling the publisher.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[*Subscription]struct{})}
}

// Subscribe attaches a consumer. Callers must Close the subscription.
func (b *Broadcaster) Subscribe(filter Filter) *Subscription {
	s := &Subscription{b: b, ch: make(chan Event, SubscriberBuffer), filter: filter}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
	return s
}

func (b *Broadcaster) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	close(s.ch)
	n := len(b.subs)
	b.mu.Unlock()
	metrics.SetEventSubscribers(n)
}

// Publish stamps the event and delivers it to every matching subscriber.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	metrics.RecordEvent(event.Type)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			s.dropped.Add(1)
		}
	}
}

// Count returns the number of attached subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
