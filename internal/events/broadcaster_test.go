package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionLifecycle(t *testing.T) {
	b := NewBroadcaster()
	s1 := b.Subscribe(nil)
	s2 := b.Subscribe(nil)
	require.Equal(t, 2, b.Count())

	s1.Close()
	assert.Equal(t, 1, b.Count())
	_, open := <-s1.Events()
	assert.False(t, open, "closed subscription channel should be closed")

	s2.Close()
	s2.Close()
	assert.Equal(t, 0, b.Count())
}

func TestPublishStampsAndDelivers(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	b.Publish(Event{Type: EventPending, Op: "write", OpID: "op-1", Path: "/docs/a.txt", Total: 100})

	require.Len(t, s.Events(), 1)
	got := <-s.Events()
	assert.Equal(t, EventPending, got.Type)
	assert.Equal(t, "/docs/a.txt", got.Path)
	assert.NotZero(t, got.Timestamp)
}

func TestPublishKeepsTimestamp(t *testing.T) {
	b := NewBroadcaster()
	s := b.Subscribe(nil)
	defer s.Close()

	b.Publish(Event{Type: EventComplete, Timestamp: 42})
	assert.EqualValues(t, 42, (<-s.Events()).Timestamp)
}

func TestOpsFilter(t *testing.T) {
	b := NewBroadcaster()
	removes := b.Subscribe(Ops("remove", "move"))
	defer removes.Close()
	all := b.Subscribe(nil)
	defer all.Close()

	b.Publish(Event{Type: EventComplete, Op: "write"})
	b.Publish(Event{Type: EventComplete, Op: "remove"})
	b.Publish(Event{Type: EventComplete, Op: "move"})

	assert.Len(t, removes.Events(), 2)
	assert.Len(t, all.Events(), 3)
	assert.Equal(t, "remove", (<-removes.Events()).Op)
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe(nil)
	defer slow.Close()

	for i := 0; i < SubscriberBuffer+36; i++ {
		b.Publish(Event{Type: EventProgress, Delta: 1})
	}
	assert.Len(t, slow.Events(), SubscriberBuffer)
	assert.EqualValues(t, 36, slow.Dropped())
}

func TestDiscard(t *testing.T) {
	assert.NotPanics(t, func() { Discard.Publish(Event{Type: EventComplete}) })
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(Event{Type: EventComplete, Op: "copy", State: "partially_failed", Timestamp: 1234567890})
	require.NoError(t, err)

	var back map[string]any
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "partially_failed", back["state"])
	assert.Equal(t, "copy", back["op"])
	assert.NotContains(t, back, "path")
	assert.NotContains(t, back, "error")
}
