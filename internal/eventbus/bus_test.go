package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	b := New()
	fast, unsubFast := b.Subscribe(4)
	defer unsubFast()
	slow, unsubSlow := b.Subscribe(1)
	defer unsubSlow()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: TypeJobQueued, Data: JobEvent{JobID: "1"}})
	}

	assert.Len(t, fast, 3)
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(2), b.Dropped())
	e := <-fast
	assert.Equal(t, TypeJobQueued, e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	failures, unsub := b.Subscribe(4, TypeJobFailed, TypeEmailFailed)
	defer unsub()

	b.Publish(Event{Type: TypeJobQueued})
	b.Publish(Event{Type: TypeJobFailed, Data: JobEvent{JobID: "7"}})
	b.Publish(Event{Type: TypeJobCompleted})

	require.Len(t, failures, 1)
	e := <-failures
	assert.Equal(t, TypeJobFailed, e.Type)
	assert.Equal(t, "7", e.Data.(JobEvent).JobID)
	assert.Zero(t, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: TypeQueuesClosed, Time: time.Now()})
}
