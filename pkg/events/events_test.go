package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/types"
)

const (
	owner1 types.Handle = 0x1000001
	owner2 types.Handle = 0x1000002
)

func TestPostDrainOrder(t *testing.T) {
	d := NewDispatcher()
	var got []Type
	d.Register(owner1, func(ev Event) { got = append(got, ev.Type) })

	d.Post(Event{Type: IntfUp})
	d.Post(Event{Type: RouteUp})
	d.Post(Event{Type: PollInterval})
	assert.Empty(t, got, "posting only enqueues")

	n := d.Drain()
	assert.Equal(t, 3, n)
	assert.Equal(t, []Type{IntfUp, RouteUp, PollInterval}, got)
	assert.Equal(t, 0, d.Drain(), "queues drained")
}

func TestEveryHandlerSeesEveryEvent(t *testing.T) {
	d := NewDispatcher()
	counts := map[types.Handle]int{}
	d.Register(owner1, func(Event) { counts[owner1]++ })
	d.Register(owner2, func(Event) { counts[owner2]++ })

	d.Post(Event{Type: RouteDown})
	d.Drain()
	assert.Equal(t, 1, counts[owner1])
	assert.Equal(t, 1, counts[owner2])
}

func TestQueueBoundDropsAndCounts(t *testing.T) {
	d := NewDispatcher()
	delivered := 0
	d.Register(owner1, func(Event) { delivered++ })

	for i := 0; i < handlerQueueDepth+7; i++ {
		d.Post(Event{Type: PollInterval})
	}
	d.Drain()
	assert.Equal(t, handlerQueueDepth, delivered)
	assert.Equal(t, 7, d.Dropped(owner1))
}

func TestHandlerMayPostDuringDrain(t *testing.T) {
	d := NewDispatcher()
	first := true
	total := 0
	d.Register(owner1, func(ev Event) {
		total++
		if first {
			first = false
			d.Post(Event{Type: RouteUp})
		}
	})
	d.Post(Event{Type: IntfUp})
	require.Equal(t, 1, d.Drain())
	// the follow-up event waits for the next drain
	require.Equal(t, 1, d.Drain())
	assert.Equal(t, 2, total)
}

func TestUnregisterDiscardsPending(t *testing.T) {
	d := NewDispatcher()
	fired := 0
	d.Register(owner1, func(Event) { fired++ })
	d.Post(Event{Type: IntfDown})
	d.Unregister(owner1)
	assert.Equal(t, 0, d.Drain())
	assert.Equal(t, 0, fired)
}

func TestTapReceivesStampedCopies(t *testing.T) {
	d := NewDispatcher()
	tap := d.Tap()
	d.Post(Event{Type: IntfUp, Dest: 200})

	ev := <-tap
	assert.Equal(t, IntfUp, ev.Type)
	assert.Equal(t, uint64(200), ev.Dest)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.At.IsZero())

	d.Untap(tap)
	_, open := <-tap
	assert.False(t, open)
}

func TestTypeStrings(t *testing.T) {
	assert.Equal(t, "route.up", RouteUp.String())
	assert.Equal(t, "poll", PollInterval.String())
	assert.Equal(t, "undefined", Undefined.String())
}
