package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/caravan/pkg/types"
)

// Type enumerates the state transitions the routing table fans out.
type Type int

const (
	Undefined Type = iota
	IntfUp
	IntfDown
	RouteUp
	RouteDown
	PollInterval
)

func (t Type) String() string {
	switch t {
	case IntfUp:
		return "intf.up"
	case IntfDown:
		return "intf.down"
	case RouteUp:
		return "route.up"
	case RouteDown:
		return "route.down"
	case PollInterval:
		return "poll"
	default:
		return "undefined"
	}
}

// Event is one state transition. IntfID names the interface that changed;
// Dest/Mask carry the route prefix for route events. ID and At are
// stamped when the event is posted, for external tap correlation.
type Event struct {
	ID     string
	Type   Type
	IntfID types.Handle
	Dest   uint64
	Mask   uint64
	At     time.Time
}

// Handler consumes events delivered from a per-handler queue.
type Handler func(Event)

// handlerQueueDepth bounds each handler's pending queue. A full queue
// drops further events rather than wedging the dispatcher; the drop is
// counted so diagnostics can see a stalled consumer.
const handlerQueueDepth = 32

type handlerQueue struct {
	owner   types.Handle
	fn      Handler
	pending []Event
	dropped int
}

// Dispatcher is the event fan-out at the center of the routing table:
// every registered handler gets its own bounded queue (message passing —
// a failure in one handler cannot starve another), and external
// observers can tap the same stream through buffered channels.
//
// Posting only enqueues; Drain delivers. The maintenance loop drains
// between scheduler passes, so handlers always run on the maintenance
// driver, never on the poster's goroutine.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []*handlerQueue
	taps     map[chan Event]bool
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{taps: make(map[chan Event]bool)}
}

// Register installs (or replaces) the handler owned by the given handle.
func (d *Dispatcher) Register(owner types.Handle, fn Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.handlers {
		if q.owner == owner {
			q.fn = fn
			q.pending = nil
			return
		}
	}
	d.handlers = append(d.handlers, &handlerQueue{owner: owner, fn: fn})
}

// Unregister removes the handler owned by the handle, discarding its
// undelivered events.
func (d *Dispatcher) Unregister(owner types.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, q := range d.handlers {
		if q.owner == owner {
			d.handlers = append(d.handlers[:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Post stamps the event and enqueues it for every registered handler and
// tap. Never blocks: full handler queues and slow taps drop.
func (d *Dispatcher) Post(ev Event) {
	ev.ID = uuid.New().String()
	ev.At = time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.handlers {
		if len(q.pending) >= handlerQueueDepth {
			q.dropped++
			continue
		}
		q.pending = append(q.pending, ev)
	}
	for tap := range d.taps {
		select {
		case tap <- ev:
		default:
			// tap buffer full, skip
		}
	}
}

// Drain delivers every queued event to its handler and returns the
// delivered count. Handlers run outside the dispatcher lock, so they may
// freely post follow-up events or touch the structures that posted.
func (d *Dispatcher) Drain() int {
	type batch struct {
		fn  Handler
		evs []Event
	}
	d.mu.Lock()
	var work []batch
	for _, q := range d.handlers {
		if len(q.pending) == 0 || q.fn == nil {
			continue
		}
		work = append(work, batch{fn: q.fn, evs: q.pending})
		q.pending = nil
	}
	d.mu.Unlock()

	n := 0
	for _, b := range work {
		for _, ev := range b.evs {
			b.fn(ev)
			n++
		}
	}
	return n
}

// Dropped reports how many events have been discarded against the
// handle's full queue.
func (d *Dispatcher) Dropped(owner types.Handle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.handlers {
		if q.owner == owner {
			return q.dropped
		}
	}
	return 0
}

// Tap opens a buffered observer channel receiving a copy of every posted
// event. Slow observers lose events, never stall the core.
func (d *Dispatcher) Tap() chan Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	tap := make(chan Event, 50)
	d.taps[tap] = true
	return tap
}

// Untap closes and removes an observer channel.
func (d *Dispatcher) Untap(tap chan Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.taps[tap] {
		delete(d.taps, tap)
		close(tap)
	}
}
