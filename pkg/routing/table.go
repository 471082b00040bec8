package routing

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/events"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// IntfState is the per-interface flag word.
type IntfState uint8

const (
	IntfAdminUp IntfState = 1 << iota
	IntfOperUp
	IntfStorage
)

const intfUpMask = IntfAdminUp | IntfOperUp

// Up reports whether both the administrative and operational bits are set.
func (s IntfState) Up() bool {
	return s&intfUpMask == intfUpMask
}

// Event and its type enumeration come from the events dispatcher; the
// aliases keep handler signatures local to this package.
type (
	Event     = events.Event
	EventType = events.Type
)

const (
	EventUndefined    = events.Undefined
	EventIntfUp       = events.IntfUp
	EventIntfDown     = events.IntfDown
	EventRouteUp      = events.RouteUp
	EventRouteDown    = events.RouteDown
	EventPollInterval = events.PollInterval
)

// IngressFunc drains an interface's ingress subq toward the rest of the
// system; EgressFunc processes what the router has assigned to the
// interface. Both return the number of items they moved so the
// maintenance fixpoint knows when to stop.
type (
	IngressFunc func(tbl *Table, intfID types.Handle) int
	EgressFunc  func(tbl *Table, intfID types.Handle) int
	EventFunc   func(tbl *Table, intfID types.Handle, ev Event)
)

type route struct {
	dest uint64
	mask uint64
	intf types.Handle
}

type intfSlot struct {
	handle  types.Handle // InvalidHandle when the slot is empty
	flags   IntfState
	flowRef *mpool.Ref
	ingress IngressFunc
	egress  EgressFunc
}

// Table is the routing core: destination routes, the interface registry,
// and the event fan-out that keeps storage interfaces in step with link
// state.
type Table struct {
	mu         sync.Mutex
	pool       *mpool.Pool
	routes     []route
	slots      []intfSlot
	nextSerial uint32

	// DepthLimit is applied to an interface's subqs when it comes up.
	DepthLimit uint32

	dispatch *events.Dispatcher
	logger   zerolog.Logger
}

// New creates a routing table with capacity for maxIntfs interfaces.
func New(pool *mpool.Pool, maxIntfs int) *Table {
	if maxIntfs < 1 {
		maxIntfs = 1
	}
	t := &Table{
		pool:       pool,
		slots:      make([]intfSlot, maxIntfs),
		nextSerial: 1,
		DepthLimit: 64,
		dispatch:   events.NewDispatcher(),
		logger:     log.WithComponent("routing"),
	}
	return t
}

// Pool returns the pool this table schedules over.
func (t *Table) Pool() *mpool.Pool {
	return t.pool
}

// Events exposes the dispatcher: interfaces register handlers through
// SetIntfCallbacks; external observers open taps on the same stream.
func (t *Table) Events() *events.Dispatcher {
	return t.dispatch
}

// RegisterIntf adds an interface backed by the given flow block and
// returns its generational handle. The flow's ExternalID is set to the
// handle so queue activity can be traced back to the interface.
func (t *Table) RegisterIntf(flowBlk *mpool.Block) (types.Handle, error) {
	flow := flowBlk.Flow()
	if flow == nil {
		return types.InvalidHandle, types.ErrInvalidArgument
	}
	ref := t.pool.RefCreate(flowBlk)
	if ref == nil {
		return types.InvalidHandle, types.ErrInvalidArgument
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for tries := 0; tries < len(t.slots); tries++ {
		serial := t.nextSerial
		t.nextSerial++
		if t.nextSerial >= 1<<24 {
			t.nextSerial = 1
		}
		slot := &t.slots[int(serial)%len(t.slots)]
		if slot.handle.IsValid() {
			continue
		}
		h := types.HandleFromSerial(int(serial), types.HandleBaseIntf)
		slot.handle = h
		slot.flags = 0
		slot.flowRef = ref
		slot.ingress = nil
		slot.egress = nil
		flow.ExternalID = h
		t.logger.Info().Str("intf", h.String()).Msg("interface registered")
		return h, nil
	}
	ref.Release()
	return types.InvalidHandle, types.ErrResourceExhausted
}

// slotForLocked resolves a handle, verifying its serial against the slot
// occupant to catch use-after-unregister.
func (t *Table) slotForLocked(h types.Handle) *intfSlot {
	if !h.IsValid() {
		return nil
	}
	serial := h.Serial(types.HandleBaseIntf)
	if serial <= 0 || serial >= 1<<24 {
		return nil
	}
	slot := &t.slots[serial%len(t.slots)]
	if slot.handle != h {
		return nil
	}
	return slot
}

// SetIntfCallbacks installs the forwarding and event entry points.
func (t *Table) SetIntfCallbacks(h types.Handle, ingress IngressFunc, egress EgressFunc, event EventFunc) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotForLocked(h)
	if slot == nil {
		return types.ErrNotFound
	}
	slot.ingress = ingress
	slot.egress = egress
	if event != nil {
		t.dispatch.Register(h, func(ev Event) { event(t, h, ev) })
	} else {
		t.dispatch.Unregister(h)
	}
	return nil
}

// UnregisterIntf removes an interface, dropping routes that point at it
// and releasing the flow reference.
func (t *Table) UnregisterIntf(h types.Handle) error {
	t.mu.Lock()
	slot := t.slotForLocked(h)
	if slot == nil {
		t.mu.Unlock()
		return types.ErrNotFound
	}
	kept := t.routes[:0]
	for _, r := range t.routes {
		if r.intf != h {
			kept = append(kept, r)
		}
	}
	t.routes = kept
	ref := slot.flowRef
	*slot = intfSlot{}
	t.mu.Unlock()

	t.dispatch.Unregister(h)

	if flow := ref.Target().Flow(); flow != nil {
		flow.Disable(t.pool)
	}
	ref.Release()
	t.logger.Info().Str("intf", h.String()).Msg("interface unregistered")
	return nil
}

// GetFlow resolves an interface handle to its flow.
func (t *Table) GetFlow(h types.Handle) (*mpool.Flow, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotForLocked(h)
	if slot == nil {
		return nil, types.ErrNotFound
	}
	return slot.flowRef.Target().Flow(), nil
}

// IntfFlags returns the interface's current flag word.
func (t *Table) IntfFlags(h types.Handle) (IntfState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotForLocked(h)
	if slot == nil {
		return 0, types.ErrNotFound
	}
	return slot.flags, nil
}

// SetIntfFlags raises flag bits. Completing the ADMIN_UP|OPER_UP pair
// enables the interface's subqs and fans out interface-up plus a
// route-up for every route through it.
func (t *Table) SetIntfFlags(h types.Handle, flags IntfState) error {
	t.mu.Lock()
	slot := t.slotForLocked(h)
	if slot == nil {
		t.mu.Unlock()
		return types.ErrNotFound
	}
	wasUp := slot.flags.Up()
	slot.flags |= flags
	nowUp := slot.flags.Up()
	var flow *mpool.Flow
	if !wasUp && nowUp {
		flow = slot.flowRef.Target().Flow()
		t.dispatch.Post(Event{Type: EventIntfUp, IntfID: h})
		for _, r := range t.routes {
			if r.intf == h {
				t.dispatch.Post(Event{Type: EventRouteUp, IntfID: h, Dest: r.dest, Mask: r.mask})
			}
		}
	}
	t.mu.Unlock()

	if flow != nil {
		flow.Enable(t.pool, t.DepthLimit)
	}
	return nil
}

// UnsetIntfFlags clears flag bits. Breaking the up pair disables the
// interface's subqs (draining them) and fans out interface-down and
// route-down events.
func (t *Table) UnsetIntfFlags(h types.Handle, flags IntfState) error {
	t.mu.Lock()
	slot := t.slotForLocked(h)
	if slot == nil {
		t.mu.Unlock()
		return types.ErrNotFound
	}
	wasUp := slot.flags.Up()
	slot.flags &^= flags
	nowUp := slot.flags.Up()
	var flow *mpool.Flow
	if wasUp && !nowUp {
		flow = slot.flowRef.Target().Flow()
		t.dispatch.Post(Event{Type: EventIntfDown, IntfID: h})
		for _, r := range t.routes {
			if r.intf == h {
				t.dispatch.Post(Event{Type: EventRouteDown, IntfID: h, Dest: r.dest, Mask: r.mask})
			}
		}
	}
	t.mu.Unlock()

	if flow != nil {
		flow.Disable(t.pool)
	}
	return nil
}

// maskContiguous verifies the mask bits run contiguously from the MSB.
func maskContiguous(mask uint64) bool {
	inv := ^mask
	return inv&(inv+1) == 0
}

// AddRoute installs {dest, mask} -> intf, keeping the route array sorted
// most-specific-mask first. Exact duplicates are rejected.
func (t *Table) AddRoute(dest, mask uint64, intf types.Handle) error {
	if !maskContiguous(mask) {
		return fmt.Errorf("%w: route mask %#x is not contiguous from the MSB", types.ErrInvalidArgument, mask)
	}
	t.mu.Lock()
	slot := t.slotForLocked(intf)
	if slot == nil {
		t.mu.Unlock()
		return types.ErrNotFound
	}
	dest &= mask
	for _, r := range t.routes {
		if r.dest == dest && r.mask == mask {
			t.mu.Unlock()
			return types.ErrDuplicate
		}
	}
	idx := len(t.routes)
	for i, r := range t.routes {
		if mask > r.mask {
			idx = i
			break
		}
	}
	t.routes = append(t.routes, route{})
	copy(t.routes[idx+1:], t.routes[idx:])
	t.routes[idx] = route{dest: dest, mask: mask, intf: intf}
	if slot.flags.Up() {
		t.dispatch.Post(Event{Type: EventRouteUp, IntfID: intf, Dest: dest, Mask: mask})
	}
	t.mu.Unlock()
	return nil
}

// DelRoute removes an exact {dest, mask} route.
func (t *Table) DelRoute(dest, mask uint64) error {
	t.mu.Lock()
	dest &= mask
	for i, r := range t.routes {
		if r.dest == dest && r.mask == mask {
			intf := r.intf
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			t.dispatch.Post(Event{Type: EventRouteDown, IntfID: intf, Dest: dest, Mask: mask})
			t.mu.Unlock()
			return nil
		}
	}
	t.mu.Unlock()
	return types.ErrNotFound
}

// LookupIntf finds the interface for a destination node number: the first
// (most specific) route whose masked prefix matches wins.
func (t *Table) LookupIntf(dest uint64) (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.routes {
		if (dest^r.dest)&r.mask == 0 {
			return r.intf, nil
		}
	}
	return types.InvalidHandle, types.ErrUnroutable
}

// LookupIntfWithFlags finds the first matching route whose interface
// satisfies (flags & mask) == req. Used by the forwarder to qualify the
// next hop: a stored bundle must not land in another storage, and a
// bundle needing acknowledgement must reach one.
func (t *Table) LookupIntfWithFlags(dest uint64, req, mask IntfState) (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.routes {
		if (dest^r.dest)&r.mask != 0 {
			continue
		}
		slot := t.slotForLocked(r.intf)
		if slot == nil {
			continue
		}
		if slot.flags&mask == req {
			return r.intf, nil
		}
	}
	return types.InvalidHandle, types.ErrUnroutable
}

// StorageIntf returns the first storage-capable interface that is up.
func (t *Table) StorageIntf() (types.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.handle.IsValid() && s.flags&IntfStorage != 0 && s.flags.Up() {
			return s.handle, nil
		}
	}
	return types.InvalidHandle, types.ErrNotFound
}

// DeliverEvents drains every handler queue on the dispatcher, invoking
// handlers outside all locks.
func (t *Table) DeliverEvents() int {
	return t.dispatch.Drain()
}

// intfHandlers snapshots the forwarding entry points for one interface.
func (t *Table) intfHandlers(h types.Handle) (IngressFunc, EgressFunc, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotForLocked(h)
	if slot == nil {
		return nil, nil, false
	}
	return slot.ingress, slot.egress, true
}

// Maintain is the periodic driver: it fans a poll-interval event to every
// interface, delivers pending events, runs the active-flow scheduler to a
// fixpoint, and lets the pool reclaim a batch of recycled blocks.
func (t *Table) Maintain() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.MaintenanceDuration)
		metrics.MaintenancePasses.Inc()
	}()

	t.dispatch.Post(Event{Type: EventPollInterval})

	for {
		worked := t.DeliverEvents()
		for {
			flow := t.pool.NextActiveFlow()
			if flow == nil {
				break
			}
			ingress, egress, ok := t.intfHandlers(flow.ExternalID)
			if !ok {
				// flow without a live interface: orphaned traffic is dropped
				flow.Ingress.DropAll(t.pool)
				flow.Egress.DropAll(t.pool)
				continue
			}
			if ingress != nil {
				worked += ingress(t, flow.ExternalID)
			}
			if egress != nil {
				worked += egress(t, flow.ExternalID)
			}
		}
		if worked == 0 {
			break
		}
	}

	t.pool.Maintain()
}
