package mpool

import (
	"github.com/cuemby/caravan/pkg/types"
)

// SubQ is a bounded FIFO of block references attached to a flow. Depth is
// the difference of two monotonically increasing 32-bit counters, so
// counter wrap-around is well defined.
type SubQ struct {
	head      Link
	pushCount uint32
	pullCount uint32
	limit     uint32
	flow      *Flow
}

func (q *SubQ) init(owner *Block, f *Flow) {
	owner.InitSecondaryLink(&q.head)
	q.pushCount = 0
	q.pullCount = 0
	q.limit = 0
	q.flow = f
}

// Depth returns the number of queued entries.
func (q *SubQ) Depth() uint32 {
	return q.pushCount - q.pullCount
}

// DepthLimit returns the configured push gate.
func (q *SubQ) DepthLimit() uint32 {
	return q.limit
}

// SetDepthLimit reconfigures the push gate. A limit of zero disables
// pushes entirely (interface DOWN). Lowering the limit below the current
// depth keeps existing entries; only further pushes are refused.
func (q *SubQ) SetDepthLimit(p *Pool, limit uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.limit = limit
	p.notifyLocked()
}

func (q *SubQ) tryPushLocked(p *Pool, blk *Block) bool {
	if q.Depth() >= q.limit {
		return false
	}
	blk.link.Extract()
	blk.link.InsertBefore(&q.head)
	q.pushCount++
	if q.flow != nil {
		p.activateFlowLocked(q.flow)
	}
	return true
}

// TryPush appends without blocking. Push refusal reports the timeout
// outcome, matching the blocking variant with an expired deadline.
func (q *SubQ) TryPush(p *Pool, blk *Block) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !q.tryPushLocked(p, blk) {
		return types.ErrTimeout
	}
	p.notifyLocked()
	return nil
}

// Push appends, blocking until space frees or the absolute deadline
// passes. On timeout no state is modified.
func (q *SubQ) Push(p *Pool, blk *Block, deadline types.DtnTime) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if q.tryPushLocked(p, blk) {
			p.notifyLocked()
			return nil
		}
		if !p.waitChange(deadline) {
			return types.ErrTimeout
		}
	}
}

func (q *SubQ) tryPullLocked() *Block {
	l := q.head.Next()
	if l == &q.head {
		return nil
	}
	l.Extract()
	q.pullCount++
	return l.Base()
}

// TryPull removes the head entry without blocking, or returns nil.
func (q *SubQ) TryPull(p *Pool) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk := q.tryPullLocked()
	if blk != nil {
		p.notifyLocked()
	}
	return blk
}

// Pull removes the head entry, blocking until one arrives or the absolute
// deadline passes.
func (q *SubQ) Pull(p *Pool, deadline types.DtnTime) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if blk := q.tryPullLocked(); blk != nil {
			p.notifyLocked()
			return blk, nil
		}
		if !p.waitChange(deadline) {
			return nil, types.ErrTimeout
		}
	}
}

// MoveAllTo splices this queue's entire content onto the tail of dst in
// O(1), returning the number of entries moved. Depth limits are not
// consulted; this is the scheduler's bulk transfer.
func (q *SubQ) MoveAllTo(p *Pool, dst *SubQ) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := q.Depth()
	if n == 0 {
		return 0
	}
	spliceAppend(&dst.head, &q.head)
	q.pullCount += n
	dst.pushCount += n
	if dst.flow != nil {
		p.activateFlowLocked(dst.flow)
	}
	p.notifyLocked()
	return int(n)
}

// DropAll recycles every queued entry.
func (q *SubQ) DropAll(p *Pool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := int(q.Depth())
	q.pullCount += q.Depth()
	p.recycleAllLocked(&q.head)
	if n > 0 {
		p.notifyLocked()
	}
	return n
}

// IsEmpty reports whether the queue holds no entries.
func (q *SubQ) IsEmpty() bool {
	return q.Depth() == 0
}

// Contains reports whether blk is currently linked on this queue.
func (q *SubQ) Contains(p *Pool, blk *Block) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for cur := q.head.Next(); cur != &q.head; cur = cur.Next() {
		if cur.Base() == blk {
			return true
		}
	}
	return false
}

// Flow pairs the two directional subqs of one interface attachment.
// Ingress carries traffic from this interface toward the router; Egress
// carries traffic the router has assigned to this interface. Parent is a
// weak (uncounted) reference to a containing flow, used by socket
// sub-flows; the deliberate storage self-reference cycle described in the
// cache is avoided by keeping this pointer weak.
type Flow struct {
	block      *Block
	ExternalID types.Handle
	Parent     *Block
	Ingress    SubQ
	Egress     SubQ
	activeLink Link
	Ext        any
}

func (f *Flow) reset(owner *Block) {
	f.block = owner
	f.ExternalID = types.InvalidHandle
	f.Parent = nil
	f.Ext = nil
	owner.InitSecondaryLink(&f.activeLink)
	f.Ingress.init(owner, f)
	f.Egress.init(owner, f)
}

// Block returns the pool block containing this flow.
func (f *Flow) Block() *Block {
	return f.block
}

// AllocFlow allocates a flow block. A registered magic contributes the
// flow's Ext record and lifecycle callbacks.
func (p *Pool) AllocFlow(magic uint32, arg any, pri Priority) (*Block, error) {
	return p.AllocBlock(BlockTypeFlow, magic, arg, pri)
}

// Disable closes both subqs: depth limits go to zero and queued content
// is recycled, waking any blocked pushers into their timeout path.
func (f *Flow) Disable(p *Pool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.Ingress.limit = 0
	f.Egress.limit = 0
	q1 := f.Ingress.Depth()
	f.Ingress.pullCount += q1
	p.recycleAllLocked(&f.Ingress.head)
	q2 := f.Egress.Depth()
	f.Egress.pullCount += q2
	p.recycleAllLocked(&f.Egress.head)
	p.notifyLocked()
}

// Enable opens both subqs at the given depth limit.
func (f *Flow) Enable(p *Pool, limit uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f.Ingress.limit = limit
	f.Egress.limit = limit
	p.notifyLocked()
}
