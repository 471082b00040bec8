package mpool

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/rbtree"
	"github.com/cuemby/caravan/pkg/types"
)

// Priority grades an allocation request. Higher priorities retain access
// to the free-list reserve after bulk allocation has been refused, so the
// refs needed to drain storage can still be created under memory pressure.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// maintainBatchSize bounds how many recycled blocks one Maintain call
// destroys.
const maintainBatchSize = 20

// BlocktypeAPI is the constructor/destructor pair registered for a content
// signature.
type BlocktypeAPI struct {
	// New produces a fresh content record for generic/api blocks and the
	// Ext record for flow blocks. May be nil when no user content is
	// needed.
	New func() any
	// Construct runs after the block is allocated and its content zeroed.
	Construct func(arg any, blk *Block) error
	// Destruct runs while the block is being reclaimed by Maintain.
	Destruct func(blk *Block)
}

type registryEntry struct {
	rbLink rbtree.Link
	magic  uint32
	api    BlocktypeAPI
}

// Pool is a fixed-capacity arena of typed, reference-counted blocks. All
// list and index mutation happens under the pool-wide lock; reference
// counts use per-block atomics.
type Pool struct {
	mu      sync.Mutex
	changed chan struct{}

	blocks      []Block
	freeList    Link
	recycleList Link
	activeFlows Link

	freeCount    int
	recycleCount int

	registry rbtree.Tree

	logger zerolog.Logger
}

// New constructs a pool holding numBlocks fixed-size blocks. The first
// block is reserved for pool administration, matching the on-target
// layout; it is never handed out.
func New(numBlocks int) *Pool {
	if numBlocks < 2 {
		numBlocks = 2
	}
	p := &Pool{
		blocks:  make([]Block, numBlocks),
		changed: make(chan struct{}),
		logger:  log.WithComponent("mpool"),
	}
	p.freeList.InitHead()
	p.recycleList.InitHead()
	p.activeFlows.InitHead()

	// block 0 is the admin block
	p.blocks[0].pool = p
	p.blocks[0].btype = BlockTypeHead
	p.blocks[0].link.initSingleton(&p.blocks[0])

	for i := 1; i < numBlocks; i++ {
		b := &p.blocks[i]
		b.pool = p
		b.link.initSingleton(b)
		b.link.InsertBefore(&p.freeList)
		p.freeCount++
	}

	metrics.PoolBlocksTotal.Set(float64(numBlocks))
	metrics.PoolBlocksFree.Set(float64(p.freeCount))
	p.logger.Info().Int("blocks", numBlocks).Msg("pool created")
	return p
}

// TotalBlocks returns the arena capacity, excluding the admin block.
func (p *Pool) TotalBlocks() int {
	return len(p.blocks) - 1
}

// FreeCount returns the current free-list population.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.freeCount
}

// RecycleCount returns how many blocks await destruction.
func (p *Pool) RecycleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recycleCount
}

// notifyLocked wakes every waiter blocked on pool state. Callers hold mu.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// waitChange blocks until the pool state changes or the deadline passes.
// Returns false on timeout. Callers hold mu on entry and regain it before
// return.
func (p *Pool) waitChange(deadline types.DtnTime) bool {
	ch := p.changed
	p.mu.Unlock()
	defer p.mu.Lock()

	now := types.DtnTimeNow()
	if deadline <= now {
		return false
	}
	var timer *time.Timer
	if deadline != types.DtnTimeInfinite {
		timer = time.NewTimer(time.Duration(deadline-now) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-ch:
			return true
		case <-timer.C:
			return false
		}
	}
	<-ch
	return true
}

// RegisterBlocktype associates a 32-bit content signature with its
// constructor/destructor pair. Registering a magic twice returns
// ErrDuplicate and leaves the original registration in place.
func (p *Pool) RegisterBlocktype(magic uint32, api BlocktypeAPI) error {
	if magic == 0 {
		return types.ErrInvalidArgument
	}
	entry := &registryEntry{magic: magic, api: api}
	entry.rbLink.Owner = entry

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.registry.InsertUnique(uint64(magic), &entry.rbLink); err != nil {
		return err
	}
	return nil
}

func (p *Pool) lookupAPILocked(magic uint32) *BlocktypeAPI {
	if magic == 0 {
		return nil
	}
	link := p.registry.SearchUnique(uint64(magic))
	if link == nil {
		return nil
	}
	return &link.Owner.(*registryEntry).api
}

// allocThreshold returns the free-count floor below which an allocation at
// the given priority is refused.
func (p *Pool) allocThreshold(pri Priority) int {
	switch pri {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return len(p.blocks) / 32
	default:
		return len(p.blocks) / 8
	}
}

// allocLocked pulls a block from the free list and prepares its content
// record for the requested type. Returns nil when the free count is at or
// below the priority threshold.
func (p *Pool) allocLocked(btype BlockType, magic uint32, arg any, pri Priority) *Block {
	if p.freeCount <= p.allocThreshold(pri) {
		metrics.PoolAllocRefused.WithLabelValues(fmt.Sprintf("%d", pri)).Inc()
		return nil
	}
	l := p.freeList.Next()
	if l == &p.freeList {
		return nil
	}
	l.Extract()
	p.freeCount--
	metrics.PoolBlocksFree.Set(float64(p.freeCount))

	blk := l.Base()
	blk.btype = btype
	blk.sig = magic
	blk.refs.Store(0)

	api := p.lookupAPILocked(magic)

	switch btype {
	case BlockTypePrimary:
		pd, ok := blk.content.(*PrimaryBlockData)
		if !ok {
			pd = &PrimaryBlockData{}
			blk.content = pd
		}
		pd.reset(blk)
	case BlockTypeCanonical:
		cd, ok := blk.content.(*CanonicalBlockData)
		if !ok {
			cd = &CanonicalBlockData{}
			blk.content = cd
		}
		cd.reset(blk)
	case BlockTypeCBORData:
		ch, ok := blk.content.(*ChunkData)
		if !ok {
			ch = &ChunkData{}
			blk.content = ch
		}
		ch.reset()
	case BlockTypeFlow:
		f, ok := blk.content.(*Flow)
		if !ok {
			f = &Flow{}
			blk.content = f
		}
		f.reset(blk)
		if api != nil && api.New != nil {
			f.Ext = api.New()
		}
	case BlockTypeRef:
		rd, ok := blk.content.(*refData)
		if !ok {
			rd = &refData{}
			blk.content = rd
		}
		*rd = refData{}
	case BlockTypeGeneric, BlockTypeAPI:
		if api != nil && api.New != nil {
			blk.content = api.New()
		} else {
			blk.content = nil
		}
	default:
		blk.content = nil
	}

	if api != nil && api.Construct != nil {
		if err := api.Construct(arg, blk); err != nil {
			p.logger.Error().Err(err).Uint32("magic", magic).Msg("blocktype constructor failed")
			p.recycleLocked(blk)
			return nil
		}
	}
	return blk
}

// AllocBlock allocates a typed block. Returns ErrResourceExhausted when
// the free count is at or below the threshold for the priority.
func (p *Pool) AllocBlock(btype BlockType, magic uint32, arg any, pri Priority) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	blk := p.allocLocked(btype, magic, arg, pri)
	if blk == nil {
		return nil, types.ErrResourceExhausted
	}
	return blk, nil
}

// AllocBlockWait is AllocBlock with a deadline: it retries as the pool
// changes until the deadline passes.
func (p *Pool) AllocBlockWait(btype BlockType, magic uint32, arg any, pri Priority, deadline types.DtnTime) (*Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		blk := p.allocLocked(btype, magic, arg, pri)
		if blk != nil {
			return blk, nil
		}
		if !p.waitChange(deadline) {
			return nil, types.ErrTimeout
		}
	}
}

// AllocPrimary allocates a primary-block record.
func (p *Pool) AllocPrimary(pri Priority) (*Block, error) {
	return p.AllocBlock(BlockTypePrimary, 0, nil, pri)
}

// AllocCanonical allocates a canonical-block record.
func (p *Pool) AllocCanonical(pri Priority) (*Block, error) {
	return p.AllocBlock(BlockTypeCanonical, 0, nil, pri)
}

// AllocGeneric allocates a generic data block under a registered magic.
func (p *Pool) AllocGeneric(magic uint32, arg any, pri Priority) (*Block, error) {
	return p.AllocBlock(BlockTypeGeneric, magic, arg, pri)
}

// Recycle detaches the block from whatever list it is on and queues it for
// destruction by Maintain. Infallible; recycling is the one operation that
// must always make progress.
func (p *Pool) Recycle(blk *Block) {
	if blk == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recycleLocked(blk)
	p.notifyLocked()
}

func (p *Pool) recycleLocked(blk *Block) {
	blk.link.Extract()
	blk.link.InsertBefore(&p.recycleList)
	p.recycleCount++
}

// recycleAllLocked moves every block on the given list head onto the
// recycle list without destroying anything yet.
func (p *Pool) recycleAllLocked(head *Link) {
	for {
		l := head.Next()
		if l == head {
			return
		}
		l.Extract()
		if b := l.Base(); b != nil && l == &b.link {
			l.InsertBefore(&p.recycleList)
			p.recycleCount++
		}
		// secondary links extracted above simply drop off their lists
	}
}

// Maintain drains the recycle list up to the batch limit, running
// destructors, recursively recycling owned sub-lists, releasing ref
// targets, and returning blocks to the free list. Returns the number of
// blocks destroyed.
func (p *Pool) Maintain() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	done := 0
	for done < maintainBatchSize {
		l := p.recycleList.Next()
		if l == &p.recycleList {
			break
		}
		l.Extract()
		p.recycleCount--
		blk := l.Base()
		p.destroyLocked(blk)
		done++
	}
	if done > 0 {
		metrics.PoolBlocksFree.Set(float64(p.freeCount))
		p.notifyLocked()
	}
	return done
}

func (p *Pool) destroyLocked(blk *Block) {
	// magic-registered destructor first, while content is still intact
	if api := p.lookupAPILocked(blk.sig); api != nil && api.Destruct != nil {
		api.Destruct(blk)
	}

	switch blk.btype {
	case BlockTypePrimary:
		pd := blk.content.(*PrimaryBlockData)
		p.recycleAllLocked(&pd.ChunkList)
		p.recycleAllLocked(&pd.CblockList)
	case BlockTypeCanonical:
		cd := blk.content.(*CanonicalBlockData)
		p.recycleAllLocked(&cd.ChunkList)
	case BlockTypeFlow:
		f := blk.content.(*Flow)
		f.activeLink.Extract()
		p.recycleAllLocked(&f.Ingress.head)
		p.recycleAllLocked(&f.Egress.head)
	case BlockTypeRef:
		rd := blk.refData()
		if rd.ref != nil {
			p.releaseRefLocked(rd.ref)
			rd.ref = nil
		}
	}

	blk.btype = BlockTypeUndefined
	blk.sig = 0
	blk.refs.Store(0)
	blk.link.InsertBefore(&p.freeList)
	p.freeCount++
}

// activateFlowLocked puts the flow's state-change link on the pool-wide active
// list so the scheduler will visit it. Callers hold mu.
func (p *Pool) activateFlowLocked(f *Flow) {
	if !f.activeLink.IsLinked() {
		f.activeLink.InsertBefore(&p.activeFlows)
	}
}

// NextActiveFlow pops one flow from the active list, or nil when no flow
// has signalled work.
func (p *Pool) NextActiveFlow() *Flow {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.activeFlows.Next()
	if l == &p.activeFlows {
		return nil
	}
	l.Extract()
	blk := l.Base()
	if blk == nil {
		return nil
	}
	return blk.Flow()
}
