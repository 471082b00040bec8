package cache

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/offload"
	"github.com/cuemby/caravan/pkg/rbtree"
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
)

// Pool block content signatures owned by this package.
const (
	sigState    uint32 = 0x683359a7
	sigEntry    uint32 = 0xf223fff9
	sigQueue    uint32 = 0x30241224
	sigBlockref uint32 = 0x77e96b11
)

// Custody hash salts separate the two uses of the hash index.
const (
	saltDacs   uint32 = 0x3126c0cf
	saltBundle uint32 = 0x7739ae76
)

// Cache timing constants, in milliseconds of DTN time.
const (
	dacsLifetimeMS       uint64 = 86400000 // 24 hrs
	dacsOpenTimeMS       uint64 = 2500
	dacsMaxSeqPerPayload        = 64

	idleRetryMS uint64 = 3600000
	fastRetryMS uint64 = 2000

	// defaultRetxIntervalMS applies when the delivery record carries no
	// per-interface retransmit interval.
	defaultRetxIntervalMS uint64 = 5000

	// timeBucketMask groups nearby eval times into one index node.
	timeBucketMask uint64 = 0x3FF
)

// Cache is the store-and-forward engine for one service address. It
// registers as a storage-capable interface: bundles pushed to its egress
// subq enter storage, and stored bundles are re-emitted on its ingress
// subq when their moment comes.
type Cache struct {
	tbl  *routing.Table
	pool *mpool.Pool
	intf types.Handle

	flowBlk *mpool.Block
	// selfRef is the deliberate self-reference that keeps the flow block
	// alive while attached; Detach breaks the cycle explicitly.
	selfRef *mpool.Ref

	self bpv7.EndpointID

	hashIndex rbtree.Tree
	timeIndex rbtree.Tree
	destIndex rbtree.Tree

	pendingList mpool.Link
	idleList    mpool.Link
	expiredList mpool.Link

	pendingCount int
	idleCount    int
	expiredCount int

	dacsSeq uint64

	// Offloader, when set, persists accepted bundles and releases them
	// when the entry dies.
	Offloader offload.Backend

	// Now is the cache's clock; overridable for tests.
	Now func() types.DtnTime

	logger zerolog.Logger
}

// New attaches a cache instance to the table at the given service
// address and registers it as a storage-capable interface.
func New(tbl *routing.Table, self types.IPNAddress) (*Cache, error) {
	pool := tbl.Pool()
	c := &Cache{
		tbl:    tbl,
		pool:   pool,
		self:   bpv7.EndpointIDFromAddr(self),
		Now:    types.DtnTimeNow,
		logger: log.WithComponent("cache").With().Str("endpoint", self.String()).Logger(),
	}
	c.pendingList.InitHead()
	c.idleList.InitHead()
	c.expiredList.InitHead()

	registerBlocktypes(pool)

	fblk, err := pool.AllocFlow(sigState, c, mpool.PriorityMedium)
	if err != nil {
		return nil, err
	}
	fblk.Flow().Ext = c
	c.flowBlk = fblk

	h, err := tbl.RegisterIntf(fblk)
	if err != nil {
		pool.Recycle(fblk)
		return nil, err
	}
	c.intf = h
	c.selfRef = pool.RefCreate(fblk)

	if err := tbl.SetIntfCallbacks(h, routing.BaseIntfForwarder, c.egressHandler, c.eventHandler); err != nil {
		return nil, err
	}
	if err := tbl.SetIntfFlags(h, routing.IntfStorage); err != nil {
		return nil, err
	}
	if err := tbl.SetIntfFlags(h, routing.IntfAdminUp|routing.IntfOperUp); err != nil {
		return nil, err
	}
	c.logger.Info().Msg("storage cache attached")
	return c, nil
}

// registerBlocktypes installs the cache's pool signatures. Duplicate
// registration (a second cache instance on the same pool) is the expected
// no-op.
func registerBlocktypes(pool *mpool.Pool) {
	dup := func(err error) {
		if err != nil && !errors.Is(err, types.ErrDuplicate) {
			log.Report(log.SeverityError, log.EventBlocktypeConflict,
				"cache blocktype registration failed: %v", err)
		}
	}
	dup(pool.RegisterBlocktype(sigEntry, mpool.BlocktypeAPI{
		New: func() any { return &entry{} },
		Construct: func(arg any, blk *mpool.Block) error {
			e := blk.GenericData(sigEntry).(*entry)
			e.init(arg.(*Cache), blk)
			return nil
		},
	}))
	dup(pool.RegisterBlocktype(sigQueue, mpool.BlocktypeAPI{
		New: func() any { return &indexNode{} },
		Construct: func(arg any, blk *mpool.Block) error {
			n := blk.GenericData(sigQueue).(*indexNode)
			n.init(blk)
			return nil
		},
	}))
	dup(pool.RegisterBlocktype(sigBlockref, mpool.BlocktypeAPI{
		Destruct: blockrefDestruct,
	}))
	dup(pool.RegisterBlocktype(sigState, mpool.BlocktypeAPI{}))
}

// blockrefDestruct is the ref-release callback: when the queue reference
// created for transmitting a stored bundle is reclaimed — successful
// egress or interface teardown alike — the owning entry returns to the
// pending list with LOCALLY_QUEUED cleared. This is the one state
// transition driven by pool lifecycle rather than timer or event.
func blockrefDestruct(blk *mpool.Block) {
	eblk, ok := blk.RefBlockArg().(*mpool.Block)
	if !ok || eblk == nil {
		return
	}
	e, ok := eblk.GenericData(sigEntry).(*entry)
	if !ok || e == nil || e.cache == nil || e.block != eblk {
		return
	}
	e.makePending(0, flagLocallyQueued)
}

// Intf returns the cache's interface handle.
func (c *Cache) Intf() types.Handle {
	return c.intf
}

// Self returns the cache's endpoint, the custodian identity it writes
// into custody-tracking blocks.
func (c *Cache) Self() bpv7.EndpointID {
	return c.self
}

// EntryCounts reports the population of the three state lists.
func (c *Cache) EntryCounts() (pending, idle, expired int) {
	return c.pendingCount, c.idleCount, c.expiredCount
}

// HasDestination reports whether any stored entry is indexed under the
// destination node.
func (c *Cache) HasDestination(node uint64) bool {
	return c.destIndex.SearchUnique(node) != nil
}

// Detach breaks the storage self-reference cycle and withdraws the cache
// from the table. Stored entries are released.
func (c *Cache) Detach() error {
	c.dropAllEntries()
	if c.selfRef != nil {
		c.selfRef.Release()
		c.selfRef = nil
	}
	return c.tbl.UnregisterIntf(c.intf)
}

func (c *Cache) dropAllEntries() {
	drop := func(head *mpool.Link) {
		for {
			l := head.Next()
			if l == head {
				return
			}
			e := entryFromLink(l)
			if e == nil {
				l.Extract()
				continue
			}
			c.removeEntry(e, false)
		}
	}
	drop(&c.pendingList)
	drop(&c.idleList)
	drop(&c.expiredList)
	c.pendingCount, c.idleCount, c.expiredCount = 0, 0, 0
}

// eventHandler receives the routing table fan-out.
func (c *Cache) eventHandler(tbl *routing.Table, intfID types.Handle, ev routing.Event) {
	switch ev.Type {
	case routing.EventPollInterval:
		c.timerPoll()
	case routing.EventRouteUp:
		c.routeUp(ev.Dest, ev.Mask)
	case routing.EventIntfDown, routing.EventIntfUp, routing.EventRouteDown:
		// flow-level enable/disable is handled by the table; nothing more
	}
	c.flushPending()
}

// egressHandler accepts traffic the router assigned to storage: custody
// acknowledgements are consumed, everything else becomes a cache entry.
func (c *Cache) egressHandler(tbl *routing.Table, intfID types.Handle) int {
	flow := c.flowBlk.Flow()
	moved := 0
	for {
		blk := flow.Egress.TryPull(c.pool)
		if blk == nil {
			break
		}
		moved++
		content := blk.RefBlockTarget()
		var pd *mpool.PrimaryBlockData
		if content != nil {
			pd = content.Primary()
		}
		if pd == nil {
			c.pool.Recycle(blk)
			continue
		}

		if ar := custodyAckRecord(pd); ar != nil {
			c.processCustodyAck(ar)
			c.pool.Recycle(blk)
			continue
		}

		c.storeBundle(blk, content, pd)
	}
	if moved > 0 {
		c.flushPending()
	}
	return moved
}

// custodyAckRecord returns the custody acknowledgement carried by the
// bundle's payload, or nil.
func custodyAckRecord(pd *mpool.PrimaryBlockData) *bpv7.AdminRecord {
	if !pd.Logical.ControlFlags.IsAdminRecord {
		return nil
	}
	cblk := pd.FindCanonical(bpv7.BlockTypeCustodyAcceptPayload)
	if cblk == nil {
		return nil
	}
	ar, _ := cblk.Canonical().Logical.Ext.(*bpv7.AdminRecord)
	return ar
}

// storeBundle accepts a bundle into storage: take a reference, compute
// retention, arrange custody, index, and queue for evaluation. The queue
// block that carried the bundle in is recycled.
func (c *Cache) storeBundle(qblk *mpool.Block, content *mpool.Block, pd *mpool.PrimaryBlockData) {
	eblk, err := c.pool.AllocGeneric(sigEntry, c, mpool.PriorityMedium)
	if err != nil {
		// no room to track it; drop and let upstream retransmit
		log.Report(log.SeverityWarning, log.EventStoreRefused,
			"no entry block for bundle from %s: %v", pd.Logical.Source, err)
		c.pool.Recycle(qblk)
		return
	}
	e := eblk.GenericData(sigEntry).(*entry)
	e.etype = entryNormal
	e.ref = c.pool.RefCreate(content)

	now := c.Now()
	e.lastEvalTime = now
	e.expireTime = pd.Logical.ExpireTime()

	pd.Delivery.StorageIntfID = c.intf
	if pd.Delivery.LocalRetxInterval == 0 {
		pd.Delivery.LocalRetxInterval = defaultRetxIntervalMS
	}

	if pd.Delivery.Policy == types.DeliveryCustodyTracking ||
		pd.FindCanonical(bpv7.BlockTypeCustodyTracking) != nil {
		c.acceptCustody(e, content, pd)
	}

	if err := c.indexInsert(&c.destIndex, pd.Logical.Destination.Node, &e.destQ, &e.destNode); err != nil {
		c.logger.Warn().Err(err).Msg("destination index insert failed")
	}

	if c.Offloader != nil {
		if sid, err := c.Offloader.Offload(content); err == nil {
			pd.Delivery.CommittedStorageID = sid
		} else {
			c.logger.Warn().Err(err).Msg("offload failed, keeping bundle in pool only")
		}
	}

	e.makePending(flagsRetentionRequired, 0)
	metrics.BundlesStored.Inc()
	c.pool.Recycle(qblk)
}

// timerPoll walks the time index from its minimum up to now, pending
// every entry whose bucket has arrived. Bucketing keeps the walk
// proportional to active buckets, not entries.
func (c *Cache) timerPoll() {
	now := uint64(c.Now())
	for {
		it := c.timeIndex.MinGE(0)
		link := it.Node()
		if link == nil || link.Key() > now {
			return
		}
		node := link.Owner.(*indexNode)
		for !node.fifo.IsEmpty() {
			l := node.fifo.Next()
			l.Extract()
			if e := entryFromLink(l); e != nil {
				e.timeNode = nil
				e.makePending(0, 0)
			}
		}
		c.timeIndex.Extract(&node.rbLink)
		c.pool.Recycle(node.block)
	}
}

// routeUp wakes every stored entry whose destination matched the route
// that just became usable.
func (c *Cache) routeUp(dest, mask uint64) {
	lo := dest & mask
	hi := dest | ^mask
	it := c.destIndex.MinGE(lo)
	for link := it.Node(); link != nil && link.Key() <= hi; link = it.Next() {
		node := link.Owner.(*indexNode)
		for l := node.fifo.Next(); l != &node.fifo; l = l.Next() {
			if e := entryFromLink(l); e != nil {
				e.makePending(0, 0)
			}
		}
	}
}

// flushPending evaluates entries until the pending list drains, then
// sweeps the expired list. Evaluation may indirectly re-pend entries, so
// this is a fixpoint loop.
func (c *Cache) flushPending() {
	for {
		l := c.pendingList.Next()
		if l == &c.pendingList {
			break
		}
		e := entryFromLink(l)
		if e == nil {
			l.Extract()
			continue
		}
		c.pendingCount--
		c.evaluateEntry(e)
	}
	c.sweepExpired()
	metrics.CacheEntries.WithLabelValues("pending").Set(float64(c.pendingCount))
	metrics.CacheEntries.WithLabelValues("idle").Set(float64(c.idleCount))
	metrics.CacheEntries.WithLabelValues("expired").Set(float64(c.expiredCount))
}

func (c *Cache) sweepExpired() {
	for {
		l := c.expiredList.Next()
		if l == &c.expiredList {
			return
		}
		e := entryFromLink(l)
		if e == nil {
			l.Extract()
			continue
		}
		c.expiredCount--
		c.removeEntry(e, true)
	}
}

// removeEntry detaches the entry from every index and list and releases
// its bundle reference.
func (c *Cache) removeEntry(e *entry, countMetric bool) {
	c.indexRemove(&c.hashIndex, &e.hashQ, &e.hashNode)
	c.indexRemove(&c.timeIndex, &e.timeQ, &e.timeNode)
	c.indexRemove(&c.destIndex, &e.destQ, &e.destNode)
	e.stateLink.Extract()
	e.onList = listNone

	if pd := e.primary(); pd != nil && pd.Delivery.CommittedStorageID != 0 && c.Offloader != nil {
		c.Offloader.Release(pd.Delivery.CommittedStorageID)
	}
	if e.ref != nil {
		e.ref.Release()
		e.ref = nil
	}
	if countMetric {
		metrics.BundlesExpired.Inc()
	}
	c.pool.Recycle(e.block)
}
