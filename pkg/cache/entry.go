package cache

import (
	"encoding/binary"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/rbtree"
	"github.com/cuemby/caravan/pkg/types"
)

// Per-entry state flags.
const (
	flagWithinLifetime   uint32 = 0x01
	flagAwaitingCustody  uint32 = 0x02
	flagAwaitingTransmit uint32 = 0x04
	flagLocallyQueued    uint32 = 0x08

	// retention is required while both of these remain set
	flagsRetentionRequired = flagWithinLifetime | flagAwaitingCustody
	// transmission is blocked while either of these is set
	flagsTransmitWait = flagLocallyQueued | flagAwaitingTransmit
)

type entryType uint8

const (
	entryNormal entryType = iota
	entryPendingDacs
)

type stateList uint8

const (
	listNone stateList = iota
	listPending
	listIdle
	listExpired
)

// entry is the per-retained-bundle record: flags, the three timers, and
// secondary links for the state list and the three indices. Entries live
// in generic pool blocks so storage occupancy is bounded by the pool.
type entry struct {
	cache *Cache
	block *mpool.Block
	etype entryType
	flags uint32

	ref *mpool.Ref

	lastEvalTime types.DtnTime
	nextEvalTime types.DtnTime
	expireTime   types.DtnTime
	transmitTime types.DtnTime

	stateLink mpool.Link
	onList    stateList

	hashQ    mpool.Link
	hashNode *indexNode
	timeQ    mpool.Link
	timeNode *indexNode
	destQ    mpool.Link
	destNode *indexNode

	// DACS convenience pointers: the custodian being acknowledged and the
	// accumulating record inside the skeletal bundle.
	dacsCustodian bpv7.EndpointID
	dacsRecord    *bpv7.AdminRecord
}

func (e *entry) init(c *Cache, blk *mpool.Block) {
	*e = entry{cache: c, block: blk}
	blk.InitSecondaryLink(&e.stateLink)
	blk.InitSecondaryLink(&e.hashQ)
	blk.InitSecondaryLink(&e.timeQ)
	blk.InitSecondaryLink(&e.destQ)
	e.expireTime = types.DtnTimeInfinite
	e.transmitTime = types.DtnTimeInfinite
}

// primary resolves the stored bundle's primary record, or nil.
func (e *entry) primary() *mpool.PrimaryBlockData {
	if e.ref == nil || e.ref.Target() == nil {
		return nil
	}
	return e.ref.Target().Primary()
}

// makePending moves the entry onto the pending list after applying the
// given flag changes, keeping the list population counters in step. Pure
// link, flag and counter manipulation: this is also the ref-release
// callback path, which runs inside pool reclamation.
func (e *entry) makePending(set, clear uint32) {
	e.flags |= set
	e.flags &^= clear
	if e.onList == listPending {
		return
	}
	switch e.onList {
	case listIdle:
		e.cache.idleCount--
	case listExpired:
		e.cache.expiredCount--
	}
	e.stateLink.Extract()
	e.stateLink.InsertBefore(&e.cache.pendingList)
	e.onList = listPending
	e.cache.pendingCount++
}

func (e *entry) moveTo(head *mpool.Link, which stateList) {
	e.stateLink.Extract()
	e.stateLink.InsertBefore(head)
	e.onList = which
}

// indexNode is the FIFO wrapper stored at each R-B key: index keys must
// be unique, so entries sharing a key queue behind one node.
type indexNode struct {
	rbLink rbtree.Link
	fifo   mpool.Link
	block  *mpool.Block
}

func (n *indexNode) init(blk *mpool.Block) {
	n.rbLink = rbtree.Link{Owner: n}
	n.block = blk
	blk.InitSecondaryLink(&n.fifo)
}

// entryFromLink resolves a FIFO membership link back to its entry.
func entryFromLink(l *mpool.Link) *entry {
	blk := l.Base()
	if blk == nil {
		return nil
	}
	if e, ok := blk.GenericData(sigEntry).(*entry); ok {
		return e
	}
	return nil
}

// indexInsert places the entry's membership link q under key in tree,
// allocating the FIFO wrapper node if the key is new.
func (c *Cache) indexInsert(tree *rbtree.Tree, key uint64, q *mpool.Link, nodeSlot **indexNode) error {
	var node *indexNode
	if link := tree.SearchUnique(key); link != nil {
		node = link.Owner.(*indexNode)
	} else {
		qblk, err := c.pool.AllocGeneric(sigQueue, c, mpool.PriorityHigh)
		if err != nil {
			return err
		}
		node = qblk.GenericData(sigQueue).(*indexNode)
		if err := tree.InsertUnique(key, &node.rbLink); err != nil {
			c.pool.Recycle(qblk)
			return err
		}
	}
	q.Extract()
	q.InsertBefore(&node.fifo)
	*nodeSlot = node
	return nil
}

// indexRemove detaches the entry from one index, recycling the wrapper
// node when its FIFO drains.
func (c *Cache) indexRemove(tree *rbtree.Tree, q *mpool.Link, nodeSlot **indexNode) {
	node := *nodeSlot
	if node == nil {
		return
	}
	q.Extract()
	*nodeSlot = nil
	if node.fifo.IsEmpty() {
		tree.Extract(&node.rbLink)
		c.pool.Recycle(node.block)
	}
}

// custodyHash derives the 32-bit index key for {salt, flow source,
// custodian}, reusing the agent's Castagnoli engine as the mixer. For
// bundle entries the caller XORs the creation-timestamp sequence number
// into the salt, so each tracked bundle lands in its own hash bucket;
// the DACS salt is used plain, which is what lets acknowledgements for
// the same {source, custodian} pair coalesce into one open DACS.
func custodyHash(salt uint32, source, custodian bpv7.EndpointID) uint64 {
	var buf [36]byte
	binary.LittleEndian.PutUint32(buf[0:], salt)
	binary.LittleEndian.PutUint64(buf[4:], source.Node)
	binary.LittleEndian.PutUint64(buf[12:], source.Service)
	binary.LittleEndian.PutUint64(buf[20:], custodian.Node)
	binary.LittleEndian.PutUint64(buf[28:], custodian.Service)
	return uint64(crc.Checksum(crc.Type32C, buf[:]))
}
