package mpool

import (
	"sync/atomic"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/types"
)

// BlockType discriminates the content variant held by a pool block.
type BlockType uint8

const (
	BlockTypeUndefined BlockType = iota
	BlockTypeHead
	BlockTypeAPI
	BlockTypeGeneric
	BlockTypeCBORData
	BlockTypePrimary
	BlockTypeCanonical
	BlockTypeFlow
	BlockTypeRef
)

func (t BlockType) String() string {
	switch t {
	case BlockTypeUndefined:
		return "undefined"
	case BlockTypeHead:
		return "head"
	case BlockTypeAPI:
		return "api"
	case BlockTypeGeneric:
		return "generic"
	case BlockTypeCBORData:
		return "cbor-data"
	case BlockTypePrimary:
		return "primary"
	case BlockTypeCanonical:
		return "canonical"
	case BlockTypeFlow:
		return "flow"
	case BlockTypeRef:
		return "ref"
	default:
		return "invalid"
	}
}

// Link is an intrusive doubly-linked list node. A Link embedded directly in
// a Block is that block's primary membership; additional Links embedded in
// a block's content act as secondary memberships carrying an explicit
// back-pointer to the enclosing block, so one block can sit on several
// lists at once. A Link with a nil base is a standalone list head.
type Link struct {
	prev *Link
	next *Link
	base *Block
}

// InitHead makes l an empty self-linked list head.
func (l *Link) InitHead() {
	l.prev = l
	l.next = l
}

// initSingleton resets l to a detached self-linked state.
func (l *Link) initSingleton(base *Block) {
	l.prev = l
	l.next = l
	l.base = base
}

// IsEmpty reports whether a head has no members. For non-head links it
// reports "not on any list".
func (l *Link) IsEmpty() bool {
	return l.next == l
}

// IsLinked reports whether l is attached to a list.
func (l *Link) IsLinked() bool {
	return l.next != l
}

// Base resolves the content block this link belongs to. For a primary link
// this is the enclosing block itself; for a secondary link it is the block
// recorded at embed time; for standalone heads it is nil.
func (l *Link) Base() *Block {
	return l.base
}

// Next and Prev expose neighbors for list walking. Iteration pattern:
//
//	for cur := head.Next(); cur != head; cur = cur.Next() { ... }
func (l *Link) Next() *Link { return l.next }
func (l *Link) Prev() *Link { return l.prev }

// InsertBefore places l immediately before pos (appends when pos is the
// list head). l must be detached.
func (l *Link) InsertBefore(pos *Link) {
	l.prev = pos.prev
	l.next = pos
	pos.prev.next = l
	pos.prev = l
}

// InsertAfter places l immediately after pos (prepends when pos is the
// list head). l must be detached.
func (l *Link) InsertAfter(pos *Link) {
	l.next = pos.next
	l.prev = pos
	pos.next.prev = l
	pos.next = l
}

// Extract detaches l from whatever list it is on, leaving it self-linked.
func (l *Link) Extract() {
	l.prev.next = l.next
	l.next.prev = l.prev
	l.prev = l
	l.next = l
}

// spliceAppend moves every member of src onto the tail of dst in O(1).
// src is left empty.
func spliceAppend(dst, src *Link) {
	if src.IsEmpty() {
		return
	}
	first := src.next
	last := src.prev
	first.prev = dst.prev
	dst.prev.next = first
	last.next = dst
	dst.prev = last
	src.InitHead()
}

// Block is the fixed-size pool allocation unit: a header (type
// discriminant, 32-bit content signature, reference count, intrusive
// primary link) plus a typed content record.
type Block struct {
	link    Link
	btype   BlockType
	sig     uint32
	refs    atomic.Int32
	pool    *Pool
	content any
}

// Type returns the block's type discriminant.
func (b *Block) Type() BlockType {
	return b.btype
}

// Signature returns the 32-bit content signature (magic number) the block
// was allocated under, or zero for built-in content.
func (b *Block) Signature() uint32 {
	return b.sig
}

// Pool returns the owning pool.
func (b *Block) Pool() *Pool {
	return b.pool
}

// Link returns the block's primary list link.
func (b *Block) Link() *Link {
	return &b.link
}

// RefCount returns the number of outstanding references.
func (b *Block) RefCount() int {
	return int(b.refs.Load())
}

// InitSecondaryLink prepares a Link embedded in this block's content for
// use as an additional list membership resolving back to the block.
func (b *Block) InitSecondaryLink(l *Link) {
	l.initSingleton(b)
}

// Primary returns the primary-block record, or nil if the block is not of
// primary type.
func (b *Block) Primary() *PrimaryBlockData {
	if b.btype != BlockTypePrimary {
		return nil
	}
	return b.content.(*PrimaryBlockData)
}

// Canonical returns the canonical-block record, or nil.
func (b *Block) Canonical() *CanonicalBlockData {
	if b.btype != BlockTypeCanonical {
		return nil
	}
	return b.content.(*CanonicalBlockData)
}

// Flow returns the flow record, or nil.
func (b *Block) Flow() *Flow {
	if b.btype != BlockTypeFlow {
		return nil
	}
	return b.content.(*Flow)
}

// Chunk returns the CBOR chunk record, or nil.
func (b *Block) Chunk() *ChunkData {
	if b.btype != BlockTypeCBORData {
		return nil
	}
	return b.content.(*ChunkData)
}

func (b *Block) refData() *refData {
	if b.btype != BlockTypeRef {
		return nil
	}
	return b.content.(*refData)
}

// GenericData returns the user content of a generic or api block after
// verifying the signature. Returns nil on type or signature mismatch.
func (b *Block) GenericData(requiredMagic uint32) any {
	if b.btype != BlockTypeGeneric && b.btype != BlockTypeAPI && b.btype != BlockTypeFlow {
		return nil
	}
	if b.sig != requiredMagic {
		return nil
	}
	if f, ok := b.content.(*Flow); ok {
		return f.Ext
	}
	return b.content
}

// ChunkSize is the usable byte capacity of one CBOR-data block. Sized so a
// chunk plus header stays within the nominal pool block budget.
const ChunkSize = 456

// ChunkData is the content record of a CBOR-data block.
type ChunkData struct {
	Data [ChunkSize]byte
	Fill int
}

func (c *ChunkData) reset() {
	c.Fill = 0
}

// DeliveryData tracks a bundle's passage through the agent: how it
// arrived, where it went, and what retention the sender asked for.
type DeliveryData struct {
	Policy             types.DeliveryPolicy
	IngressIntfID      types.Handle
	IngressTime        types.DtnTime
	EgressIntfID       types.Handle
	EgressTime         types.DtnTime
	StorageIntfID      types.Handle
	CommittedStorageID types.StorageID
	LocalRetxInterval  uint64
}

// PrimaryBlockData is the content record of a primary block: the decoded
// logical block, the attached canonical blocks, the encoded chunks
// covering the primary block alone, and cached encode sizes.
type PrimaryBlockData struct {
	CblockList       Link
	ChunkList        Link
	BlockEncodeSize  int
	BundleEncodeSize int
	Logical          bpv7.PrimaryBlock
	Delivery         DeliveryData
}

func (p *PrimaryBlockData) reset(owner *Block) {
	owner.InitSecondaryLink(&p.CblockList)
	owner.InitSecondaryLink(&p.ChunkList)
	p.BlockEncodeSize = 0
	p.BundleEncodeSize = 0
	p.Logical = bpv7.PrimaryBlock{}
	p.Delivery = DeliveryData{}
}

// AppendCanonical attaches a canonical block to this primary block and
// invalidates the cached full-bundle size.
func (p *PrimaryBlockData) AppendCanonical(cblk *Block) {
	cd := cblk.Canonical()
	cd.BundleRef = p.CblockList.Base()
	cblk.Link().InsertBefore(&p.CblockList)
	p.BundleEncodeSize = 0
}

// FindCanonical returns the first attached canonical block of the given
// type, or nil.
func (p *PrimaryBlockData) FindCanonical(bt bpv7.BlockType) *Block {
	for cur := p.CblockList.Next(); cur != &p.CblockList; cur = cur.Next() {
		blk := cur.Base()
		if blk == nil {
			continue
		}
		if cd := blk.Canonical(); cd != nil && cd.Logical.BlockType == bt {
			return blk
		}
	}
	return nil
}

// CanonicalBlockData is the content record of a canonical block.
type CanonicalBlockData struct {
	ChunkList            Link
	BundleRef            *Block
	BlockEncodeSize      int
	EncodedContentOffset int
	EncodedContentLength int
	Logical              bpv7.CanonicalBlock
}

func (c *CanonicalBlockData) reset(owner *Block) {
	owner.InitSecondaryLink(&c.ChunkList)
	c.BundleRef = nil
	c.BlockEncodeSize = 0
	c.EncodedContentOffset = 0
	c.EncodedContentLength = 0
	c.Logical = bpv7.CanonicalBlock{}
}
