package mpool

import (
	"github.com/cuemby/caravan/pkg/types"
)

// Ref is a counted reference to a content block. Refs are the only handle
// that may cross a lock boundary; naked *Block pointers must stay inside
// the pool lock. When the last Ref is released the target is recycled.
type Ref struct {
	target *Block
}

// refData is the content record of a ref-type block. Arg carries
// user context for the magic-registered destructor (the cache uses it to
// find the owning storage entry when the queue ref dies).
type refData struct {
	ref *Ref
	Arg any
}

// RefCreate establishes the first reference to a block's base content.
// Given a ref-type block, the chain is walked to the underlying content
// block first.
func (p *Pool) RefCreate(blk *Block) *Ref {
	base := chaseRefs(blk)
	if base == nil {
		return nil
	}
	base.refs.Add(1)
	return &Ref{target: base}
}

func chaseRefs(blk *Block) *Block {
	for blk != nil && blk.btype == BlockTypeRef {
		rd := blk.refData()
		if rd == nil || rd.ref == nil {
			return nil
		}
		blk = rd.ref.target
	}
	return blk
}

// Target returns the referenced content block.
func (r *Ref) Target() *Block {
	if r == nil {
		return nil
	}
	return r.target
}

// Duplicate creates an additional counted reference to the same target.
func (r *Ref) Duplicate() *Ref {
	r.target.refs.Add(1)
	return &Ref{target: r.target}
}

// Release drops this reference. The reference that brings the count to
// zero recycles the target; the destroy path runs exactly once.
func (r *Ref) Release() {
	if r == nil || r.target == nil {
		return
	}
	t := r.target
	r.target = nil
	if t.refs.Add(-1) == 0 {
		t.pool.Recycle(t)
	}
}

// releaseRefLocked is Release for use on the destroy path, where the pool
// lock is already held.
func (p *Pool) releaseRefLocked(r *Ref) {
	t := r.target
	if t == nil {
		return
	}
	r.target = nil
	if t.refs.Add(-1) == 0 {
		p.recycleLocked(t)
	}
}

// MakeRefBlock allocates a queueable ref-type block sharing this Ref's
// target. The magic selects a registered destructor that runs when the
// block is reclaimed — the hook the cache uses to observe egress
// completion. arg is stored on the block for that destructor.
func (r *Ref) MakeRefBlock(p *Pool, magic uint32, arg any, pri Priority) (*Block, error) {
	blk, err := p.AllocBlock(BlockTypeRef, magic, nil, pri)
	if err != nil {
		return nil, err
	}
	rd := blk.refData()
	rd.ref = r.Duplicate()
	rd.Arg = arg
	return blk, nil
}

// RefBlockArg returns the user context stored on a ref-type block, or nil.
func (b *Block) RefBlockArg() any {
	rd := b.refData()
	if rd == nil {
		return nil
	}
	return rd.Arg
}

// RefBlockTarget resolves a ref-type block to its content block without
// taking an additional reference.
func (b *Block) RefBlockTarget() *Block {
	return chaseRefs(b)
}

// ContentBlock resolves any block (content or ref) to the underlying
// content block. Returns ErrInvalidArgument for a broken chain.
func ContentBlock(b *Block) (*Block, error) {
	base := chaseRefs(b)
	if base == nil {
		return nil, types.ErrInvalidArgument
	}
	return base, nil
}
