package mpool

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/types"
)

func drainMaintain(p *Pool) {
	for p.Maintain() > 0 {
	}
}

func TestAllocRecycleAccounting(t *testing.T) {
	p := New(64)
	total := p.TotalBlocks()
	require.Equal(t, 63, total)
	require.Equal(t, total, p.FreeCount())

	var blocks []*Block
	for i := 0; i < 10; i++ {
		blk, err := p.AllocPrimary(PriorityHigh)
		require.NoError(t, err)
		blocks = append(blocks, blk)
	}
	assert.Equal(t, total-10, p.FreeCount())

	for _, blk := range blocks {
		p.Recycle(blk)
	}
	assert.Equal(t, 10, p.RecycleCount())
	// free + alloced + recycled = total
	assert.Equal(t, total-10, p.FreeCount())

	drainMaintain(p)
	assert.Equal(t, total, p.FreeCount())
	assert.Equal(t, 0, p.RecycleCount())
}

func TestMaintainBatchBounded(t *testing.T) {
	p := New(128)
	for i := 0; i < 30; i++ {
		blk, err := p.AllocPrimary(PriorityHigh)
		require.NoError(t, err)
		p.Recycle(blk)
	}
	assert.Equal(t, 20, p.Maintain())
	assert.Equal(t, 10, p.Maintain())
	assert.Equal(t, 0, p.Maintain())
}

func TestAllocPriorityThresholds(t *testing.T) {
	p := New(64)
	// drain the pool at high priority down to the low threshold
	lowThreshold := 64 / 8
	for p.FreeCount() > lowThreshold {
		_, err := p.AllocPrimary(PriorityHigh)
		require.NoError(t, err)
	}
	// bulk allocation is refused, reserve remains for high priority
	_, err := p.AllocPrimary(PriorityLow)
	require.ErrorIs(t, err, types.ErrResourceExhausted)
	_, err = p.AllocPrimary(PriorityHigh)
	require.NoError(t, err)
}

func TestRegisterBlocktypeDuplicate(t *testing.T) {
	p := New(16)
	api := BlocktypeAPI{New: func() any { return &struct{ x int }{} }}
	require.NoError(t, p.RegisterBlocktype(0xABCD0001, api))
	err := p.RegisterBlocktype(0xABCD0001, api)
	require.ErrorIs(t, err, types.ErrDuplicate)
}

func TestGenericConstructDestruct(t *testing.T) {
	type widget struct{ constructed bool }
	destroyed := 0
	p := New(16)
	require.NoError(t, p.RegisterBlocktype(0xFEED0001, BlocktypeAPI{
		New: func() any { return &widget{} },
		Construct: func(arg any, blk *Block) error {
			blk.GenericData(0xFEED0001).(*widget).constructed = true
			return nil
		},
		Destruct: func(blk *Block) { destroyed++ },
	}))

	blk, err := p.AllocGeneric(0xFEED0001, nil, PriorityLow)
	require.NoError(t, err)
	w := blk.GenericData(0xFEED0001).(*widget)
	assert.True(t, w.constructed)
	assert.Nil(t, blk.GenericData(0xBAD))

	p.Recycle(blk)
	drainMaintain(p)
	assert.Equal(t, 1, destroyed)
}

func TestRefCounting(t *testing.T) {
	p := New(32)
	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)

	r1 := p.RefCreate(blk)
	require.NotNil(t, r1)
	assert.Equal(t, 1, blk.RefCount())

	r2 := r1.Duplicate()
	assert.Equal(t, 2, blk.RefCount())

	r1.Release()
	assert.Equal(t, 1, blk.RefCount())
	assert.Equal(t, 0, p.RecycleCount())

	r2.Release()
	assert.Equal(t, 0, blk.RefCount())
	assert.Equal(t, 1, p.RecycleCount(), "last release recycles the target")
}

func TestRefBlockChasesChain(t *testing.T) {
	p := New(32)
	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)

	r := p.RefCreate(blk)
	rblk, err := r.MakeRefBlock(p, 0, nil, PriorityLow)
	require.NoError(t, err)
	assert.Equal(t, 2, blk.RefCount())
	assert.Same(t, blk, rblk.RefBlockTarget())

	// a ref created from the ref block lands on the base content
	r2 := p.RefCreate(rblk)
	assert.Same(t, blk, r2.Target())
	assert.Equal(t, 3, blk.RefCount())

	r2.Release()
	r.Release()
	p.Recycle(rblk)
	drainMaintain(p)
	assert.Equal(t, 0, blk.RefCount())
}

func TestRefBlockDestructorHook(t *testing.T) {
	p := New(32)
	var hookArg any
	require.NoError(t, p.RegisterBlocktype(0x77000001, BlocktypeAPI{
		Destruct: func(blk *Block) { hookArg = blk.RefBlockArg() },
	}))

	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)
	r := p.RefCreate(blk)
	rblk, err := r.MakeRefBlock(p, 0x77000001, "context", PriorityLow)
	require.NoError(t, err)
	r.Release()

	p.Recycle(rblk)
	drainMaintain(p)
	assert.Equal(t, "context", hookArg)
	// releasing the queue ref dropped the last count; bundle is reclaimed
	assert.Equal(t, 0, blk.RefCount())
}

func newTestFlow(t *testing.T, p *Pool) *Flow {
	t.Helper()
	fblk, err := p.AllocFlow(0, nil, PriorityMedium)
	require.NoError(t, err)
	f := fblk.Flow()
	f.Enable(p, 8)
	return f
}

func TestSubqPushPull(t *testing.T) {
	p := New(32)
	f := newTestFlow(t, p)

	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)

	require.NoError(t, f.Ingress.TryPush(p, blk))
	assert.Equal(t, uint32(1), f.Ingress.Depth())

	got := f.Ingress.TryPull(p)
	assert.Same(t, blk, got)
	assert.Equal(t, uint32(0), f.Ingress.Depth())
	assert.Nil(t, f.Ingress.TryPull(p))
}

func TestSubqFIFOOrder(t *testing.T) {
	p := New(64)
	f := newTestFlow(t, p)
	var blocks []*Block
	for i := 0; i < 5; i++ {
		blk, err := p.AllocPrimary(PriorityLow)
		require.NoError(t, err)
		require.NoError(t, f.Ingress.TryPush(p, blk))
		blocks = append(blocks, blk)
	}
	for i := 0; i < 5; i++ {
		assert.Same(t, blocks[i], f.Ingress.TryPull(p))
	}
}

func TestSubqDepthLimitZeroRefusesPush(t *testing.T) {
	p := New(32)
	fblk, err := p.AllocFlow(0, nil, PriorityMedium)
	require.NoError(t, err)
	f := fblk.Flow() // limits default to zero: interface DOWN

	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)
	err = f.Ingress.TryPush(p, blk)
	require.ErrorIs(t, err, types.ErrTimeout)

	// blocking push with an expired deadline reports the same outcome
	err = f.Ingress.Push(p, blk, types.DtnTimeNow())
	require.ErrorIs(t, err, types.ErrTimeout)
}

func TestSubqLimitBelowDepthKeepsEntries(t *testing.T) {
	p := New(64)
	f := newTestFlow(t, p)
	for i := 0; i < 4; i++ {
		blk, err := p.AllocPrimary(PriorityLow)
		require.NoError(t, err)
		require.NoError(t, f.Ingress.TryPush(p, blk))
	}
	f.Ingress.SetDepthLimit(p, 2)
	assert.Equal(t, uint32(4), f.Ingress.Depth())

	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)
	require.ErrorIs(t, f.Ingress.TryPush(p, blk), types.ErrTimeout)

	// pulls below the limit reopen the queue
	f.Ingress.TryPull(p)
	f.Ingress.TryPull(p)
	f.Ingress.TryPull(p)
	require.NoError(t, f.Ingress.TryPush(p, blk))
}

func TestSubqMoveAll(t *testing.T) {
	p := New(64)
	src := newTestFlow(t, p)
	dst := newTestFlow(t, p)
	var blocks []*Block
	for i := 0; i < 3; i++ {
		blk, err := p.AllocPrimary(PriorityLow)
		require.NoError(t, err)
		require.NoError(t, src.Ingress.TryPush(p, blk))
		blocks = append(blocks, blk)
	}
	n := src.Ingress.MoveAllTo(p, &dst.Egress)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint32(0), src.Ingress.Depth())
	assert.Equal(t, uint32(3), dst.Egress.Depth())
	for i := 0; i < 3; i++ {
		assert.Same(t, blocks[i], dst.Egress.TryPull(p))
	}
}

func TestPushActivatesFlow(t *testing.T) {
	p := New(32)
	f := newTestFlow(t, p)
	assert.Nil(t, p.NextActiveFlow())

	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)
	require.NoError(t, f.Ingress.TryPush(p, blk))

	active := p.NextActiveFlow()
	require.NotNil(t, active)
	assert.Same(t, f, active)
	assert.Nil(t, p.NextActiveFlow(), "activation is consumed by the pop")
}

func TestFlowDisableDrains(t *testing.T) {
	p := New(32)
	f := newTestFlow(t, p)
	blk, err := p.AllocPrimary(PriorityLow)
	require.NoError(t, err)
	require.NoError(t, f.Ingress.TryPush(p, blk))

	f.Disable(p)
	assert.Equal(t, uint32(0), f.Ingress.Depth())
	assert.Equal(t, uint32(0), f.Ingress.DepthLimit())
	drainMaintain(p)
}

func TestStreamWriteReadRoundTrip(t *testing.T) {
	p := New(64)
	s := p.NewWriteStream()
	payload := make([]byte, ChunkSize*2+37) // spans three chunks
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	n, err := s.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	assert.Equal(t, len(payload), s.Size())

	var head Link
	head.InitHead()
	size := s.TakeList(&head)
	assert.Equal(t, len(payload), size)

	r := p.NewReadStream(&head)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	p.mu.Lock()
	p.recycleAllLocked(&head)
	p.mu.Unlock()
	drainMaintain(p)
}

func TestStreamCrc(t *testing.T) {
	p := New(32)
	s := p.NewWriteStream()
	s.AttachCRC(crc.Type32C)
	_, err := s.Write([]byte("123456789"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xE3069283), s.Crc())
	s.Close()
}

func TestStreamSeekBackwardTrims(t *testing.T) {
	p := New(64)
	s := p.NewWriteStream()
	data := make([]byte, ChunkSize+100)
	_, err := s.Write(data)
	require.NoError(t, err)

	require.NoError(t, s.Seek(10))
	assert.Equal(t, 10, s.Size())
	assert.Equal(t, 10, s.Position())

	// forward seek zero-fills
	require.NoError(t, s.Seek(20))
	assert.Equal(t, 20, s.Size())
	s.Close()
	drainMaintain(p)
}

func TestStreamCloseRecyclesPending(t *testing.T) {
	p := New(64)
	free := p.FreeCount()
	s := p.NewWriteStream()
	_, err := s.Write(make([]byte, ChunkSize*3))
	require.NoError(t, err)
	require.Less(t, p.FreeCount(), free)

	s.Close()
	drainMaintain(p)
	assert.Equal(t, free, p.FreeCount())
}

func TestExportChunksSubRange(t *testing.T) {
	p := New(64)
	s := p.NewWriteStream()
	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := s.Write(payload)
	require.NoError(t, err)
	var head Link
	head.InitHead()
	s.TakeList(&head)

	out := make([]byte, 100)
	n := ExportChunks(&head, out, 500, 100)
	assert.Equal(t, 100, n)
	assert.Equal(t, payload[500:600], out)

	// skip past the end yields nothing
	assert.Equal(t, 0, ExportChunks(&head, out, 700, 10))
}
