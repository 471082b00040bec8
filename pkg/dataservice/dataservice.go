package dataservice

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
)

// sigSocket tags socket flow blocks in the pool.
const sigSocket uint32 = 0x5d3c91a4

// DefaultLifetimeMS is the bundle lifetime applied when a socket has not
// configured one.
const DefaultLifetimeMS uint64 = 3600000

// Base is the dataservice interface for one local node number. It owns
// the route for that node, demultiplexes arriving bundles to bound
// sockets by service number, and parents every socket sub-flow.
type Base struct {
	tbl  *routing.Table
	node uint64
	intf types.Handle

	mu      sync.Mutex
	sockets map[uint64]*Socket

	logger zerolog.Logger
}

// NewBase registers the dataservice interface for the local node and
// routes the node number to it.
func NewBase(tbl *routing.Table, node uint64) (*Base, error) {
	pool := tbl.Pool()
	fblk, err := pool.AllocFlow(0, nil, mpool.PriorityMedium)
	if err != nil {
		return nil, err
	}
	h, err := tbl.RegisterIntf(fblk)
	if err != nil {
		pool.Recycle(fblk)
		return nil, err
	}
	b := &Base{
		tbl:     tbl,
		node:    node,
		intf:    h,
		sockets: make(map[uint64]*Socket),
		logger:  log.WithComponent("dataservice"),
	}
	if err := tbl.SetIntfCallbacks(h, routing.BaseIntfForwarder, b.deliverEgress, nil); err != nil {
		return nil, err
	}
	if err := tbl.SetIntfFlags(h, routing.IntfAdminUp|routing.IntfOperUp); err != nil {
		return nil, err
	}
	if err := tbl.AddRoute(node, ^uint64(0), h); err != nil {
		return nil, err
	}
	return b, nil
}

// Node returns the local node number.
func (b *Base) Node() uint64 {
	return b.node
}

// Intf returns the dataservice interface handle.
func (b *Base) Intf() types.Handle {
	return b.intf
}

// deliverEgress demultiplexes bundles routed to the local node. Bound
// service numbers get their socket's egress queue; admin records with no
// listener divert to storage (the cache consumes custody acknowledgements
// there); anything else is dropped.
func (b *Base) deliverEgress(tbl *routing.Table, intfID types.Handle) int {
	pool := tbl.Pool()
	flow, err := tbl.GetFlow(intfID)
	if err != nil {
		return 0
	}
	moved := 0
	for {
		blk := flow.Egress.TryPull(pool)
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
			pool.Recycle(blk)
			continue
		}
		svc := pd.Logical.Destination.Service

		b.mu.Lock()
		sock := b.sockets[svc]
		b.mu.Unlock()
		if sock != nil {
			if sock.flow().Egress.TryPush(pool, blk) == nil {
				continue
			}
			pool.Recycle(blk)
			continue
		}

		if pd.Logical.ControlFlags.IsAdminRecord {
			if storage, err := tbl.StorageIntf(); err == nil {
				if sflow, err := tbl.GetFlow(storage); err == nil {
					if sflow.Egress.TryPush(pool, blk) == nil {
						continue
					}
				}
			}
		}
		b.logger.Debug().Uint64("service", svc).Msg("no listener for delivered bundle")
		pool.Recycle(blk)
	}
	return moved
}

// Socket is one application endpoint: a sub-flow of the dataservice base
// interface, bound to a local service number and connected to a peer.
type Socket struct {
	base    *Base
	flowBlk *mpool.Block
	intf    types.Handle

	mu        sync.Mutex
	local     types.IPNAddress
	peer      types.IPNAddress
	bound     bool
	connected bool
	seq       uint64

	// LifetimeMS and Policy shape bundles sent from this socket.
	LifetimeMS uint64
	Policy     types.DeliveryPolicy
}

// CreateSocket allocates an unbound socket on the base interface.
func (b *Base) CreateSocket() (*Socket, error) {
	pool := b.tbl.Pool()
	fblk, err := pool.AllocFlow(sigSocket, nil, mpool.PriorityMedium)
	if err != nil {
		return nil, err
	}
	baseFlow, err := b.tbl.GetFlow(b.intf)
	if err != nil {
		pool.Recycle(fblk)
		return nil, err
	}
	fblk.Flow().Parent = baseFlow.Block()

	h, err := b.tbl.RegisterIntf(fblk)
	if err != nil {
		pool.Recycle(fblk)
		return nil, err
	}
	if err := b.tbl.SetIntfCallbacks(h, routing.BaseIntfForwarder, nil, nil); err != nil {
		return nil, err
	}
	if err := b.tbl.SetIntfFlags(h, routing.IntfAdminUp|routing.IntfOperUp); err != nil {
		return nil, err
	}
	return &Socket{
		base:       b,
		flowBlk:    fblk,
		intf:       h,
		LifetimeMS: DefaultLifetimeMS,
	}, nil
}

func (s *Socket) flow() *mpool.Flow {
	return s.flowBlk.Flow()
}

// Bind claims a local service number. The node part must match the base
// interface's node.
func (s *Socket) Bind(addr types.IPNAddress) error {
	if addr.Node != s.base.node {
		return fmt.Errorf("%w: bind node %d on dataservice node %d", types.ErrInvalidArgument, addr.Node, s.base.node)
	}
	s.base.mu.Lock()
	defer s.base.mu.Unlock()
	if _, taken := s.base.sockets[addr.Service]; taken {
		return types.ErrDuplicate
	}
	s.base.sockets[addr.Service] = s
	s.mu.Lock()
	s.local = addr
	s.bound = true
	s.mu.Unlock()
	return nil
}

// Connect fixes the peer endpoint for Send.
func (s *Socket) Connect(peer types.IPNAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = peer
	s.connected = true
	return nil
}

// Send wraps data in a bundle and queues it for forwarding. Fails fast
// with ErrUnroutable when no route covers the peer; queue saturation
// surfaces as ErrTimeout once the deadline passes.
func (s *Socket) Send(data []byte, deadline types.DtnTime) error {
	s.mu.Lock()
	if !s.bound || !s.connected {
		s.mu.Unlock()
		return types.ErrInvalidArgument
	}
	local, peer := s.local, s.peer
	lifetime, policy := s.LifetimeMS, s.Policy
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	tbl := s.base.tbl
	pool := tbl.Pool()
	if _, err := tbl.LookupIntf(peer.Node); err != nil {
		return err
	}

	logical := bpv7.PrimaryBlock{
		Version: bpv7.Version,
		ControlFlags: bpv7.BundleControlFlags{
			MustNotFragment: true,
		},
		CrcType:           crc.Type16,
		Destination:       bpv7.EndpointIDFromAddr(peer),
		Source:            bpv7.EndpointIDFromAddr(local),
		ReportTo:          bpv7.EndpointIDFromAddr(local),
		CreationTimestamp: bpv7.CreationTimestamp{Time: types.DtnTimeNow(), Sequence: seq},
		Lifetime:          lifetime,
	}
	pblk, err := codec.NewPrimary(pool, &logical, mpool.PriorityLow)
	if err != nil {
		return err
	}
	pd := pblk.Primary()
	pd.Delivery.Policy = policy
	pd.Delivery.IngressIntfID = s.intf
	pd.Delivery.IngressTime = types.DtnTimeNow()

	payload := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypePayload,
		BlockNum:  1,
		CrcType:   crc.Type16,
	}
	if _, err := codec.AppendCanonical(pool, pblk, &payload, data, mpool.PriorityLow); err != nil {
		pool.Recycle(pblk)
		return err
	}

	ref := pool.RefCreate(pblk)
	rblk, err := ref.MakeRefBlock(pool, 0, nil, mpool.PriorityLow)
	ref.Release()
	if err != nil {
		return err
	}
	if err := s.flow().Ingress.Push(pool, rblk, deadline); err != nil {
		pool.Recycle(rblk)
		return err
	}
	return nil
}

// Recv blocks for the next bundle delivered to this socket and copies its
// payload into buf, returning the payload length.
func (s *Socket) Recv(buf []byte, deadline types.DtnTime) (int, error) {
	pool := s.base.tbl.Pool()
	blk, err := s.flow().Egress.Pull(pool, deadline)
	if err != nil {
		return 0, err
	}
	defer pool.Recycle(blk)

	content := blk.RefBlockTarget()
	if content == nil || content.Primary() == nil {
		return 0, types.ErrFormat
	}
	pd := content.Primary()
	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		cd := cur.Base().Canonical()
		if cd == nil || !cd.Logical.BlockType.IsPayload() {
			continue
		}
		return codec.ExtractContent(cur.Base(), buf)
	}
	return 0, fmt.Errorf("%w: bundle has no payload block", types.ErrFormat)
}

// Close releases the socket: the service binding, the interface slot, and
// the sub-flow.
func (s *Socket) Close() error {
	s.base.mu.Lock()
	if s.bound {
		delete(s.base.sockets, s.local.Service)
	}
	s.base.mu.Unlock()
	s.mu.Lock()
	s.bound = false
	s.connected = false
	s.mu.Unlock()
	return s.base.tbl.UnregisterIntf(s.intf)
}
