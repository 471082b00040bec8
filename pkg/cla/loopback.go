package cla

import (
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
)

// Loopback couples two routing tables in memory: whatever egresses one
// side ingresses the other, wire bytes and all. It drives the same
// Ingress/Egress contract a network transport would, which makes it the
// transport of choice for tests and single-host bench setups.
type Loopback struct {
	a loopEnd
	b loopEnd

	buf []byte
}

type loopEnd struct {
	tbl  *routing.Table
	intf types.Handle
}

// NewLoopback registers one adapter interface on each table. The link
// starts down; raise it with Up.
func NewLoopback(tblA, tblB *routing.Table) (*Loopback, error) {
	ia, err := Register(tblA)
	if err != nil {
		return nil, err
	}
	ib, err := Register(tblB)
	if err != nil {
		return nil, err
	}
	return &Loopback{
		a:   loopEnd{tbl: tblA, intf: ia},
		b:   loopEnd{tbl: tblB, intf: ib},
		buf: make([]byte, maxDatagram),
	}, nil
}

// IntfA and IntfB return the routing handles for route setup on each side.
func (l *Loopback) IntfA() types.Handle { return l.a.intf }
func (l *Loopback) IntfB() types.Handle { return l.b.intf }

// Up raises both ends of the link.
func (l *Loopback) Up() error {
	if err := SetUp(l.a.tbl, l.a.intf); err != nil {
		return err
	}
	return SetUp(l.b.tbl, l.b.intf)
}

// Down lowers both ends, draining their queues.
func (l *Loopback) Down() {
	SetDown(l.a.tbl, l.a.intf)
	SetDown(l.b.tbl, l.b.intf)
}

// Pump carries queued bundles across the link in both directions until
// neither side has anything to send, returning the number moved. The
// caller interleaves Pump with each table's Maintain, the way a real
// transport's receive loop interleaves with the agent.
func (l *Loopback) Pump() int {
	moved := 0
	for {
		n := l.carry(&l.a, &l.b) + l.carry(&l.b, &l.a)
		if n == 0 {
			return moved
		}
		moved += n
	}
}

func (l *Loopback) carry(from, to *loopEnd) int {
	moved := 0
	for {
		n, err := Egress(from.tbl, from.intf, l.buf, 0)
		if err != nil {
			return moved
		}
		deadline := types.DtnTimeNow().Add(1000)
		if err := Ingress(to.tbl, to.intf, l.buf[:n], deadline); err != nil {
			// receiver refused; the bundle is gone, like any lossy link
			continue
		}
		moved++
	}
}
