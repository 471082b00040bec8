package cla

import (
	"errors"
	"fmt"

	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/routing"
	"github.com/cuemby/caravan/pkg/types"
)

// Register adds a convergence-layer adapter interface to the table. The
// returned handle starts DOWN; the adapter raises ADMIN_UP/OPER_UP as its
// link comes alive.
func Register(tbl *routing.Table) (types.Handle, error) {
	pool := tbl.Pool()
	fblk, err := pool.AllocFlow(0, nil, mpool.PriorityMedium)
	if err != nil {
		return types.InvalidHandle, err
	}
	h, err := tbl.RegisterIntf(fblk)
	if err != nil {
		pool.Recycle(fblk)
		return types.InvalidHandle, err
	}
	if err := tbl.SetIntfCallbacks(h, routing.BaseIntfForwarder, nil, nil); err != nil {
		return types.InvalidHandle, err
	}
	return h, nil
}

// SetUp marks the adapter's link usable. Fans out interface-up and
// route-up events.
func SetUp(tbl *routing.Table, h types.Handle) error {
	return tbl.SetIntfFlags(h, routing.IntfAdminUp|routing.IntfOperUp)
}

// SetDown marks the adapter's link unusable, draining its queues.
func SetDown(tbl *routing.Table, h types.Handle) error {
	return tbl.UnsetIntfFlags(h, routing.IntfOperUp)
}

// Ingress delivers a received wire bundle into the core: decode into pool
// blocks, stamp the arrival, and queue on the adapter's ingress subq. A
// malformed bundle returns ErrFormat and nothing is retained.
func Ingress(tbl *routing.Table, intfID types.Handle, data []byte, deadline types.DtnTime) error {
	pool := tbl.Pool()
	flow, err := tbl.GetFlow(intfID)
	if err != nil {
		return err
	}

	pblk, err := codec.CopyFullBundleIn(pool, data)
	if err != nil {
		if errors.Is(err, types.ErrFormat) {
			metrics.DecodeErrors.WithLabelValues("format").Inc()
		} else {
			metrics.DecodeErrors.WithLabelValues("resource").Inc()
		}
		log.Report(log.SeverityWarning, log.EventDecodeFailed,
			"cla %s rejected %d-byte bundle: %v", intfID, len(data), err)
		return err
	}
	pd := pblk.Primary()
	pd.Delivery.IngressIntfID = intfID
	pd.Delivery.IngressTime = types.DtnTimeNow()

	ref := pool.RefCreate(pblk)
	rblk, err := ref.MakeRefBlock(pool, 0, nil, mpool.PriorityLow)
	ref.Release()
	if err != nil {
		return err
	}
	if err := flow.Ingress.Push(pool, rblk, deadline); err != nil {
		pool.Recycle(rblk)
		return fmt.Errorf("cla ingress queue: %w", err)
	}
	metrics.ClaIngressBytes.Add(float64(len(data)))
	return nil
}

// Egress pops the next bundle routed to this adapter and flattens it into
// buf, returning the wire length. Blocks until a bundle arrives or the
// deadline passes. The egress interface and time are stamped on the
// bundle before its queue reference is dropped, so storage sees the
// transmission when it reevaluates.
func Egress(tbl *routing.Table, intfID types.Handle, buf []byte, deadline types.DtnTime) (int, error) {
	pool := tbl.Pool()
	flow, err := tbl.GetFlow(intfID)
	if err != nil {
		return 0, err
	}
	blk, err := flow.Egress.Pull(pool, deadline)
	if err != nil {
		return 0, err
	}
	content := blk.RefBlockTarget()
	var n int
	if content != nil && content.Primary() != nil {
		pd := content.Primary()
		pd.Delivery.EgressIntfID = intfID
		pd.Delivery.EgressTime = types.DtnTimeNow()
		n, err = codec.CopyFullBundleOut(pool, content, buf)
	} else {
		err = types.ErrInvalidArgument
	}
	pool.Recycle(blk)
	if err != nil {
		return 0, err
	}
	metrics.ClaEgressBytes.Add(float64(n))
	return n, nil
}
