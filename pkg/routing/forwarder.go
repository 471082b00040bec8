package routing

import (
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// BaseIntfForwarder is the standard forward-ingress handler: it drains an
// interface's ingress subq and routes each bundle toward its next hop.
// The hop qualification follows the delivery record: a bundle already in
// storage must not divert into another storage interface, and a bundle
// whose policy wants acknowledgement must pass through one before it
// leaves the node.
func BaseIntfForwarder(tbl *Table, intfID types.Handle) int {
	pool := tbl.Pool()
	flow, err := tbl.GetFlow(intfID)
	if err != nil {
		return 0
	}

	moved := 0
	for {
		blk := flow.Ingress.TryPull(pool)
		if blk == nil {
			break
		}
		moved++
		tbl.routeSingleBundle(blk)
	}
	return moved
}

// routeSingleBundle always puts the block somewhere: the matching egress,
// a storage interface, or the recycle bin.
func (t *Table) routeSingleBundle(blk *mpool.Block) {
	pool := t.pool
	content := blk.RefBlockTarget()
	var pd *mpool.PrimaryBlockData
	if content != nil {
		pd = content.Primary()
	}
	if pd == nil {
		pool.Recycle(blk)
		return
	}

	dest := pd.Logical.Destination.Node
	req := intfUpMask
	mask := intfUpMask
	stored := pd.Delivery.StorageIntfID.IsValid()
	switch {
	case stored:
		// already stored; the next hop should not be another storage
		mask |= IntfStorage
	case pd.Delivery.Policy != types.DeliveryNone:
		// not yet stored but needs to be before leaving the node
		req |= IntfStorage
		mask |= IntfStorage
	}

	if next, err := t.LookupIntfWithFlags(dest, req, mask); err == nil {
		if nflow, err := t.GetFlow(next); err == nil {
			if nflow.Egress.TryPush(pool, blk) == nil {
				metrics.BundlesForwarded.WithLabelValues("egress").Inc()
				return
			}
		}
	}

	// no qualified route: divert into storage unless it came from there
	if !stored {
		if storage, err := t.StorageIntf(); err == nil {
			if sflow, err := t.GetFlow(storage); err == nil {
				if sflow.Egress.TryPush(pool, blk) == nil {
					metrics.BundlesForwarded.WithLabelValues("storage").Inc()
					return
				}
			}
		}
	}

	// nowhere to put it; recycling a storage queue ref re-pends its entry
	metrics.BundlesForwarded.WithLabelValues("dropped").Inc()
	log.Report(log.SeverityDebug, log.EventBundleDropped,
		"no egress for destination %d (stored=%v)", dest, stored)
	pool.Recycle(blk)
}
