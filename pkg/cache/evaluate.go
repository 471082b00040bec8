package cache

import (
	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// evaluateEntry classifies one entry pulled off the pending list: update
// timers, dispatch on type, then file the entry on the idle list (with a
// time-index bucket) or the expired list.
func (c *Cache) evaluateEntry(e *entry) {
	now := c.Now()
	e.lastEvalTime = now

	if now >= e.expireTime {
		e.flags &^= flagWithinLifetime
		e.expireTime = types.DtnTimeInfinite
	}
	if now >= e.transmitTime {
		e.flags &^= flagAwaitingTransmit
		e.transmitTime = types.DtnTimeInfinite
	}

	if e.flags&flagsRetentionRequired == flagsRetentionRequired {
		if e.etype == entryPendingDacs && e.flags&flagsTransmitWait == 0 {
			c.closeDacs(e)
		}
		if e.etype == entryNormal {
			c.evaluateTransmit(e, now)
		}
	}

	if e.flags&flagsRetentionRequired != flagsRetentionRequired {
		e.moveTo(&c.expiredList, listExpired)
		c.expiredCount++
		return
	}

	var next types.DtnTime
	if e.flags&flagsTransmitWait == 0 {
		// pending transmit but blocked for some temporary external
		// reason, so retry more aggressively
		next = now.Add(fastRetryMS)
	} else {
		next = now.Add(idleRetryMS)
	}
	if e.transmitTime < next {
		next = e.transmitTime
	}
	if e.expireTime < next {
		next = e.expireTime
	}
	e.nextEvalTime = next

	bucket := uint64(next) | timeBucketMask
	c.indexRemove(&c.timeIndex, &e.timeQ, &e.timeNode)
	if err := c.indexInsert(&c.timeIndex, bucket, &e.timeQ, &e.timeNode); err != nil {
		c.logger.Warn().Err(err).Msg("time index insert failed")
	}
	e.moveTo(&c.idleList, listIdle)
	c.idleCount++
}

// evaluateTransmit drives a retained normal bundle toward the wire.
func (c *Cache) evaluateTransmit(e *entry, now types.DtnTime) {
	pd := e.primary()
	if pd == nil {
		// lost the bundle content; retention is meaningless
		e.flags &^= flagsRetentionRequired
		return
	}

	if e.flags&flagLocallyQueued == 0 && e.flags&flagAwaitingTransmit != 0 {
		// the queue reference from the last transmit attempt has died
		if pd.Delivery.EgressIntfID.IsValid() {
			// confirmed fetched by a CLA: without full custody tracking
			// the egress CLA becomes the implicit custodian, and the next
			// retransmit waits out the interface round trip
			if pd.Delivery.Policy != types.DeliveryCustodyTracking {
				e.flags &^= flagAwaitingCustody
			}
			e.transmitTime = pd.Delivery.EgressTime.Add(pd.Delivery.LocalRetxInterval)
		} else {
			// never reached an egress interface: transmission was blocked
			// on something external (route down, queue full); fall
			// straight back to eligible so a route-up wake retries now
			e.flags &^= flagAwaitingTransmit
		}
	}

	if e.flags&flagsRetentionRequired != flagsRetentionRequired {
		return
	}

	if e.flags&flagsTransmitWait == 0 {
		// eligible: hand a fresh queue reference to our own ingress for
		// the router to carry onward. The egress stamp is invalidated
		// first; it staying invalid means no egress interface took it.
		pd.Delivery.EgressIntfID = types.InvalidHandle
		pd.Delivery.EgressTime = 0
		rblk, err := e.ref.MakeRefBlock(c.pool, sigBlockref, e.block, mpool.PriorityHigh)
		if err != nil {
			return
		}
		flow := c.flowBlk.Flow()
		if flow.Ingress.TryPush(c.pool, rblk) == nil {
			e.flags |= flagsTransmitWait
			metrics.BundlesRetransmitted.Inc()
		} else {
			// downstream closed; try again on a later evaluation
			c.pool.Recycle(rblk)
		}
	}
}

// closeDacs promotes an open DACS into a normal bundle: the sequence list
// stops growing, the hash index entry is removed so later acknowledgements
// open a fresh DACS, and the payload is re-encoded with the accumulated
// record.
func (c *Cache) closeDacs(e *entry) {
	c.indexRemove(&c.hashIndex, &e.hashQ, &e.hashNode)
	pd := e.primary()
	if pd != nil {
		if cblk := c.dacsPayloadBlock(pd); cblk != nil {
			if err := codec.EncodeCanonical(c.pool, cblk, nil); err != nil {
				c.logger.Error().Err(err).Msg("DACS payload encode failed")
			}
		}
	}
	e.etype = entryNormal
	e.dacsRecord = nil
	metrics.DacsGenerated.Inc()
}

func (c *Cache) dacsPayloadBlock(pd *mpool.PrimaryBlockData) *mpool.Block {
	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		if cd := cur.Base().Canonical(); cd != nil && cd.Logical.BlockType.IsPayload() {
			return cur.Base()
		}
	}
	return nil
}
