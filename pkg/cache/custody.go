package cache

import (
	"github.com/cuemby/caravan/pkg/bpv7"
	"github.com/cuemby/caravan/pkg/codec"
	"github.com/cuemby/caravan/pkg/crc"
	"github.com/cuemby/caravan/pkg/log"
	"github.com/cuemby/caravan/pkg/metrics"
	"github.com/cuemby/caravan/pkg/mpool"
	"github.com/cuemby/caravan/pkg/types"
)

// acceptCustody takes custody of a stored bundle: acknowledge the
// previous custodian (via an open DACS), write ourselves into the
// custody-tracking block, and index the entry so a future
// acknowledgement of our own custody can find it.
func (c *Cache) acceptCustody(e *entry, content *mpool.Block, pd *mpool.PrimaryBlockData) {
	seq := pd.Logical.CreationTimestamp.Sequence
	// a custody-tracking block on a relayed bundle implies the policy even
	// when the local sender never asked for it
	pd.Delivery.Policy = types.DeliveryCustodyTracking

	if ctBlk := pd.FindCanonical(bpv7.BlockTypeCustodyTracking); ctBlk != nil {
		cd := ctBlk.Canonical()
		ct, _ := cd.Logical.Ext.(*bpv7.CustodyTrackingBlock)
		if ct != nil {
			if !ct.CurrentCustodian.IsNull() && ct.CurrentCustodian != c.self {
				c.appendDacs(ct.CurrentCustodian, pd.Logical.Source, seq)
			}
			ct.CurrentCustodian = c.self
			if err := codec.EncodeCanonical(c.pool, ctBlk, nil); err != nil {
				log.Report(log.SeverityError, log.EventCustodyFault,
					"custody block rewrite failed: %v", err)
			}
		}
	} else {
		blockNum := c.nextBlockNum(pd)
		logical := bpv7.CanonicalBlock{
			BlockType: bpv7.BlockTypeCustodyTracking,
			BlockNum:  blockNum,
			CrcType:   crc.Type16,
			Ext:       &bpv7.CustodyTrackingBlock{CurrentCustodian: c.self},
		}
		if _, err := codec.AppendCanonical(c.pool, content, &logical, nil, mpool.PriorityHigh); err != nil {
			c.logger.Error().Err(err).Msg("custody block append failed")
		}
	}

	key := custodyHash(saltBundle^uint32(seq), pd.Logical.Source, c.self)
	if err := c.indexInsert(&c.hashIndex, key, &e.hashQ, &e.hashNode); err != nil {
		c.logger.Warn().Err(err).Msg("custody hash index insert failed")
	}
	e.flags |= flagAwaitingCustody
	metrics.CustodyAccepted.Inc()
}

// nextBlockNum picks an unused canonical block number.
func (c *Cache) nextBlockNum(pd *mpool.PrimaryBlockData) uint64 {
	max := uint64(1)
	for cur := pd.CblockList.Next(); cur != &pd.CblockList; cur = cur.Next() {
		if cd := cur.Base().Canonical(); cd != nil && cd.Logical.BlockNum > max {
			max = cd.Logical.BlockNum
		}
	}
	return max + 1
}

// appendDacs records one accepted sequence number in the open DACS for
// {custodian, flow source}, opening a fresh one when none is accepting.
func (c *Cache) appendDacs(custodian, flowSource bpv7.EndpointID, seq uint64) {
	key := custodyHash(saltDacs, flowSource, custodian)
	if link := c.hashIndex.SearchUnique(key); link != nil {
		node := link.Owner.(*indexNode)
		for l := node.fifo.Next(); l != &node.fifo; l = l.Next() {
			e := entryFromLink(l)
			if e == nil || e.etype != entryPendingDacs || e.dacsRecord == nil {
				continue
			}
			if e.dacsCustodian != custodian || e.dacsRecord.CustodyAccept.FlowSource != flowSource {
				continue
			}
			e.dacsRecord.CustodyAccept.Sequences = append(e.dacsRecord.CustodyAccept.Sequences, seq)
			if len(e.dacsRecord.CustodyAccept.Sequences) >= dacsMaxSeqPerPayload {
				// full: stop waiting, ship on the next evaluation
				e.makePending(0, flagAwaitingTransmit)
			}
			return
		}
	}
	c.openDacs(key, custodian, flowSource, seq)
}

// openDacs creates the skeletal acknowledgement bundle and its cache
// entry. The entry stays open for the DACS window or until full.
func (c *Cache) openDacs(key uint64, custodian, flowSource bpv7.EndpointID, seq uint64) {
	now := c.Now()
	logical := bpv7.PrimaryBlock{
		Version: bpv7.Version,
		ControlFlags: bpv7.BundleControlFlags{
			IsAdminRecord:   true,
			MustNotFragment: true,
		},
		CrcType:           crc.Type16,
		Destination:       custodian,
		Source:            c.self,
		ReportTo:          c.self,
		CreationTimestamp: bpv7.CreationTimestamp{Time: now, Sequence: c.dacsSeq},
		Lifetime:          dacsLifetimeMS,
	}
	c.dacsSeq++

	pblk, err := codec.NewPrimary(c.pool, &logical, mpool.PriorityHigh)
	if err != nil {
		c.logger.Error().Err(err).Msg("DACS primary alloc failed")
		return
	}
	pd := pblk.Primary()
	pd.Delivery.Policy = types.DeliveryNone
	pd.Delivery.StorageIntfID = c.intf
	pd.Delivery.LocalRetxInterval = defaultRetxIntervalMS

	record := &bpv7.AdminRecord{
		RecordType: bpv7.AdminRecordTypeCustodyAck,
		CustodyAccept: bpv7.CustodyAcceptPayload{
			FlowSource: flowSource,
			Sequences:  []uint64{seq},
		},
	}
	payload := bpv7.CanonicalBlock{
		BlockType: bpv7.BlockTypeCustodyAcceptPayload,
		BlockNum:  1,
		CrcType:   crc.Type16,
		Ext:       record,
	}
	if _, err := codec.AppendCanonical(c.pool, pblk, &payload, nil, mpool.PriorityHigh); err != nil {
		c.logger.Error().Err(err).Msg("DACS payload alloc failed")
		c.pool.Recycle(pblk)
		return
	}

	eblk, err := c.pool.AllocGeneric(sigEntry, c, mpool.PriorityHigh)
	if err != nil {
		c.logger.Error().Err(err).Msg("DACS entry alloc failed")
		c.pool.Recycle(pblk)
		return
	}
	e := eblk.GenericData(sigEntry).(*entry)
	e.etype = entryPendingDacs
	e.ref = c.pool.RefCreate(pblk)
	e.lastEvalTime = now
	e.expireTime = now.Add(dacsLifetimeMS)
	e.transmitTime = now.Add(dacsOpenTimeMS)
	e.flags = flagWithinLifetime | flagAwaitingCustody | flagAwaitingTransmit
	e.dacsCustodian = custodian
	e.dacsRecord = record

	if err := c.indexInsert(&c.hashIndex, key, &e.hashQ, &e.hashNode); err != nil {
		c.logger.Warn().Err(err).Msg("DACS hash index insert failed")
	}
	if err := c.indexInsert(&c.destIndex, custodian.Node, &e.destQ, &e.destNode); err != nil {
		c.logger.Warn().Err(err).Msg("DACS destination index insert failed")
	}

	e.makePending(0, 0)
}

// processCustodyAck applies an incoming custody acknowledgement: every
// listed sequence number is hashed (salt XOR sequence) to its own index
// bucket and the matching stored bundle stops awaiting custody. The
// acknowledgement itself is never stored.
func (c *Cache) processCustodyAck(ar *bpv7.AdminRecord) {
	flowSource := ar.CustodyAccept.FlowSource
	for _, seq := range ar.CustodyAccept.Sequences {
		key := custodyHash(saltBundle^uint32(seq), flowSource, c.self)
		link := c.hashIndex.SearchUnique(key)
		if link == nil {
			continue
		}
		node := link.Owner.(*indexNode)
		for l := node.fifo.Next(); l != &node.fifo; l = l.Next() {
			e := entryFromLink(l)
			if e == nil || e.etype != entryNormal || e.flags&flagAwaitingCustody == 0 {
				continue
			}
			pd := e.primary()
			if pd == nil {
				continue
			}
			if pd.Logical.Source != flowSource || pd.Logical.CreationTimestamp.Sequence != seq {
				continue
			}
			e.makePending(0, flagAwaitingCustody)
			metrics.CustodyAcked.Inc()
			break
		}
	}
}
