/*
Package cache is the store-and-forward engine: it retains bundles across
link outages, retransmits them until delivery is confirmed, participates
in custody transfer, and expires what can no longer be delivered.

# Position in the data path

The cache registers as a storage-capable interface on the routing table.
Bundles the router cannot deliver divert onto the cache's egress subq and
become cache entries; when an entry's moment comes — its destination's
route comes up, or a retransmit timer fires — the cache re-emits a
reference on its own ingress subq and the router carries it onward.

# Entry state

Each entry tracks four flags (WITHIN_LIFETIME, AWAITING_CUSTODY,
AWAITING_TRANSMIT, LOCALLY_QUEUED) and three timers (expire, transmit,
next-eval). Retention lasts while lifetime and custody interest both
hold; transmission is gated on neither being queued nor backing off.
Every entry sits on exactly one of the pending / idle / expired lists,
and in up to three indices:

  - destination index (by destination node) — woken by route-up events
  - time index (by bucketed next-eval time, bucket mask 0x3FF) — walked
    by the poll timer in O(buckets due), not O(entries)
  - custody hash index (salted hash of flow source and custodian) —
    matches incoming acknowledgements and coalesces open DACS

# Custody and DACS

Accepting custody of a bundle acknowledges the previous custodian
through a DACS: a skeletal bundle whose custody-accept record
accumulates sequence numbers for the same {custodian, flow source} pair.
A DACS stays open for a bounded window (2.5 s) or until full (64
sequences), then converts to a normal bundle and routes out like any
other. Incoming custody acknowledgements clear AWAITING_CUSTODY on the
matched entries and are never stored.

# The release hook

When the queue reference carrying a stored bundle toward a CLA is
reclaimed — egress done, or the interface went down — the pool runs the
registered block destructor, which clears LOCALLY_QUEUED and re-pends
the entry. Retransmit scheduling needs no other signal from the
transmission path.
*/
package cache
