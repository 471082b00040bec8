/*
Package mpool implements the memory-pool arena that every runtime object
in the agent lives on: bundles, canonical blocks, encoded CBOR chunks,
flows, and queueable references are all fixed-size typed blocks drawn
from one preallocated pool.

# Architecture

	┌───────────────────── MEMORY POOL ──────────────────────┐
	│                                                         │
	│  free list ──► alloc ──► live block ──► recycle list    │
	│      ▲                                        │         │
	│      └──────────── Maintain (batched) ◄───────┘         │
	│                                                         │
	│  block types: primary │ canonical │ cbor-data │ flow    │
	│               ref │ generic │ api │ head                │
	│                                                         │
	│  registry: R-B tree keyed by 32-bit content signature,  │
	│            constructor/destructor per signature          │
	└─────────────────────────────────────────────────────────┘

# Blocks and Links

Every block carries an intrusive primary Link; content records embed
additional secondary Links that resolve back to the enclosing block, so
one block can sit on several lists at once (a stored bundle is on the
cache's state list and in three index trees simultaneously). A Link with
no base pointer is a standalone list head.

# Lifecycle

Alloc pulls from the free list, zeroes the content record, and runs the
registered constructor. Allocation is refused once the free count falls
to the priority's threshold — bulk bundle ingest starves before the
high-priority refs that drain storage do. Recycle only detaches and
queues the block; Maintain destroys a bounded batch per call, recursing
through owned sub-lists and releasing ref targets, so reclamation cost
stays predictable inside the maintenance loop.

# References

A Ref is the only handle that may leave the pool lock. Refs count on the
target block with per-block atomics (the fine-grained half of the locking
model); the release that reaches zero recycles the target exactly once.
MakeRefBlock wraps a Ref in a queueable ref-type block so a bundle can be
placed on a subq without copying — and the magic-registered destructor of
that ref block is the hook by which the storage cache observes that a CLA
has finished with its queue entry.

# Flows and SubQs

A Flow is a pool block holding paired bounded FIFOs (ingress/egress).
Depth is the difference of two monotonic 32-bit counters; push succeeds
while depth < limit, and a limit of zero disables the queue. Any push
marks the owning flow on the pool-wide active list, which the routing
scheduler drains.

# Streams

Stream adapts a chunk list to io.Reader/io.Writer so the cboring codecs
can encode directly into pool memory. Write streams allocate chunks on
demand and support forward (zero-fill) and backward (trim) seeks; Close
on an unfinished write recycles everything, giving the decoder a
transactional abort.
*/
package mpool
