/*
Package routing moves bundles between interfaces.

A Table holds destination routes (longest contiguous mask wins), the
interface registry (generational handles over a hash-slot array, so stale
handles are caught instead of aliasing), and the event fan-out. Every
registered interface exposes up to three entry points: forward-ingress,
forward-egress, and an event handler fed through a bounded per-interface
queue — message passing, so one misbehaving handler cannot wedge the
others.

The maintenance loop is the single external trigger: fan out a
poll-interval event, deliver queued events, then drive the active-flow
scheduler until a pass does no work, and finally let the pool reclaim a
batch of recycled blocks. Callers decide the cadence; the daemon runs it
on a ticker.

BaseIntfForwarder is the stock ingress handler shared by CLAs, sockets
and the storage cache: route the bundle to its egress interface if that
interface is up, otherwise divert into storage, otherwise drop. Interface
up-transitions replay route-up events for every route through the
interface, which is what wakes stored bundles waiting on that link.
*/
package routing
