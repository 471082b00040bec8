/*
Package events is the event fan-out at the center of the routing table:
interface and route transitions, plus the periodic poll tick, delivered
to every interested interface through per-handler bounded queues.

The dispatcher separates posting from delivery. Posting (from flag
changes, route updates, the maintenance tick) only enqueues; the
maintenance loop drains, so handlers — the storage cache's reevaluation
walk among them — always run on the maintenance driver. A handler that
stalls fills only its own queue; drops are counted, not propagated.

External observers share the same stream through Tap channels with
drop-on-full semantics:

	tap := tbl.Events().Tap()
	for ev := range tap {
		fmt.Println(ev.Type, ev.IntfID)
	}
*/
package events
