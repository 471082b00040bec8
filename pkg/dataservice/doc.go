/*
Package dataservice is the application-facing socket surface.

A Base owns the route for the local node number and demultiplexes
arriving bundles to bound sockets by service number. Sockets follow the
familiar shape — create, bind, connect, send, recv, close — and are
sub-flows of the base interface, so application traffic rides the same
queues, scheduler, and storage diversion as everything else.

	base, _ := dataservice.NewBase(tbl, 100)
	sock, _ := base.CreateSocket()
	sock.Bind(types.IPNAddress{Node: 100, Service: 1})
	sock.Connect(types.IPNAddress{Node: 200, Service: 1})
	err := sock.Send(payload, types.DtnTimeNow().Add(5000))

Send fails fast with ErrUnroutable when no route covers the peer; once a
route exists, disruption tolerance is storage's problem, not the
sender's. Bundles carrying admin records with no bound listener divert
to the storage interface, which is how custody acknowledgements reach
the cache.
*/
package dataservice
