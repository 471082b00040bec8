/*
Package cla holds the convergence-layer adapter contract and the
transports that speak it.

An adapter registers an interface, raises and lowers the link flags as
its medium comes and goes, and exchanges flat wire bundles with the core
through two calls: Ingress (bytes received off the medium, decoded and
queued) and Egress (next routed bundle flattened into the adapter's
transmit buffer). Everything else — routing, storage diversion, custody —
happens behind those two calls.

Two transports ship here: UDP (one bundle per datagram) and Loopback,
which couples two tables in memory through the same contract — the
transport used by the tests and single-host bench setups. Other
transports implement the same pattern against Register/Ingress/Egress/
SetUp/SetDown.
*/
package cla
