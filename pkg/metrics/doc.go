/*
Package metrics exposes Prometheus instrumentation for the agent: pool
occupancy, storage cache population and outcomes, custody activity,
forwarding dispositions, CLA byte counts, and maintenance-pass timing.

Metrics are package-level collectors registered at init, matching the
common exporter layout. Handler returns the promhttp handler the daemon
mounts at /metrics:

	mux.Handle("/metrics", metrics.Handler())

Timer is a small helper for observing operation durations:

	t := metrics.NewTimer()
	defer t.ObserveDuration(metrics.MaintenanceDuration)
*/
package metrics
