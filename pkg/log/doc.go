/*
Package log carries the agent's two diagnostic surfaces: routine
structured logging (zerolog, component-tagged child loggers) and the
event-report contract used at the core's failure points.

# Structured logging

	log.Init(log.Config{Level: "info", JSONOutput: true})
	cacheLog := log.WithComponent("cache")
	cacheLog.Info().Uint64("dest", 200).Msg("bundle stored")

# Event reports

Report is the narrow contract the core calls when something notable
happens on a data path: a severity, a module-grouped 32-bit event ID,
and a printf-style message.

	log.Report(log.SeverityWarning, log.EventStoreRefused,
		"no entry block for bundle from %s", src)

The default backend renders reports through the structured logger;
SetBackend swaps in an external sink (flight software telemetry, a test
recorder). No core behavior depends on the backend's return value —
reports are strictly fire-and-forget from the caller's perspective.
*/
package log
