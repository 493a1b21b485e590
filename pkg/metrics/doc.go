/*
Package metrics defines and registers relay's Prometheus collectors:
presence (peers online, evictions), message lifecycle (by state, sent
outcomes, deliveries, truncations, lease reclamations), heartbeat/
reconciler timing, and store contention. All collectors are registered
on the default registry at package init so any embedder can expose them
via metrics.Handler() from its own HTTP server.

Timer is a small stopwatch helper shared by the heartbeat and reconciler
loops to time a tick and feed the result into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HeartbeatTickDuration)
*/
package metrics
