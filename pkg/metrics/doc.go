/*
Package metrics defines the Prometheus metrics mnha records while it runs.

mnha is a short-lived command, not a daemon, so nothing is served over HTTP.
Instead the default registry is written to a node_exporter textfile at the
end of every operation (WriteTextfile), where the node's existing exporter
picks it up.

# Metrics

	mnha_operations_total{mode,result}       counter
	mnha_operation_duration_seconds{mode}    histogram
	mnha_rollbacks_total                     counter
	mnha_role_active                         gauge (1 active, 0 standby)
	mnha_stage_duration_seconds{stage}       histogram
	mnha_stage_failures_total{stage}         counter
	mnha_command_attempts_total{result}      counter

The textfile only reflects the most recent invocation. Counters therefore
restart at each run; alert on mnha_role_active and on a failed result label
rather than on rates.

# Usage

	timer := metrics.NewTimer()
	// ... run a stage ...
	timer.ObserveDurationVec(metrics.StageDuration, "relocating_resources")

	_ = metrics.WriteTextfile("/var/lib/node_exporter/textfile/mnha.prom")
*/
package metrics
