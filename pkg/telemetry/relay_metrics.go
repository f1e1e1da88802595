package telemetry

// RelayMetrics holds the relay's standard metric suite, the domain
// counterpart to the teacher's DevOpsClawMetrics.
type RelayMetrics struct {
	Registry *Registry

	InstancesRegistered   *Counter
	InstancesDisconnected *Counter
	InstancesActive       *Gauge

	RequestsReceived  *Counter
	RequestsSucceeded *Counter
	RequestsFailed    *Counter
	RequestsRejected  *Counter // INSTANCE_BUSY / QUEUE_FULL / INSTANCE_RELOADING
	RequestLatency    *Histogram

	IdempotentReplays *Counter
	QueueDepth        *Gauge
	ProbesLost        *Counter
}

// NewRelayMetrics builds the relay's metric suite against a fresh Registry.
func NewRelayMetrics() *RelayMetrics {
	r := NewRegistry()

	latencyBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &RelayMetrics{
		Registry: r,

		InstancesRegistered:   r.GetCounter("relayd_instances_registered_total", "Total editor instance registrations"),
		InstancesDisconnected: r.GetCounter("relayd_instances_disconnected_total", "Total editor instance disconnections"),
		InstancesActive:       r.GetGauge("relayd_instances_active", "Currently connected editor instances"),

		RequestsReceived:  r.GetCounter("relayd_requests_received_total", "Total client requests received"),
		RequestsSucceeded: r.GetCounter("relayd_requests_succeeded_total", "Total client requests that completed successfully"),
		RequestsFailed:    r.GetCounter("relayd_requests_failed_total", "Total client requests that completed with an error"),
		RequestsRejected:  r.GetCounter("relayd_requests_rejected_total", "Total client requests rejected by admission control"),
		RequestLatency:    r.GetHistogram("relayd_request_latency_seconds", "Client request round-trip latency", latencyBuckets),

		IdempotentReplays: r.GetCounter("relayd_idempotent_replays_total", "Total requests answered from the idempotency cache"),
		QueueDepth:        r.GetGauge("relayd_queue_depth", "Sum of queued commands across all instances"),
		ProbesLost:        r.GetCounter("relayd_probes_lost_total", "Total missed heartbeat probes"),
	}
}
