package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Tunnel ===

	// TunnelConnections tracks the number of live agent tunnels.
	TunnelConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yumna_tunnel_connections",
		Help: "Current number of authenticated agent tunnel connections",
	})

	// TunnelHandshakeRejected tracks refused tunnel handshakes.
	TunnelHandshakeRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_tunnel_handshake_rejected_total",
		Help: "Agent tunnel handshakes rejected before upgrade",
	}, []string{"reason"}) // missing_headers, invalid, suspended, rate_limited

	// PendingRequests tracks correlated requests awaiting an agent reply.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yumna_tunnel_pending_requests",
		Help: "Tunnel requests awaiting a response",
	})

	// TunnelRequests tracks completed tunnel requests by outcome.
	TunnelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_tunnel_requests_total",
		Help: "Tunnel requests by message type and outcome",
	}, []string{"type", "outcome"}) // ok, agent_error, timeout, write_error, cancelled

	// TunnelDroppedMessages tracks inbound messages with no matching pending request.
	TunnelDroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_tunnel_dropped_messages_total",
		Help: "Inbound tunnel messages dropped (unmatched reply, unknown type, throttled heartbeat)",
	}, []string{"reason"})

	// ShellBufferEvictions tracks shell output records evicted on overflow.
	ShellBufferEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yumna_shell_buffer_evictions_total",
		Help: "Shell output records evicted because the session buffer was full",
	})

	// === Dispatch ===

	// DispatchRequests tracks dispatched actions.
	DispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_dispatch_requests_total",
		Help: "Dispatched agent actions by kind, transport mode and outcome",
	}, []string{"kind", "mode", "outcome"})

	// DispatchLatency tracks dispatch round-trip time.
	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yumna_dispatch_latency_seconds",
		Help:    "Round-trip latency of dispatched agent actions",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
	}, []string{"kind", "mode"})

	// SSHFallbacks tracks SSH/SFTP fallback attempts after agent HTTP failures.
	SSHFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_ssh_fallbacks_total",
		Help: "SSH fallback attempts by action and outcome",
	}, []string{"action", "outcome"})

	// === Health ===

	// NodeStatusTransitions tracks persisted node status changes.
	NodeStatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_node_status_transitions_total",
		Help: "Node status transitions persisted by the health monitor",
	}, []string{"from", "to"})

	// NodesByStatus tracks node counts per status after each tick.
	NodesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yumna_nodes",
		Help: "Number of nodes per status as of the last health tick",
	}, []string{"status"})

	// HealthTickDuration tracks the duration of one health evaluation pass.
	HealthTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yumna_health_tick_duration_seconds",
		Help:    "Duration of one health monitor pass over all nodes",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	// HealthAlerts tracks edge-triggered notifications.
	HealthAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_health_alerts_total",
		Help: "Edge-triggered node health notifications",
	}, []string{"kind"})

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_event_publish_failures_total",
		Help: "Failed event publish attempts (non-blocking, best-effort)",
	}, []string{"topic"})

	// === Deployment ===

	// Deployments tracks finished deployment and upgrade jobs.
	Deployments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yumna_deployments_total",
		Help: "Finished deployment jobs by kind, OS family and outcome",
	}, []string{"kind", "os", "outcome"})

	// DeploymentDuration tracks how long deployment jobs run.
	DeploymentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yumna_deployment_duration_seconds",
		Help:    "Deployment job wall time",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
	}, []string{"kind"})
)
