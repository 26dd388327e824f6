package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting daemon metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Event throughput through the router, by event name and outcome
//   - Event log write/flush/drop behavior and payload externalization
//   - Completion scheduler queue depth and completion latency
//   - Circuit breaker block decisions by check kind
//   - State store operation latency and queue depth
//   - Sandbox and agent lifecycle counts
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.EventRouted("completion:async", "handled")
//	defer metrics.CompletionDuration("claude-agent-default").Observe(time.Since(start).Seconds())
type Metrics struct {
	// EventCounter tracks routed events by name and outcome.
	// Labels: event_name, outcome (handled|no_handler|error)
	EventCounter *prometheus.CounterVec

	// EventDispatchDuration measures handler dispatch latency in seconds.
	// Labels: event_name
	EventDispatchDuration *prometheus.HistogramVec

	// EventLogWrites counts event log entries appended.
	// Labels: tier (ring|jsonl)
	EventLogWrites *prometheus.CounterVec

	// EventLogDrops counts entries dropped from the in-memory ring on overflow.
	EventLogDrops prometheus.Counter

	// EventLogExternalized counts payloads moved to the blob store for exceeding
	// the inline size threshold.
	EventLogExternalized prometheus.Counter

	// EventLogFlushDuration measures JSONL flush latency in seconds.
	EventLogFlushDuration prometheus.Histogram

	// CorrelationActiveTraces is a gauge of in-memory correlation trees.
	CorrelationActiveTraces prometheus.Gauge

	// StateOperationDuration measures state store operation latency.
	// Labels: operation (get|set|delete|push|pop)
	StateOperationDuration *prometheus.HistogramVec

	// StateOperationCounter counts state store operations by outcome.
	// Labels: operation, status (success|error)
	StateOperationCounter *prometheus.CounterVec

	// QueueDepth is a gauge of pending completion requests by session.
	// Labels: session_id
	QueueDepth *prometheus.GaugeVec

	// QueueWait measures time a completion request waits before dispatch.
	QueueWait prometheus.Histogram

	// CompletionCounter counts completions by agent profile and outcome.
	// Labels: profile, status (success|error|blocked)
	CompletionCounter *prometheus.CounterVec

	// CompletionDurationSeconds measures end-to-end completion latency.
	// Labels: profile
	CompletionDurationSeconds *prometheus.HistogramVec

	// CircuitBreakerBlocks counts completions blocked by the circuit breaker.
	// Labels: check (depth|token_budget|time_window|circular|poisoning)
	CircuitBreakerBlocks *prometheus.CounterVec

	// InjectionsRouted counts re-injected completions by mode.
	// Labels: mode (direct|next), position (before|after)
	InjectionsRouted *prometheus.CounterVec

	// ActiveAgents is a gauge tracking currently spawned agents.
	// Labels: profile
	ActiveAgents *prometheus.GaugeVec

	// AgentLifecycleCounter counts agent spawn/terminate transitions.
	// Labels: event (spawned|terminated|crashed)
	AgentLifecycleCounter *prometheus.CounterVec

	// SandboxOperationCounter counts sandbox provisioning operations.
	// Labels: mode (isolated|shared|readonly), status (success|error)
	SandboxOperationCounter *prometheus.CounterVec

	// TransportConnections is a gauge of open stream socket connections.
	TransportConnections prometheus.Gauge

	// TransportBytesTotal counts bytes moved over the stream socket.
	// Labels: direction (read|write)
	TransportBytesTotal *prometheus.CounterVec

	// ProviderRequestDuration measures provider subprocess round-trip latency.
	// Labels: provider
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider subprocess requests by outcome.
	// Labels: provider, status (success|error|timeout)
	ProviderRequestCounter *prometheus.CounterVec

	// CompositionCacheHits counts composition index lookups by outcome.
	// Labels: outcome (hit|miss)
	CompositionCacheHits *prometheus.CounterVec

	// MaintenanceRunCounter counts maintenance sweep executions.
	// Labels: job_id, status (success|error)
	MaintenanceRunCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all daemon metrics with the default
// Prometheus registry. Call once at daemon startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metric set with reg; tests pass a fresh
// prometheus.NewRegistry so repeated construction never collides.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_events_total",
				Help: "Total number of events routed by event name and outcome",
			},
			[]string{"event_name", "outcome"},
		),

		EventDispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ksid_event_dispatch_duration_seconds",
				Help:    "Duration of handler dispatch for a routed event",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"event_name"},
		),

		EventLogWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_event_log_writes_total",
				Help: "Total number of event log entries written by storage tier",
			},
			[]string{"tier"},
		),

		EventLogDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ksid_event_log_ring_drops_total",
				Help: "Total number of event log entries evicted from the hot ring buffer",
			},
		),

		EventLogExternalized: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ksid_event_log_externalized_total",
				Help: "Total number of event payloads moved to external blob storage",
			},
		),

		EventLogFlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ksid_event_log_flush_duration_seconds",
				Help:    "Duration of event log JSONL batch flushes",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),

		CorrelationActiveTraces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ksid_correlation_active_traces",
				Help: "Current number of in-memory correlation trace trees",
			},
		),

		StateOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ksid_state_operation_duration_seconds",
				Help:    "Duration of state store operations in seconds",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"operation"},
		),

		StateOperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_state_operations_total",
				Help: "Total number of state store operations by operation and status",
			},
			[]string{"operation", "status"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ksid_completion_queue_depth",
				Help: "Current completion queue depth by session",
			},
			[]string{"session_id"},
		),

		QueueWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ksid_completion_queue_wait_seconds",
				Help:    "Time a completion request waits in queue before dispatch",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		CompletionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_completions_total",
				Help: "Total number of completions by agent profile and status",
			},
			[]string{"profile", "status"},
		),

		CompletionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ksid_completion_duration_seconds",
				Help:    "End-to-end completion duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"profile"},
		),

		CircuitBreakerBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_circuit_breaker_blocks_total",
				Help: "Total number of completions blocked by the circuit breaker, by check",
			},
			[]string{"check"},
		),

		InjectionsRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_injections_routed_total",
				Help: "Total number of re-injected completions by mode and position",
			},
			[]string{"mode", "position"},
		),

		ActiveAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ksid_active_agents",
				Help: "Current number of spawned agents by profile",
			},
			[]string{"profile"},
		),

		AgentLifecycleCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_agent_lifecycle_total",
				Help: "Total number of agent lifecycle transitions",
			},
			[]string{"event"},
		),

		SandboxOperationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_sandbox_operations_total",
				Help: "Total number of sandbox provisioning operations by mode and status",
			},
			[]string{"mode", "status"},
		),

		TransportConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ksid_transport_connections",
				Help: "Current number of open stream socket connections",
			},
		),

		TransportBytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_transport_bytes_total",
				Help: "Total bytes moved over the stream socket by direction",
			},
			[]string{"direction"},
		),

		ProviderRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ksid_provider_request_duration_seconds",
				Help:    "Duration of provider subprocess round trips in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),

		ProviderRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_provider_requests_total",
				Help: "Total number of provider subprocess requests by status",
			},
			[]string{"provider", "status"},
		),

		CompositionCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_composition_index_lookups_total",
				Help: "Total number of composition index lookups by outcome",
			},
			[]string{"outcome"},
		),

		MaintenanceRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ksid_maintenance_runs_total",
				Help: "Total number of maintenance sweep executions by job and status",
			},
			[]string{"job_id", "status"},
		),
	}
}

// EventRouted records a routed event and its dispatch outcome.
//
// Example:
//
//	metrics.EventRouted("completion:async", "handled")
func (m *Metrics) EventRouted(eventName, outcome string) {
	m.EventCounter.WithLabelValues(eventName, outcome).Inc()
}

// RecordEventDispatch records handler dispatch latency for an event.
func (m *Metrics) RecordEventDispatch(eventName string, durationSeconds float64) {
	m.EventDispatchDuration.WithLabelValues(eventName).Observe(durationSeconds)
}

// RecordEventLogWrite records an event log append to the given storage tier.
//
// Example:
//
//	metrics.RecordEventLogWrite("ring")
//	metrics.RecordEventLogWrite("jsonl")
func (m *Metrics) RecordEventLogWrite(tier string) {
	m.EventLogWrites.WithLabelValues(tier).Inc()
}

// RecordEventLogDrop records a hot ring entry eviction.
func (m *Metrics) RecordEventLogDrop() {
	m.EventLogDrops.Inc()
}

// RecordEventLogExternalized records a payload moved to blob storage.
func (m *Metrics) RecordEventLogExternalized() {
	m.EventLogExternalized.Inc()
}

// RecordEventLogFlush records a JSONL flush duration.
func (m *Metrics) RecordEventLogFlush(durationSeconds float64) {
	m.EventLogFlushDuration.Observe(durationSeconds)
}

// SetActiveCorrelations sets the current correlation tree gauge.
func (m *Metrics) SetActiveCorrelations(count int) {
	m.CorrelationActiveTraces.Set(float64(count))
}

// RecordStateOperation records a state store operation outcome and latency.
//
// Example:
//
//	metrics.RecordStateOperation("get", "success", 0.0004)
func (m *Metrics) RecordStateOperation(operation, status string, durationSeconds float64) {
	m.StateOperationCounter.WithLabelValues(operation, status).Inc()
	m.StateOperationDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// SetQueueDepth sets the current completion queue depth for a session.
func (m *Metrics) SetQueueDepth(sessionID string, depth int) {
	m.QueueDepth.WithLabelValues(sessionID).Set(float64(depth))
}

// RecordQueueWait records time spent waiting in the completion queue.
func (m *Metrics) RecordQueueWait(waitSeconds float64) {
	m.QueueWait.Observe(waitSeconds)
}

// RecordCompletion records a completion outcome and its end-to-end duration.
//
// Example:
//
//	metrics.RecordCompletion("claude-agent-default", "success", 4.2)
func (m *Metrics) RecordCompletion(profile, status string, durationSeconds float64) {
	m.CompletionCounter.WithLabelValues(profile, status).Inc()
	m.CompletionDurationSeconds.WithLabelValues(profile).Observe(durationSeconds)
}

// RecordCircuitBreakerBlock records a completion blocked by a circuit breaker check.
//
// Example:
//
//	metrics.RecordCircuitBreakerBlock("token_budget")
func (m *Metrics) RecordCircuitBreakerBlock(check string) {
	m.CircuitBreakerBlocks.WithLabelValues(check).Inc()
}

// RecordInjection records a re-injected completion by mode and position.
func (m *Metrics) RecordInjection(mode, position string) {
	m.InjectionsRouted.WithLabelValues(mode, position).Inc()
}

// AgentSpawned increments the active agent gauge and lifecycle counter.
func (m *Metrics) AgentSpawned(profile string) {
	m.ActiveAgents.WithLabelValues(profile).Inc()
	m.AgentLifecycleCounter.WithLabelValues("spawned").Inc()
}

// AgentTerminated decrements the active agent gauge and records termination.
func (m *Metrics) AgentTerminated(profile string) {
	m.ActiveAgents.WithLabelValues(profile).Dec()
	m.AgentLifecycleCounter.WithLabelValues("terminated").Inc()
}

// AgentCrashed records an agent crash without touching the active gauge
// (the caller is expected to also call AgentTerminated for bookkeeping).
func (m *Metrics) AgentCrashed() {
	m.AgentLifecycleCounter.WithLabelValues("crashed").Inc()
}

// RecordSandboxOperation records a sandbox provisioning operation.
func (m *Metrics) RecordSandboxOperation(mode, status string) {
	m.SandboxOperationCounter.WithLabelValues(mode, status).Inc()
}

// ConnectionOpened increments the transport connection gauge.
func (m *Metrics) ConnectionOpened() {
	m.TransportConnections.Inc()
}

// ConnectionClosed decrements the transport connection gauge.
func (m *Metrics) ConnectionClosed() {
	m.TransportConnections.Dec()
}

// RecordTransportBytes records bytes moved over the stream socket.
func (m *Metrics) RecordTransportBytes(direction string, n int) {
	m.TransportBytesTotal.WithLabelValues(direction).Add(float64(n))
}

// RecordProviderRequest records a provider subprocess round trip.
//
// Example:
//
//	metrics.RecordProviderRequest("claude-cli", "success", 3.1)
func (m *Metrics) RecordProviderRequest(provider, status string, durationSeconds float64) {
	m.ProviderRequestCounter.WithLabelValues(provider, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider).Observe(durationSeconds)
}

// RecordCompositionLookup records a composition index lookup outcome.
func (m *Metrics) RecordCompositionLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.CompositionCacheHits.WithLabelValues(outcome).Inc()
}

// RecordMaintenanceRun records a maintenance job execution outcome.
func (m *Metrics) RecordMaintenanceRun(jobID, status string) {
	m.MaintenanceRunCounter.WithLabelValues(jobID, status).Inc()
}
