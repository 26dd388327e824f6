package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestMetricsEventCounters(t *testing.T) {
	m := newTestMetrics()

	m.EventRouted("system:health", "dispatched")
	m.EventRouted("system:health", "dispatched")
	m.EventRouted("state:get", "dispatched")

	require.InDelta(t, 2, testutil.ToFloat64(m.EventCounter.WithLabelValues("system:health", "dispatched")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.EventCounter.WithLabelValues("state:get", "dispatched")), 0.001)
}

func TestMetricsEventLogCounters(t *testing.T) {
	m := newTestMetrics()

	m.RecordEventLogWrite("ring")
	m.RecordEventLogWrite("ring")
	m.RecordEventLogDrop()
	m.RecordEventLogExternalized()

	require.InDelta(t, 2, testutil.ToFloat64(m.EventLogWrites.WithLabelValues("ring")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.EventLogDrops), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.EventLogExternalized), 0.001)
}

func TestMetricsQueueDepthGauge(t *testing.T) {
	m := newTestMetrics()

	m.SetQueueDepth("s1", 3)
	require.InDelta(t, 3, testutil.ToFloat64(m.QueueDepth.WithLabelValues("s1")), 0.001)
	m.SetQueueDepth("s1", 0)
	require.InDelta(t, 0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("s1")), 0.001)
}

func TestMetricsCircuitBreakerAndInjection(t *testing.T) {
	m := newTestMetrics()

	m.RecordCircuitBreakerBlock("ideation_depth")
	m.RecordInjection("next", "prepend")

	require.InDelta(t, 1, testutil.ToFloat64(m.CircuitBreakerBlocks.WithLabelValues("ideation_depth")), 0.001)
	require.InDelta(t, 1, testutil.ToFloat64(m.InjectionsRouted.WithLabelValues("next", "prepend")), 0.001)
}

func TestMetricsAgentLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.AgentSpawned("researcher")
	m.AgentSpawned("researcher")
	m.AgentTerminated("researcher")

	require.InDelta(t, 1, testutil.ToFloat64(m.ActiveAgents.WithLabelValues("researcher")), 0.001)
}

func TestMetricsConnections(t *testing.T) {
	m := newTestMetrics()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	require.InDelta(t, 1, testutil.ToFloat64(m.TransportConnections), 0.001)
}
