package agentflow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports the engine's concurrency and reliability
// signals under the "agentflow" namespace: inflight_nodes and queue_depth
// gauges, a step_latency_ms histogram, and retries/merge_conflicts/
// backpressure counters, all labeled by run_id. WithMetrics is optional;
// a nil *PrometheusMetrics disables every call site via the package-level
// nil-safe wrappers below.
type PrometheusMetrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge

	stepLatency *prometheus.HistogramVec

	retries        *prometheus.CounterVec
	mergeConflicts *prometheus.CounterVec
	backpressure   *prometheus.CounterVec

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers every gauge/histogram/counter against
// registry (prometheus.DefaultRegisterer if nil).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.inflightNodes = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "inflight_nodes",
		Help:      "Current number of stages executing concurrently",
	})

	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentflow",
		Name:      "queue_depth",
		Help:      "Number of stages submitted to the scheduler but not yet running",
	})

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentflow",
		Name:      "step_latency_ms",
		Help:      "Stage execution duration in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"run_id", "node_id", "status"})

	pm.retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "retries_total",
		Help:      "Cumulative retry attempts across all stages",
	}, []string{"run_id", "node_id", "reason"})

	pm.mergeConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "merge_conflicts_total",
		Help:      "Context mutations rejected by the monotonicity check during concurrent fan-out",
	}, []string{"run_id", "conflict_type"})

	pm.backpressure = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentflow",
		Name:      "backpressure_events_total",
		Help:      "Fan-out submissions that had to wait on the scheduler's semaphore",
	}, []string{"run_id", "reason"})

	return pm
}

func (pm *PrometheusMetrics) RecordStepLatency(runID, nodeID string, latency time.Duration, status string) {
	if !pm.enabled {
		return
	}
	pm.stepLatency.WithLabelValues(runID, nodeID, status).Observe(float64(latency.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementRetries(runID, nodeID, reason string) {
	if !pm.enabled {
		return
	}
	pm.retries.WithLabelValues(runID, nodeID, reason).Inc()
}

func (pm *PrometheusMetrics) UpdateQueueDepth(depth int) {
	if !pm.enabled {
		return
	}
	pm.queueDepth.Set(float64(depth))
}

func (pm *PrometheusMetrics) UpdateInflightNodes(count int) {
	if !pm.enabled {
		return
	}
	pm.inflightNodes.Set(float64(count))
}

func (pm *PrometheusMetrics) IncrementMergeConflicts(runID, conflictType string) {
	if !pm.enabled {
		return
	}
	pm.mergeConflicts.WithLabelValues(runID, conflictType).Inc()
}

func (pm *PrometheusMetrics) IncrementBackpressure(runID, reason string) {
	if !pm.enabled {
		return
	}
	pm.backpressure.WithLabelValues(runID, reason).Inc()
}

// recordStepLatency and incrementRetries are nil-safe wrappers the engine
// calls from runAgentStep: metrics are optional (WithMetrics), so
// every call site would otherwise need its own nil check.
func recordStepLatency(pm *PrometheusMetrics, runID, stageRef string, latency time.Duration, status string) {
	if pm == nil {
		return
	}
	pm.RecordStepLatency(runID, stageRef, latency, status)
}

func incrementRetries(pm *PrometheusMetrics, runID, stageRef, reason string) {
	if pm == nil {
		return
	}
	pm.IncrementRetries(runID, stageRef, reason)
}

func incrementMergeConflicts(pm *PrometheusMetrics, runID, conflictType string) {
	if pm == nil {
		return
	}
	pm.IncrementMergeConflicts(runID, conflictType)
}

func incrementBackpressure(pm *PrometheusMetrics, runID, reason string) {
	if pm == nil {
		return
	}
	pm.IncrementBackpressure(runID, reason)
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable().
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges; counters and histograms are cumulative by
// Prometheus design and are not touched.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.inflightNodes.Set(0)
	pm.queueDepth.Set(0)
}
