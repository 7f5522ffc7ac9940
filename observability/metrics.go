package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	nodeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments of the engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Node metrics
	NodeExecutionsTotal *prometheus.CounterVec
	NodeDuration        *prometheus.HistogramVec
	NodeRejectionsTotal *prometheus.CounterVec
	NodeConflictsTotal  prometheus.Counter
	PlayRunsTotal       *prometheus.CounterVec
	PlayStepsPerRun     prometheus.Histogram

	// Approval metrics
	GateActivationsTotal *prometheus.CounterVec
	GateResolutionsTotal *prometheus.CounterVec
	DecisionsTotal       *prometheus.CounterVec
	OpenGates            prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playengine_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Nodes
		NodeExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_node_executions_total",
			Help: "Total number of node executions by resulting status.",
		}, []string{"play_id", "category", "status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "playengine_node_duration_seconds",
			Help:    "Node execution duration in seconds.",
			Buckets: nodeDurationBuckets,
		}, []string{"category"}),
		NodeRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_node_rejections_total",
			Help: "Total number of submissions rejected by executor validation.",
		}, []string{"category"}),
		NodeConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "playengine_node_conflicts_total",
			Help: "Total number of node executions refused because the node was busy or changed concurrently.",
		}),
		PlayRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_play_runs_total",
			Help: "Total number of play runs by final status.",
		}, []string{"play_id", "status"}),
		PlayStepsPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "playengine_play_steps_per_run",
			Help:    "Number of nodes executed per play run.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		// Approvals
		GateActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_gate_activations_total",
			Help: "Total number of approval gate activations by initial status.",
		}, []string{"template_id", "status"}),
		GateResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_gate_resolutions_total",
			Help: "Total number of approval gates resolved by decisions.",
		}, []string{"template_id", "status"}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "playengine_decisions_total",
			Help: "Total number of recorded approval decisions.",
		}, []string{"decision"}),
		OpenGates: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "playengine_open_gates",
			Help: "Number of gates waiting for decisions in this process.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Nodes
		m.NodeExecutionsTotal,
		m.NodeDuration,
		m.NodeRejectionsTotal,
		m.NodeConflictsTotal,
		m.PlayRunsTotal,
		m.PlayStepsPerRun,
		// Approvals
		m.GateActivationsTotal,
		m.GateResolutionsTotal,
		m.DecisionsTotal,
		m.OpenGates,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordNodeExecution records the outcome of one node execution.
func (m *Metrics) RecordNodeExecution(playID, category, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.NodeExecutionsTotal.WithLabelValues(playID, category, status).Inc()
	m.NodeDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordNodeRejection records a submission rejected by executor validation.
func (m *Metrics) RecordNodeRejection(category string) {
	if m == nil {
		return
	}
	m.NodeRejectionsTotal.WithLabelValues(category).Inc()
}

// RecordNodeConflict records a busy or concurrently modified node.
func (m *Metrics) RecordNodeConflict() {
	if m == nil {
		return
	}
	m.NodeConflictsTotal.Inc()
}

// RecordPlayRun records the end of one Run call.
func (m *Metrics) RecordPlayRun(playID, status string, steps int) {
	if m == nil {
		return
	}
	m.PlayRunsTotal.WithLabelValues(playID, status).Inc()
	m.PlayStepsPerRun.Observe(float64(steps))
}

// RecordGateActivation records a gate activation. Pending gates increase the open gauge.
func (m *Metrics) RecordGateActivation(templateID, status string) {
	if m == nil {
		return
	}
	m.GateActivationsTotal.WithLabelValues(templateID, status).Inc()
	if status == "pending" {
		m.OpenGates.Inc()
	}
}

// RecordGateResolution records a gate closed by decisions.
func (m *Metrics) RecordGateResolution(templateID, status string) {
	if m == nil {
		return
	}
	m.GateResolutionsTotal.WithLabelValues(templateID, status).Inc()
	m.OpenGates.Dec()
}

// RecordDecision records one approval decision.
func (m *Metrics) RecordDecision(decision string) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(decision).Inc()
}
