package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	evaluationsTotal *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	stageFailures    *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	panicsRecovered  prometheus.Counter
	rateLimited      prometheus.Counter
	oversizedBodies  prometheus.Counter
	decisionCache    *prometheus.CounterVec
	storeOps         *prometheus.CounterVec
	reloadsTotal     *prometheus.CounterVec
	reloadTimestamp  prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
	startTime        prometheus.Gauge
	registry         *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own
// registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "authpipe"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.evaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total number of pipeline evaluations by terminal verdict",
		},
		[]string{"verdict"},
	)

	m.stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets: []float64{
				.0001, .0005, .001, .005, .01,
				.025, .05, .1, .25, .5, 1,
			},
		},
		[]string{"stage", "outcome"},
	)

	m.stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total number of infrastructure faults by stage",
		},
		[]string{"stage"},
	)

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.panicsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_panics_recovered_total",
			Help:      "Total number of handler panics recovered",
		},
	)

	m.rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter",
		},
	)

	m.oversizedBodies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_oversized_bodies_total",
			Help:      "Total number of requests rejected for an oversized body",
		},
	)

	m.decisionCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decision_cache_total",
			Help:      "Decision cache lookups by result",
		},
		[]string{"result"},
	)

	m.storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Backing store operations by store, op, and result",
		},
		[]string{"store", "op", "result"},
	)

	m.reloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result",
		},
		[]string{"result"},
	)

	m.reloadTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_reload_timestamp_seconds",
			Help:      "Unix time of the last successful configuration reload",
		},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Process start time in unix seconds",
		},
	)

	m.registerCollectors()

	m.startTime.SetToCurrentTime()

	return m
}

// registerCollectors registers all metric collectors with the
// registry.
func (m *Metrics) registerCollectors() {
	m.registry.MustRegister(
		m.evaluationsTotal,
		m.stageDuration,
		m.stageFailures,
		m.requestsTotal,
		m.requestDuration,
		m.panicsRecovered,
		m.rateLimited,
		m.oversizedBodies,
		m.decisionCache,
		m.storeOps,
		m.reloadsTotal,
		m.reloadTimestamp,
		m.buildInfo,
		m.startTime,
	)

	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		collectors.NewProcessCollector(
			collectors.ProcessCollectorOpts{},
		),
	)
}

// InitVecMetrics pre-populates common label combinations with zero
// values so Vec metrics appear in /metrics output immediately after
// startup. Prometheus *Vec types only emit metric lines after
// WithLabelValues() is called at least once. Idempotent.
func (m *Metrics) InitVecMetrics() {
	verdicts := []string{
		"route_not_found", "unauthenticated", "resource_not_found",
		"route_forbidden", "validation_failed", "authorized",
	}
	for _, v := range verdicts {
		m.evaluationsTotal.WithLabelValues(v)
	}

	stages := []string{
		"route_resolution", "identity_resolution", "resource_loading",
		"resource_access", "route_access", "input_validation",
	}
	for _, s := range stages {
		m.stageFailures.WithLabelValues(s)
	}

	m.decisionCache.WithLabelValues("hit")
	m.decisionCache.WithLabelValues("miss")
	m.reloadsTotal.WithLabelValues("success")
	m.reloadsTotal.WithLabelValues("failure")
}

// RecordEvaluation records a completed pipeline evaluation.
func (m *Metrics) RecordEvaluation(verdict string) {
	m.evaluationsTotal.WithLabelValues(verdict).Inc()
}

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage, outcome string, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordStageFailure records an infrastructure fault for a stage.
func (m *Metrics) RecordStageFailure(stage string) {
	m.stageFailures.WithLabelValues(stage).Inc()
}

// RecordRequest records a completed HTTP request. The route parameter
// must be the matched route name, never the raw path.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
}

// RecordPanicRecovered records a recovered handler panic.
func (m *Metrics) RecordPanicRecovered() {
	m.panicsRecovered.Inc()
}

// RecordRateLimited records a request rejected by the rate limiter.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// RecordOversizedBody records a request rejected for body size.
func (m *Metrics) RecordOversizedBody() {
	m.oversizedBodies.Inc()
}

// RecordDecisionCache records a decision cache lookup result.
func (m *Metrics) RecordDecisionCache(hit bool) {
	if hit {
		m.decisionCache.WithLabelValues("hit").Inc()
		return
	}
	m.decisionCache.WithLabelValues("miss").Inc()
}

// RecordStoreOp records a backing store operation.
func (m *Metrics) RecordStoreOp(store, op string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(store, op, result).Inc()
}

// RecordReload records a configuration reload attempt.
func (m *Metrics) RecordReload(success bool) {
	if success {
		m.reloadsTotal.WithLabelValues("success").Inc()
		m.reloadTimestamp.SetToCurrentTime()
		return
	}
	m.reloadsTotal.WithLabelValues("failure").Inc()
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterCollector registers an additional collector with the
// registry so external packages (audit, stores) share the /metrics
// endpoint.
func (m *Metrics) RegisterCollector(c prometheus.Collector) error {
	return m.registry.Register(c)
}
