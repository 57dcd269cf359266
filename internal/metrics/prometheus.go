// Package metrics provides Prometheus metrics for the prediction service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Latency buckets in milliseconds.
var defaultBuckets = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// Manager owns every Prometheus collector of the service. A nil *Manager is
// valid and records nothing.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	constLabels      map[string]string
	registry         *prometheus.Registry

	// Inference
	predictions       *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec

	// Cache
	cacheOps      *prometheus.CounterVec
	leasePaths    *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	invalidated   prometheus.Counter

	// Dependencies
	breakerState *prometheus.GaugeVec
	modelLoads   *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Archive
	archived prometheus.Counter
}

// NewManager creates a metrics manager. Without WithRegistry a fresh
// registry carrying the Go and process collectors is used.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "senzu",
		subsystem:        "inference",
		histogramBuckets: defaultBuckets,
		enabled:          true,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return auto.NewCounterVec(prometheus.CounterOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: m.constLabels,
		}, labels)
	}
	histogramVec := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   m.namespace,
			Subsystem:   m.subsystem,
			Name:        name,
			Help:        help,
			Buckets:     m.histogramBuckets,
			ConstLabels: m.constLabels,
		}, labels)
	}

	m.predictions = counterVec("predictions_total",
		"Prediction requests by outcome and serving path", "outcome", "path")
	m.predictionLatency = histogramVec("prediction_latency_milliseconds",
		"End-to-end prediction latency in milliseconds", "outcome")

	m.cacheOps = counterVec("cache_operations_total",
		"Cache backend operations by cache, operation and result", "cache", "op", "result")
	m.leasePaths = counterVec("cache_compute_paths_total",
		"How misses were resolved: leader, waited, bypass or direct", "cache", "path")
	m.invalidations = counterVec("cache_invalidations_total",
		"Invalidation requests by reason", "reason")
	m.invalidated = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "cache_invalidated_keys_total",
		Help:        "Cache keys removed by invalidation",
		ConstLabels: m.constLabels,
	})

	m.breakerState = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "breaker_state",
		Help:        "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open)",
		ConstLabels: m.constLabels,
	}, []string{"dependency"})
	m.modelLoads = counterVec("model_loads_total",
		"Model payload loads by scope and result", "scope", "result")

	m.httpRequests = counterVec("http_requests_total",
		"HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = histogramVec("http_request_duration_milliseconds",
		"HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.archived = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "archived_predictions_total",
		Help:        "Predictions written to the blob archive",
		ConstLabels: m.constLabels,
	})
}

func (m *Manager) active() bool { return m != nil && m.enabled }

// RecordPrediction records one prediction call.
func (m *Manager) RecordPrediction(outcome, path string, elapsed time.Duration) {
	if !m.active() {
		return
	}
	m.predictions.WithLabelValues(outcome, path).Inc()
	m.predictionLatency.WithLabelValues(outcome).Observe(ms(elapsed))
}

// RecordCacheOp counts a backend operation of the named cache.
func (m *Manager) RecordCacheOp(cache, op, result string) {
	if !m.active() {
		return
	}
	m.cacheOps.WithLabelValues(cache, op, result).Inc()
}

// RecordComputePath counts how a cache miss was resolved.
func (m *Manager) RecordComputePath(cache, path string) {
	if !m.active() {
		return
	}
	m.leasePaths.WithLabelValues(cache, path).Inc()
}

// RecordInvalidation counts an invalidation and the keys it removed.
func (m *Manager) RecordInvalidation(reason string, keys int64) {
	if !m.active() {
		return
	}
	m.invalidations.WithLabelValues(reason).Inc()
	if keys > 0 {
		m.invalidated.Add(float64(keys))
	}
}

// SetBreakerState exports a breaker state as a gauge value.
func (m *Manager) SetBreakerState(dependency string, state int) {
	if !m.active() {
		return
	}
	m.breakerState.WithLabelValues(dependency).Set(float64(state))
}

// RecordModelLoad counts a model payload load.
func (m *Manager) RecordModelLoad(scope, result string) {
	if !m.active() {
		return
	}
	m.modelLoads.WithLabelValues(scope, result).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Manager) RecordHTTPRequest(endpoint, method, statusCode string, elapsed time.Duration) {
	if !m.active() {
		return
	}
	m.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(ms(elapsed))
}

// RecordArchived counts predictions written to the archive.
func (m *Manager) RecordArchived(n int64) {
	if !m.active() || n <= 0 {
		return
	}
	m.archived.Add(float64(n))
}

// Registry returns the registry the collectors live on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
