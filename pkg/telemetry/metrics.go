package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/guardrail-sh/guardrail/pkg/domain"
)

// decisionBuckets resolve sub-millisecond cache hits and still cover the
// multi-second tail a retried DNS probe can produce.
var decisionBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds all Prometheus metrics for the protection engine. Each engine
// instance owns its registry; nothing is registered globally.
type Metrics struct {
	// Decision metrics
	decisionsTotal   *prometheus.CounterVec
	decisionDuration *prometheus.HistogramVec

	// Decision cache metrics
	cacheLookups *prometheus.CounterVec

	// List filter metrics
	filterMatches *prometheus.CounterVec

	// IP intelligence metrics
	ipLookups *prometheus.CounterVec

	// Circuit breaker metrics
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	// Event bus metrics
	eventsPublished *prometheus.CounterVec
	eventsDropped   prometheus.Counter

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance with all engine metrics registered
// on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_decisions_total",
				Help: "Total number of protect decisions by conclusion and denial reason",
			},
			[]string{"conclusion", "reason"},
		),

		decisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_decision_duration_seconds",
				Help:    "Protect decision latency in seconds",
				Buckets: decisionBuckets,
			},
			[]string{"conclusion"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_decision_cache_lookups_total",
				Help: "Decision cache lookups by outcome (hit, miss, skip)",
			},
			[]string{"outcome"},
		),

		filterMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_filter_matches_total",
				Help: "List filter matches by list (blacklist, whitelist)",
			},
			[]string{"list"},
		),

		ipLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_ip_lookups_total",
				Help: "IP intelligence lookups by outcome (ok, error, circuit_open)",
			},
			[]string{"outcome"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guardrail_breaker_state",
				Help: "Circuit breaker state per dependency (0=closed, 1=half-open, 2=open)",
			},
			[]string{"dependency"},
		),

		breakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_breaker_transitions_total",
				Help: "Circuit breaker state transitions by dependency and new state",
			},
			[]string{"dependency", "to"},
		),

		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_events_published_total",
				Help: "Engine events delivered to subscribers by event type",
			},
			[]string{"type"},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "guardrail_events_dropped_total",
				Help: "Engine events dropped because a subscriber buffer was full",
			},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardrail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardrail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.decisionDuration,
		m.cacheLookups,
		m.filterMatches,
		m.ipLookups,
		m.breakerState,
		m.breakerTransitions,
		m.eventsPublished,
		m.eventsDropped,
		m.httpRequestsTotal,
		m.httpRequestDuration,
	)

	return m
}

// RecordDecision records the outcome and latency of one protect call. The
// reason label is empty for allowed requests.
func (m *Metrics) RecordDecision(decision *domain.Decision, duration time.Duration) {
	reason := ""
	if decision.Reason != nil {
		reason = string(decision.Reason.Kind)
	}
	conclusion := string(decision.Conclusion)

	m.decisionsTotal.WithLabelValues(conclusion, reason).Inc()
	m.decisionDuration.WithLabelValues(conclusion).Observe(duration.Seconds())
}

// RecordCacheLookup records a decision cache lookup outcome.
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// RecordFilterMatch records a blacklist or whitelist hit.
func (m *Metrics) RecordFilterMatch(list string) {
	m.filterMatches.WithLabelValues(list).Inc()
}

// RecordIPLookup records an IP intelligence lookup outcome.
func (m *Metrics) RecordIPLookup(outcome string) {
	m.ipLookups.WithLabelValues(outcome).Inc()
}

// SetBreakerState updates the state gauge for a breaker-guarded dependency.
func (m *Metrics) SetBreakerState(dependency, state string) {
	value := 0.0
	switch state {
	case "half-open":
		value = 1.0
	case "open":
		value = 2.0
	}
	m.breakerState.WithLabelValues(dependency).Set(value)
}

// RecordBreakerTransition records a breaker state change.
func (m *Metrics) RecordBreakerTransition(dependency, to string) {
	m.breakerTransitions.WithLabelValues(dependency, to).Inc()
}

// RecordEventPublished records a delivered engine event.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an engine event lost to a full subscriber buffer.
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// RecordHTTPRequest records an HTTP request handled by the middleware.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware creates HTTP middleware that records request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		endpoint := endpointName(r.URL.Path)
		statusCode := strconv.Itoa(wrapped.statusCode)

		m.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName collapses application paths into a single label value so
// request paths cannot explode metric cardinality.
func endpointName(path string) string {
	switch path {
	case "/healthz":
		return "health"
	case "/metrics":
		return "metrics"
	default:
		return "app"
	}
}
