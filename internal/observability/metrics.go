package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets     = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	skillDurationBuckets    = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	sequenceDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600}
	batchSizeBuckets        = []float64{1, 2, 3, 4, 6, 8, 12, 16}
)

// Metrics holds all Prometheus metric instruments for the sequencer.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sequence metrics
	SequenceExecutionsTotal *prometheus.CounterVec
	SequenceDuration        *prometheus.HistogramVec
	SequencesActive         prometheus.Gauge
	BatchSize               prometheus.Histogram

	// Step and skill metrics
	StepExecutionsTotal      *prometheus.CounterVec
	SkillInvocationsTotal    *prometheus.CounterVec
	SkillInvocationDuration  *prometheus.HistogramVec
	SkillRetriesTotal        *prometheus.CounterVec
	SkillCircuitBreakerState *prometheus.GaugeVec

	// HITL metrics
	HITLRequestsTotal    *prometheus.CounterVec
	HITLResolutionsTotal *prometheus.CounterVec
	HITLNotifyFailures   *prometheus.CounterVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequencer_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		SequenceExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_sequence_executions_total",
			Help: "Total number of finished sequence runs by outcome.",
		}, []string{"sequence_id", "status"}),
		SequenceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequencer_sequence_duration_seconds",
			Help:    "Sequence run duration in seconds.",
			Buckets: sequenceDurationBuckets,
		}, []string{"sequence_id"}),
		SequencesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_sequences_active",
			Help: "Number of sequence runs in progress.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sequencer_batch_size",
			Help:    "Number of steps per executed batch.",
			Buckets: batchSizeBuckets,
		}),

		StepExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_step_executions_total",
			Help: "Total number of steps by final step state.",
		}, []string{"skill_key", "state"}),
		SkillInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_skill_invocations_total",
			Help: "Total number of skill invocations by result status.",
		}, []string{"skill_key", "status"}),
		SkillInvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sequencer_skill_invocation_duration_seconds",
			Help:    "Skill invocation duration in seconds.",
			Buckets: skillDurationBuckets,
		}, []string{"skill_key"}),
		SkillRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_skill_retries_total",
			Help: "Total number of skill invocation retries.",
		}, []string{"skill_key"}),
		SkillCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sequencer_skill_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"skill_key"}),

		HITLRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_hitl_requests_total",
			Help: "Total number of approval requests created.",
		}, []string{"timing", "request_type"}),
		HITLResolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_hitl_resolutions_total",
			Help: "Total number of approval requests resolved by final status.",
		}, []string{"status"}),
		HITLNotifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequencer_hitl_notify_failures_total",
			Help: "Total number of approval notifications that could not be delivered.",
		}, []string{"channel"}),

		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sequencer_definitions_loaded",
			Help: "Number of loaded sequence definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SequenceExecutionsTotal,
		m.SequenceDuration,
		m.SequencesActive,
		m.BatchSize,
		m.StepExecutionsTotal,
		m.SkillInvocationsTotal,
		m.SkillInvocationDuration,
		m.SkillRetriesTotal,
		m.SkillCircuitBreakerState,
		m.HITLRequestsTotal,
		m.HITLResolutionsTotal,
		m.HITLNotifyFailures,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordSequenceStart records a run entering execution.
func (m *Metrics) RecordSequenceStart() {
	if m == nil {
		return
	}
	m.SequencesActive.Inc()
}

// RecordSequenceCompletion records a finished run.
func (m *Metrics) RecordSequenceCompletion(sequenceID, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SequencesActive.Dec()
	m.SequenceExecutionsTotal.WithLabelValues(sequenceID, status).Inc()
	m.SequenceDuration.WithLabelValues(sequenceID).Observe(duration.Seconds())
}

// RecordBatch records the size of an executed batch.
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}

// RecordStep records the final state of a step.
func (m *Metrics) RecordStep(skillKey, state string) {
	if m == nil {
		return
	}
	m.StepExecutionsTotal.WithLabelValues(skillKey, state).Inc()
}

// RecordSkillInvocation records one skill call.
func (m *Metrics) RecordSkillInvocation(skillKey, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SkillInvocationsTotal.WithLabelValues(skillKey, status).Inc()
	m.SkillInvocationDuration.WithLabelValues(skillKey).Observe(duration.Seconds())
}

// RecordSkillRetry records a retried skill call.
func (m *Metrics) RecordSkillRetry(skillKey string) {
	if m == nil {
		return
	}
	m.SkillRetriesTotal.WithLabelValues(skillKey).Inc()
}

// SetSkillCircuitBreakerState sets the breaker state for a skill.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSkillCircuitBreakerState(skillKey string, state float64) {
	if m == nil {
		return
	}
	m.SkillCircuitBreakerState.WithLabelValues(skillKey).Set(state)
}

// RecordHITLRequest records a created approval request.
func (m *Metrics) RecordHITLRequest(timing, requestType string) {
	if m == nil {
		return
	}
	m.HITLRequestsTotal.WithLabelValues(timing, requestType).Inc()
}

// RecordHITLResolution records a resolved approval request.
func (m *Metrics) RecordHITLResolution(status string) {
	if m == nil {
		return
	}
	m.HITLResolutionsTotal.WithLabelValues(status).Inc()
}

// RecordHITLNotifyFailure records an undelivered approval prompt.
func (m *Metrics) RecordHITLNotifyFailure(channel string) {
	if m == nil {
		return
	}
	m.HITLNotifyFailures.WithLabelValues(channel).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
