package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return InitMetrics(reg), reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vec metrics only appear in Gather once a label set exists.
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	m.RecordSequenceStart()
	m.RecordSequenceCompletion("seq", "completed", time.Second)
	m.RecordBatch(2)
	m.RecordStep("research", "completed")
	m.RecordSkillInvocation("research", "success", time.Second)
	m.RecordSkillRetry("research")
	m.SetSkillCircuitBreakerState("research", 0)
	m.RecordHITLRequest("before", "boolean")
	m.RecordHITLResolution("approved")
	m.RecordHITLNotifyFailure("slack")
	m.SetDefinitionsLoaded(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	got := make(map[string]bool)
	for _, f := range families {
		got[f.GetName()] = true
	}

	want := []string{
		"sequencer_http_requests_total",
		"sequencer_http_request_duration_seconds",
		"sequencer_sequence_executions_total",
		"sequencer_sequence_duration_seconds",
		"sequencer_sequences_active",
		"sequencer_batch_size",
		"sequencer_step_executions_total",
		"sequencer_skill_invocations_total",
		"sequencer_skill_invocation_duration_seconds",
		"sequencer_skill_retries_total",
		"sequencer_skill_circuit_breaker_state",
		"sequencer_hitl_requests_total",
		"sequencer_hitl_resolutions_total",
		"sequencer_hitl_notify_failures_total",
		"sequencer_definitions_loaded",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordSequenceLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSequenceStart()
	m.RecordSequenceStart()
	if v := testutil.ToFloat64(m.SequencesActive); v != 2 {
		t.Errorf("active = %v, want 2", v)
	}

	m.RecordSequenceCompletion("outreach", "completed", 3*time.Second)
	if v := testutil.ToFloat64(m.SequencesActive); v != 1 {
		t.Errorf("active = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SequenceExecutionsTotal.WithLabelValues("outreach", "completed")); v != 1 {
		t.Errorf("executions = %v, want 1", v)
	}
}

func TestRecordSkillInvocation(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSkillInvocation("research-company", "success", 200*time.Millisecond)
	m.RecordSkillInvocation("research-company", "failed", 50*time.Millisecond)
	m.RecordSkillRetry("research-company")

	if v := testutil.ToFloat64(m.SkillInvocationsTotal.WithLabelValues("research-company", "success")); v != 1 {
		t.Errorf("success = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SkillRetriesTotal.WithLabelValues("research-company")); v != 1 {
		t.Errorf("retries = %v, want 1", v)
	}
}

func TestSetSkillCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetSkillCircuitBreakerState("crm-create-contact", 2)
	if v := testutil.ToFloat64(m.SkillCircuitBreakerState.WithLabelValues("crm-create-contact")); v != 2 {
		t.Errorf("breaker state = %v, want 2", v)
	}
}

func TestRecordHITL(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHITLRequest("before", "boolean")
	m.RecordHITLResolution("expired")
	m.RecordHITLNotifyFailure("telegram")

	if v := testutil.ToFloat64(m.HITLRequestsTotal.WithLabelValues("before", "boolean")); v != 1 {
		t.Errorf("requests = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.HITLResolutionsTotal.WithLabelValues("expired")); v != 1 {
		t.Errorf("resolutions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.HITLNotifyFailures.WithLabelValues("telegram")); v != 1 {
		t.Errorf("notify failures = %v, want 1", v)
	}
}

func TestNilMetrics_noPanic(t *testing.T) {
	var m *Metrics
	m.RecordSequenceStart()
	m.RecordSequenceCompletion("seq", "failed", time.Second)
	m.RecordBatch(3)
	m.RecordStep("x", "skipped")
	m.RecordSkillInvocation("x", "failed", time.Second)
	m.RecordHITLResolution("approved")
	m.SetDefinitionsLoaded(1)
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/v1/executions/{instanceId}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/executions/abc-123", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/v1/executions/{instanceId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/v1/hitl/requests/{requestId}/decision", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/hitl/requests/r1/decision", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/hitl/requests/{requestId}/decision", "409"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	if v := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200")); v != 1 {
		t.Errorf("requests total = %v, want 1", v)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("content-type = %q, want text/plain", rec.Header().Get("Content-Type"))
	}
}
