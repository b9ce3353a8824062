// Package integration provides a reusable test harness for end-to-end
// testing of the sequencer. It starts the full HTTP API backed by a mock
// skill execution service and in-memory stores.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/definition"
	"github.com/pitabwire/sequencer/internal/executor"
	"github.com/pitabwire/sequencer/internal/hitl"
	"github.com/pitabwire/sequencer/internal/idempotency"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/internal/router"
	"github.com/pitabwire/sequencer/internal/skill"
	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/internal/transport"
	"github.com/pitabwire/sequencer/model"
)

// Identity sent on every API request unless overridden.
const (
	DefaultOrganization = "org-integration"
	DefaultUser         = "user-integration"
)

// TestHarness encapsulates a fully wired sequencer with a mock skill
// service for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Skills   *MockSkillService
	Store    *store.MemoryStore
	Gate     *hitl.Gate
	Registry *definition.Registry
	Service  *orchestrator.Service
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs     []string
	breaker            config.CircuitBreakerConfig
	retry              config.RetryConfig
	idempotencyEnabled bool
	maxParallel        int
	localSkills        map[string]skill.Executor
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithCircuitBreaker overrides the per-skill circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.breaker = cb
	}
}

// WithRetry overrides the skill call retry settings.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.retry = r
	}
}

// WithIdempotency enables trigger deduplication with an in-memory store.
func WithIdempotency() HarnessOption {
	return func(c *harnessConfig) {
		c.idempotencyEnabled = true
	}
}

// WithLocalSkill registers an in-process skill handler that takes
// precedence over the mock service.
func WithLocalSkill(key string, exec skill.Executor) HarnessOption {
	return func(c *harnessConfig) {
		if c.localSkills == nil {
			c.localSkills = make(map[string]skill.Executor)
		}
		c.localSkills[key] = exec
	}
}

// NewTestHarness creates and starts a full sequencer test instance. The
// server is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 50,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry:       config.RetryConfig{MaxAttempts: 1},
		maxParallel: 4,
	}
	for _, opt := range opts {
		opt(hc)
	}
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir(), "sequences")}
	}

	h := &TestHarness{t: t, Skills: newMockSkillService(t)}

	// Step 1: Configuration.
	cfg := config.Defaults()
	cfg.Definitions.Directories = hc.definitionDirs
	cfg.Skills.BaseURL = h.Skills.URL()
	cfg.Skills.Timeout = 5 * time.Second
	cfg.Skills.CircuitBreaker = hc.breaker
	cfg.Skills.Retry = hc.retry
	cfg.Orchestrator.MaxParallel = hc.maxParallel
	cfg.HITL.PollInterval = 20 * time.Millisecond
	cfg.Server.HandlerTimeout = 10 * time.Second

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(reg)
	h.Gatherer = reg

	// Step 2: Definitions.
	defs, err := definition.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs, _ := definition.Partition(definition.NewValidator().Validate(defs)); len(verrs) > 0 {
		t.Fatalf("definitions invalid: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 3: Engine.
	h.Store = store.NewMemoryStore()
	h.Gate = hitl.NewGate(h.Store, cfg.HITL,
		hitl.WithLogger(logger),
		hitl.WithMetrics(h.Metrics),
		hitl.WithNotifiers(hitl.NewInAppNotifier(logger)),
	)

	local := skill.NewHandlerRegistry()
	for key, exec := range hc.localSkills {
		local.Register(key, exec)
	}
	remote := skill.NewHTTPExecutor(cfg.Skills, "integration-token", logger, h.Metrics)
	dispatcher := skill.NewDispatcher(local, remote, logger, h.Metrics)

	rt, err := router.New(router.DefaultTable(), dispatcher, logger)
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	steps := executor.New(rt, dispatcher, h.Gate, logger, h.Metrics)
	orch := orchestrator.New(steps, h.Store, cfg.Orchestrator, logger, h.Metrics)

	var idem idempotency.Store
	if hc.idempotencyEnabled {
		idem = idempotency.NewMemoryStore()
	}
	h.Service = orchestrator.NewService(orch, h.Registry, h.Store, idem, orchestrator.ServiceConfig{
		IdempotencyTTL: time.Hour,
	}, logger)

	// Step 4: HTTP server.
	r := transport.NewRouter(transport.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    h.Metrics,
		Executions: h.Service,
		Approvals:  h.Gate,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Len() > 0 },
			Store:             h.Store,
		},
	})
	h.server = httptest.NewServer(r)

	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.Service.Shutdown(ctx); err != nil {
			t.Errorf("service shutdown: %v", err)
		}
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// --- HTTP client helpers ---

// GET performs a GET request as the default identity.
func (h *TestHarness) GET(path string) *http.Response {
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// POST performs a POST request with a JSON body as the default identity.
func (h *TestHarness) POST(path string, body any) *http.Response {
	return h.doRequest(http.MethodPost, path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers. Headers
// given here replace the default identity headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	return h.doRequest(http.MethodPost, path, body, headers)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path string, headers map[string]string) *http.Response {
	return h.doRequest(http.MethodGet, path, nil, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Organization-Id", DefaultOrganization)
	req.Header.Set("X-User-Id", DefaultUser)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, expected, body)
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	h.AssertStatus(t, resp, expected)
	h.ParseJSON(resp, target)
}

// --- Sequence helpers ---

// RunAndWait starts a sequence synchronously and returns its result.
func (h *TestHarness) RunAndWait(t *testing.T, sequenceKey string, trigger map[string]any) model.ExecutionResult {
	t.Helper()
	var res model.ExecutionResult
	resp := h.POST("/v1/sequences/"+sequenceKey+"/executions?wait=true", map[string]any{"trigger": trigger})
	h.AssertJSON(t, resp, http.StatusOK, &res)
	return res
}

// WaitForExecution polls the execution until cond holds or the deadline
// passes.
func (h *TestHarness) WaitForExecution(t *testing.T, instanceID string, cond func(*model.SequenceState) bool) *model.SequenceState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		var st model.SequenceState
		h.AssertJSON(t, h.GET("/v1/executions/"+instanceID), http.StatusOK, &st)
		if cond(&st) {
			return &st
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution %s did not reach the expected state; last: status=%s approval_pending=%v",
				instanceID, st.Status, st.ApprovalPending)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// PendingApprovals returns every approval request still waiting for a
// decision.
func (h *TestHarness) PendingApprovals(t *testing.T) []model.HITLRequest {
	t.Helper()
	reqs, err := h.Store.FindExpiredHITLRequests(context.Background(), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list pending approvals: %v", err)
	}
	return reqs
}

// Terminal reports whether a run has finished.
func Terminal(st *model.SequenceState) bool { return st.IsTerminal() }

// --- Fixtures ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// ScoreFixture returns a successful score-lead result.
func ScoreFixture(score int, qualified bool) model.SkillResult {
	return model.SkillResult{
		Status:  model.SkillStatusSuccess,
		Summary: "lead scored",
		Data:    map[string]any{"score": score, "qualified": qualified},
		Meta:    model.SkillMeta{TokensUsed: 120},
	}
}

// FailureFixture returns a failed skill result.
func FailureFixture(msg string) model.SkillResult {
	return model.SkillResult{Status: model.SkillStatusFailed, Error: msg}
}

// WaitForPendingApproval polls until exactly one approval request is
// pending and returns it.
func (h *TestHarness) WaitForPendingApproval(t *testing.T) model.HITLRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if reqs := h.PendingApprovals(t); len(reqs) == 1 {
			return reqs[0]
		} else if len(reqs) > 1 {
			t.Fatalf("pending approvals = %d, want 1", len(reqs))
		}
		if time.Now().After(deadline) {
			t.Fatal("no approval request was opened")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
