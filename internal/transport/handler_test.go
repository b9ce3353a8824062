package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/model"
)

func testLogger() *zap.Logger { return zap.NewNop() }

// --- Fakes ---

type fakeExecutions struct {
	mu       sync.Mutex
	started  []orchestrator.StartRequest
	keys     []string
	result   orchestrator.StartResult
	startErr error
	states   map[string]*model.SequenceState
}

func newFakeExecutions() *fakeExecutions {
	return &fakeExecutions{
		result: orchestrator.StartResult{InstanceID: "inst-1"},
		states: map[string]*model.SequenceState{},
	}
}

func (f *fakeExecutions) Start(_ context.Context, _ *model.RequestContext, key string, req orchestrator.StartRequest) (orchestrator.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.started = append(f.started, req)
	return f.result, f.startErr
}

func (f *fakeExecutions) Get(_ context.Context, org, id string) (*model.SequenceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok || st.OrganizationID != org {
		return nil, model.NewNotFoundError("execution " + id + " not found")
	}
	return st, nil
}

type fakeApprovals struct {
	mu        sync.Mutex
	requests  map[string]model.HITLRequest
	decisions []model.HITLDecision
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{requests: map[string]model.HITLRequest{}}
}

func (f *fakeApprovals) Get(_ context.Context, id string) (model.HITLRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return model.HITLRequest{}, model.NewNotFoundError("approval request " + id + " not found")
	}
	return req, nil
}

func (f *fakeApprovals) Resolve(_ context.Context, id string, d model.HITLDecision) (model.HITLRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[id]
	if !ok {
		return model.HITLRequest{}, model.NewNotFoundError("approval request " + id + " not found")
	}
	if req.IsTerminal() {
		return req, model.NewHITLAlreadyResolvedError(id, req.Status)
	}
	f.decisions = append(f.decisions, d)
	req.Status = model.HITLStatusApproved
	req.Response = d.Value
	req.RespondedBy = d.RespondedBy
	f.requests[id] = req
	return req, nil
}

func apiRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-Id", "org-1")
	req.Header.Set("X-User-Id", "user-1")
	return req
}

// --- Execution handlers ---

func TestExecutionStart_accepted(t *testing.T) {
	deps := testDeps()
	execs := deps.Executions.(*fakeExecutions)
	r := NewRouter(deps)

	req := apiRequest("POST", "/v1/sequences/outreach/executions", `{"trigger":{"contact_id":"c-1"}}`)
	req.Header.Set("X-Idempotency-Key", "idem-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "/v1/executions/inst-1" {
		t.Errorf("Location = %q", loc)
	}
	var body executionAccepted
	json.NewDecoder(w.Body).Decode(&body)
	if body.InstanceID != "inst-1" || body.Status != model.ExecutionStatusRunning {
		t.Errorf("body = %+v", body)
	}

	if len(execs.started) != 1 {
		t.Fatalf("Start called %d times, want 1", len(execs.started))
	}
	got := execs.started[0]
	if execs.keys[0] != "outreach" {
		t.Errorf("sequence key = %q", execs.keys[0])
	}
	if got.IdempotencyKey != "idem-1" || got.Wait || got.DryRun != nil {
		t.Errorf("start request = %+v", got)
	}
	if got.Trigger["contact_id"] != "c-1" {
		t.Errorf("trigger = %v", got.Trigger)
	}
}

func TestExecutionStart_waitReturnsResult(t *testing.T) {
	deps := testDeps()
	execs := deps.Executions.(*fakeExecutions)
	execs.result = orchestrator.StartResult{
		InstanceID: "inst-2",
		Result:     &model.ExecutionResult{Success: true, InstanceID: "inst-2", Status: model.ExecutionStatusCompleted},
	}
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("POST", "/v1/sequences/outreach/executions?wait=true", `{"trigger":{},"dry_run":true}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !execs.started[0].Wait {
		t.Error("Wait should be set")
	}
	if d := execs.started[0].DryRun; d == nil || !*d {
		t.Errorf("DryRun = %v, want true", d)
	}
	var res model.ExecutionResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.Success || res.InstanceID != "inst-2" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecutionStart_replayed(t *testing.T) {
	deps := testDeps()
	deps.Executions.(*fakeExecutions).result = orchestrator.StartResult{InstanceID: "inst-1", Replayed: true}
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("POST", "/v1/sequences/outreach/executions", `{}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body executionAccepted
	json.NewDecoder(w.Body).Decode(&body)
	if !body.Replayed || body.InstanceID != "inst-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestExecutionStart_emptyBody(t *testing.T) {
	deps := testDeps()
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("POST", "/v1/sequences/outreach/executions", ""))

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 for empty body", w.Code)
	}
}

func TestExecutionStart_badInput(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"malformed json", "/v1/sequences/outreach/executions", `{"trigger":`},
		{"bad wait flag", "/v1/sequences/outreach/executions?wait=maybe", `{}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRouter(testDeps())
			w := httptest.NewRecorder()
			r.ServeHTTP(w, apiRequest("POST", tc.path, tc.body))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestExecutionStart_serviceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"unknown sequence", model.NewSequenceNotFoundError("nope"), http.StatusNotFound},
		{"pending claim", model.NewConflictError("in progress"), http.StatusConflict},
		{"infrastructure", fmt.Errorf("store down"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			deps := testDeps()
			deps.Executions.(*fakeExecutions).startErr = tc.err
			r := NewRouter(deps)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, apiRequest("POST", "/v1/sequences/nope/executions", `{}`))
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
}

func TestExecutionGet(t *testing.T) {
	deps := testDeps()
	deps.Executions.(*fakeExecutions).states["inst-1"] = &model.SequenceState{
		InstanceID:     "inst-1",
		OrganizationID: "org-1",
		Status:         model.ExecutionStatusHalted,
		HaltReason:     model.HaltReasonRejected,
	}
	deps.Executions.(*fakeExecutions).states["inst-other"] = &model.SequenceState{
		InstanceID:     "inst-other",
		OrganizationID: "org-2",
	}
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("GET", "/v1/executions/inst-1", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var st model.SequenceState
	json.NewDecoder(w.Body).Decode(&st)
	if st.Status != model.ExecutionStatusHalted || st.HaltReason != model.HaltReasonRejected {
		t.Errorf("state = %+v", st)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("GET", "/v1/executions/inst-other", ""))
	if w.Code != http.StatusNotFound {
		t.Errorf("cross-org status = %d, want 404", w.Code)
	}
}

// --- HITL handlers ---

func pendingRequest(id, org string) model.HITLRequest {
	return model.HITLRequest{
		ID:             id,
		OrganizationID: org,
		RequestType:    model.HITLTypeBoolean,
		Prompt:         "Send the email?",
		Status:         model.HITLStatusPending,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func TestHITLGet(t *testing.T) {
	deps := testDeps()
	approvals := deps.Approvals.(*fakeApprovals)
	approvals.requests["req-1"] = pendingRequest("req-1", "org-1")
	approvals.requests["req-2"] = pendingRequest("req-2", "org-2")
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("GET", "/v1/hitl/requests/req-1", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got model.HITLRequest
	json.NewDecoder(w.Body).Decode(&got)
	if got.Prompt != "Send the email?" {
		t.Errorf("prompt = %q", got.Prompt)
	}

	for _, id := range []string{"req-2", "missing"} {
		w = httptest.NewRecorder()
		r.ServeHTTP(w, apiRequest("GET", "/v1/hitl/requests/"+id, ""))
		if w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", id, w.Code)
		}
	}
}

func TestHITLDecision(t *testing.T) {
	deps := testDeps()
	approvals := deps.Approvals.(*fakeApprovals)
	approvals.requests["req-1"] = pendingRequest("req-1", "org-1")
	r := NewRouter(deps)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("POST", "/v1/hitl/requests/req-1/decision", `{"value":"yes"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if len(approvals.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(approvals.decisions))
	}
	if d := approvals.decisions[0]; d.Value != "yes" || d.RespondedBy != "user-1" {
		t.Errorf("decision = %+v, want responder defaulted to caller", d)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, apiRequest("POST", "/v1/hitl/requests/req-1/decision", `{"value":"no","responded_by":"ops"}`))
	if w.Code != http.StatusConflict {
		t.Errorf("second decision status = %d, want 409", w.Code)
	}
}

func TestHITLDecision_rejectsBadInput(t *testing.T) {
	deps := testDeps()
	approvals := deps.Approvals.(*fakeApprovals)
	approvals.requests["req-1"] = pendingRequest("req-1", "org-1")
	approvals.requests["req-2"] = pendingRequest("req-2", "org-2")
	r := NewRouter(deps)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"malformed", "/v1/hitl/requests/req-1/decision", `{`, http.StatusBadRequest},
		{"missing value", "/v1/hitl/requests/req-1/decision", `{}`, http.StatusUnprocessableEntity},
		{"other org", "/v1/hitl/requests/req-2/decision", `{"value":"yes"}`, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, apiRequest("POST", tc.path, tc.body))
			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
		})
	}
	if len(approvals.decisions) != 0 {
		t.Errorf("decisions = %d, want none", len(approvals.decisions))
	}
}

// --- Slack webhook ---

const testSigningSecret = "8f742231b10e8888abcd99yyyzzz85a5"

func signedSlackRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()
	body := url.Values{"payload": {payload}}.Encode()
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("v0:" + ts + ":" + body))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest("POST", "/webhooks/slack/interactions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", sig)
	return req
}

func slackDeps() Dependencies {
	deps := testDeps()
	deps.SlackSigningSecret = testSigningSecret
	deps.Approvals.(*fakeApprovals).requests["req-1"] = pendingRequest("req-1", "org-1")
	return deps
}

func TestSlackInteractions_resolves(t *testing.T) {
	deps := slackDeps()
	r := NewRouter(deps)

	payload := `{"type":"block_actions","user":{"id":"U123"},"actions":[{"block_id":"hitl","action_id":"hitl_req-1_approve","value":"approve"}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedSlackRequest(t, testSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	approvals := deps.Approvals.(*fakeApprovals)
	if len(approvals.decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(approvals.decisions))
	}
	if d := approvals.decisions[0]; d.Value != "approve" || d.RespondedBy != "U123" {
		t.Errorf("decision = %+v", d)
	}
}

func TestSlackInteractions_badSignature(t *testing.T) {
	deps := slackDeps()
	r := NewRouter(deps)

	payload := `{"type":"block_actions","user":{"id":"U123"},"actions":[{"block_id":"hitl","action_id":"hitl_req-1_approve"}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedSlackRequest(t, "wrong-secret", payload))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if n := len(deps.Approvals.(*fakeApprovals).decisions); n != 0 {
		t.Errorf("decisions = %d, want none", n)
	}
}

func TestSlackInteractions_ignoresForeignActions(t *testing.T) {
	deps := slackDeps()
	r := NewRouter(deps)

	payload := `{"type":"block_actions","user":{"id":"U123"},"actions":[{"block_id":"x","action_id":"other-button"},{"block_id":"hitl","action_id":"hitl_missing_approve"}]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, signedSlackRequest(t, testSigningSecret, payload))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if n := len(deps.Approvals.(*fakeApprovals).decisions); n != 0 {
		t.Errorf("decisions = %d, want none", n)
	}
}
