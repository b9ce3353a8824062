package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/sequencer/model"
)

// MockSkillService is a configurable HTTP test server that simulates the
// skill execution service. It allows configuring per-skill responses and
// records all received requests for later assertion. Skills without a
// configured response succeed with an empty result.
type MockSkillService struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	skills     map[string]*skillConfig
	receivedBy map[string][]*RecordedRequest
}

// RecordedRequest captures a call received by the mock skill service.
type RecordedRequest struct {
	SkillKey   string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

// Context returns the context object sent to the skill.
func (r *RecordedRequest) Context() map[string]any {
	ctx, _ := r.Body["context"].(map[string]any)
	return ctx
}

type skillConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// SkillMock is a builder for configuring responses for one skill key.
type SkillMock struct {
	service  *MockSkillService
	skillKey string
}

func newMockSkillService(t *testing.T) *MockSkillService {
	t.Helper()

	ms := &MockSkillService{
		t:          t,
		skills:     make(map[string]*skillConfig),
		receivedBy: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /skills/{skillKey}/execute", ms.handleExecute)
	ms.server = httptest.NewServer(mux)
	t.Cleanup(ms.server.Close)

	return ms
}

// URL returns the base URL of the mock service.
func (ms *MockSkillService) URL() string {
	return ms.server.URL
}

// OnSkill returns a builder for configuring responses for the named skill.
func (ms *MockSkillService) OnSkill(skillKey string) *SkillMock {
	return &SkillMock{service: ms, skillKey: skillKey}
}

// RespondWith queues a successful skill result.
func (sm *SkillMock) RespondWith(result model.SkillResult) *SkillMock {
	sm.service.addResponse(sm.skillKey, &mockResponse{status: http.StatusOK, body: result})
	return sm
}

// RespondWithStatus queues a raw HTTP response.
func (sm *SkillMock) RespondWithStatus(status int, body any) *SkillMock {
	sm.service.addResponse(sm.skillKey, &mockResponse{status: status, body: body})
	return sm
}

// RespondWithDelay queues a delayed successful result to simulate slow skills.
func (sm *SkillMock) RespondWithDelay(delay time.Duration, result model.SkillResult) *SkillMock {
	sm.service.addResponse(sm.skillKey, &mockResponse{status: http.StatusOK, body: result, delay: delay})
	return sm
}

// RespondWithConnectionError makes the service drop the connection.
func (sm *SkillMock) RespondWithConnectionError() *SkillMock {
	sm.service.addResponse(sm.skillKey, &mockResponse{connError: true})
	return sm
}

func (ms *MockSkillService) addResponse(skillKey string, resp *mockResponse) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cfg, ok := ms.skills[skillKey]
	if !ok {
		cfg = &skillConfig{}
		ms.skills[skillKey] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (ms *MockSkillService) handleExecute(w http.ResponseWriter, r *http.Request) {
	skillKey := r.PathValue("skillKey")
	rec := &RecordedRequest{
		SkillKey:   skillKey,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if body, _ := io.ReadAll(r.Body); len(body) > 0 {
		_ = json.Unmarshal(body, &rec.Body)
	}

	ms.mu.Lock()
	ms.receivedBy[skillKey] = append(ms.receivedBy[skillKey], rec)
	ms.mu.Unlock()

	resp := ms.nextResponse(skillKey)
	if resp == nil {
		resp = &mockResponse{
			status: http.StatusOK,
			body:   model.SkillResult{Status: model.SkillStatusSuccess, Summary: skillKey + " done"},
		}
	}

	if resp.connError {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, _ := hj.Hijack(); conn != nil {
				conn.Close()
			}
		}
		return
	}
	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	if resp.body != nil {
		_ = json.NewEncoder(w).Encode(resp.body)
	}
}

func (ms *MockSkillService) nextResponse(skillKey string) *mockResponse {
	ms.mu.RLock()
	cfg, ok := ms.skills[skillKey]
	ms.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the skill was called the expected number of times.
func (ms *MockSkillService) AssertCalled(t *testing.T, skillKey string, expected int) {
	t.Helper()
	if actual := len(ms.AllRequests(skillKey)); actual != expected {
		t.Errorf("mock skills: %q called %d times, want %d", skillKey, actual, expected)
	}
}

// AssertNotCalled verifies that the skill was never called.
func (ms *MockSkillService) AssertNotCalled(t *testing.T, skillKey string) {
	t.Helper()
	ms.AssertCalled(t, skillKey, 0)
}

// LastRequest returns the last request received for the skill, or nil.
func (ms *MockSkillService) LastRequest(skillKey string) *RecordedRequest {
	reqs := ms.AllRequests(skillKey)
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the skill.
func (ms *MockSkillService) AllRequests(skillKey string) []*RecordedRequest {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	reqs := ms.receivedBy[skillKey]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// Reset clears all recorded requests and configured responses.
func (ms *MockSkillService) Reset() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.skills = make(map[string]*skillConfig)
	ms.receivedBy = make(map[string][]*RecordedRequest)
}
