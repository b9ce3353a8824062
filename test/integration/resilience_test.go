package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/skill"
	"github.com/pitabwire/sequencer/model"
)

func TestResilience_StopPolicyFailsRun(t *testing.T) {
	h := NewTestHarness(t)
	h.Skills.OnSkill("score-lead").RespondWith(FailureFixture("scoring model offline"))

	res := h.RunAndWait(t, "lead-qualification", map[string]any{"lead_id": "lead-1"})

	if res.Success || res.Status != model.ExecutionStatusFailed {
		t.Fatalf("result = success:%v status:%s", res.Success, res.Status)
	}
	if res.Error == "" {
		t.Error("failed run should carry an error")
	}
	h.Skills.AssertNotCalled(t, "enrich-contact")
	h.Skills.AssertNotCalled(t, "summarize-account")
}

func TestResilience_FallbackAndContinue(t *testing.T) {
	h := NewTestHarness(t)
	h.Skills.OnSkill("score-lead").RespondWith(FailureFixture("primary model offline"))
	h.Skills.OnSkill("score-lead-basic").RespondWith(ScoreFixture(40, false))
	h.Skills.OnSkill("intent-signals").RespondWithStatus(http.StatusInternalServerError, map[string]any{"error": "boom"})

	res := h.RunAndWait(t, "best-effort", map[string]any{"lead_id": "lead-4"})

	if !res.Success || res.Status != model.ExecutionStatusCompleted {
		t.Fatalf("result = success:%v status:%s error:%q", res.Success, res.Status, res.Error)
	}
	h.Skills.AssertCalled(t, "score-lead-basic", 1)
	h.Skills.AssertCalled(t, "summarize-account", 1)

	st := res.FinalState
	if r, ok := st.SkillResults["score-lead-basic"]; !ok || !r.Succeeded() {
		t.Errorf("fallback result = %+v", st.SkillResults["score-lead-basic"])
	}
	if r := st.SkillResults["intent-signals"]; r.Status != model.SkillStatusFailed {
		t.Errorf("intent-signals status = %q, want failed", r.Status)
	}
}

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t,
		WithCircuitBreaker(config.CircuitBreakerConfig{
			FailureThreshold: 2,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		}),
	)
	h.Skills.OnSkill("score-lead").RespondWithStatus(http.StatusInternalServerError, map[string]any{"error": "down"})

	for range 3 {
		res := h.RunAndWait(t, "lead-qualification", map[string]any{"lead_id": "lead-1"})
		if res.Success {
			t.Fatal("run should fail while the skill is down")
		}
	}

	// The third run is rejected by the open breaker without a call.
	h.Skills.AssertCalled(t, "score-lead", 2)
}

func TestResilience_RetriesDroppedConnections(t *testing.T) {
	h := NewTestHarness(t,
		WithRetry(config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    10 * time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        50 * time.Millisecond,
		}),
	)
	h.Skills.OnSkill("score-lead").
		RespondWithConnectionError().
		RespondWith(ScoreFixture(87, true))

	res := h.RunAndWait(t, "lead-qualification", map[string]any{"lead_id": "lead-1"})

	if !res.Success {
		t.Fatalf("result error = %q", res.Error)
	}
	h.Skills.AssertCalled(t, "score-lead", 2)
}

func TestResilience_PanickingSkillFailsRunNotServer(t *testing.T) {
	h := NewTestHarness(t,
		WithLocalSkill("intent-signals", skill.ExecutorFunc(func(context.Context, skill.Request) (model.SkillResult, error) {
			panic("intent index corrupted")
		})),
	)
	h.Skills.OnSkill("score-lead").RespondWith(ScoreFixture(87, true))

	res := h.RunAndWait(t, "lead-qualification", map[string]any{"lead_id": "lead-1"})

	if res.Success || res.Status != model.ExecutionStatusFailed {
		t.Fatalf("result = success:%v status:%s", res.Success, res.Status)
	}
	// The sibling in the same parallel batch still ran.
	h.Skills.AssertCalled(t, "enrich-contact", 1)
	h.Skills.AssertNotCalled(t, "intent-signals")
	h.Skills.AssertNotCalled(t, "summarize-account")

	resp := h.GET("/health")
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
