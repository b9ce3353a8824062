// Package executor runs a single sequence step: condition gate, approval
// gates, input mapping, routed or direct skill invocation, and the step's
// failure policy.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/expression"
	"github.com/pitabwire/sequencer/internal/hitl"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/router"
	"github.com/pitabwire/sequencer/internal/skill"
	"github.com/pitabwire/sequencer/internal/state"
	"github.com/pitabwire/sequencer/model"
)

// StepState is the terminal state a step reached.
type StepState string

// Step states.
const (
	StepSkipped           StepState = "skipped"
	StepSucceeded         StepState = "succeeded"
	StepFailed            StepState = "failed"
	StepFallbackSucceeded StepState = "fallback_succeeded"
	StepFallbackFailed    StepState = "fallback_failed"
	StepHalted            StepState = "halted"
)

// StateManager is the state surface a step writes through.
type StateManager interface {
	GetState() *model.SequenceState
	MergeSkillResult(ctx context.Context, skillKey string, result model.SkillResult, opts ...state.MergeOption) error
	RequireApproval(ctx context.Context, channel string) error
	RecordApproval(ctx context.Context, rec model.ApprovalRecord) error
}

// ToolRouter routes skill keys that belong to a Level-1 tool.
type ToolRouter interface {
	MapSkillToLevel1Tool(skillKey string) (router.Tool, bool)
	ExecuteLevel1Tool(ctx context.Context, call router.Call) router.ToolResult
}

// Approver opens an approval gate and blocks until it resolves.
type Approver interface {
	RequestApproval(ctx context.Context, in hitl.ApprovalInput) (hitl.Outcome, error)
}

// Run carries the per-run collaborators of a step.
type Run struct {
	State           StateManager
	DryRun          bool
	StoreFullOutput bool
	// InParallelBatch is set when the step shares its batch with siblings.
	// Approval gates are not opened for such steps.
	InParallelBatch bool
}

// Outcome reports what happened to a step.
type Outcome struct {
	Index      int
	SkillKey   string
	State      StepState
	Result     *model.SkillResult
	HaltReason string
	// Fatal is set when the run must abort: a stop-policy failure or an
	// infrastructure error.
	Fatal error
}

// Halted reports whether the step asked the run to stop cleanly.
func (o Outcome) Halted() bool {
	return o.State == StepHalted
}

// StepExecutor executes steps.
type StepExecutor struct {
	router     ToolRouter
	skills     skill.Executor
	approver   Approver
	conditions *expression.Evaluator
	logger     *zap.Logger
	metrics    *observability.Metrics
}

// New creates a StepExecutor. approver may be nil, in which case approval
// gates are skipped with a warning.
func New(r ToolRouter, skills skill.Executor, approver Approver, logger *zap.Logger, metrics *observability.Metrics) *StepExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StepExecutor{
		router:     r,
		skills:     skills,
		approver:   approver,
		conditions: expression.NewEvaluator(logger),
		logger:     logger,
		metrics:    metrics,
	}
}

// Execute runs step index of the sequence.
func (e *StepExecutor) Execute(ctx context.Context, run Run, index int, step model.SequenceStep) (out Outcome) {
	snapshot := run.State.GetState()
	ctx, span := observability.StartSpan(ctx, observability.SpanStepExecute,
		observability.AttrInstanceID.String(snapshot.InstanceID),
		observability.AttrStepIndex.Int(index),
		observability.AttrSkillKey.String(step.SkillKey),
	)
	logger := e.logger.With(
		zap.String("instance_id", snapshot.InstanceID),
		zap.Int("step_index", index),
		zap.String("skill_key", step.SkillKey),
	)
	defer func() {
		e.metrics.RecordStep(step.SkillKey, string(out.State))
		observability.EndSpanWithError(span, out.Fatal)
	}()

	out = Outcome{Index: index, SkillKey: step.SkillKey}

	if step.Condition != "" && !e.conditions.Evaluate(step.Condition, snapshot.Scope()) {
		logger.Info("step skipped by condition", zap.String("condition", step.Condition))
		out.State = StepSkipped
		return out
	}

	if step.HITLBefore != nil {
		proceed, reason, err := e.gate(ctx, run, logger, index, step.HITLBefore, model.HITLTimingBefore)
		if err != nil {
			out.State, out.Fatal = StepFailed, err
			return out
		}
		if !proceed {
			out.State, out.HaltReason = StepHalted, reason
			return out
		}
	}

	snapshot = run.State.GetState()
	input := buildInput(step, snapshot)

	result := e.invoke(ctx, run, snapshot, step.SkillKey, input, true)
	out.Result = &result

	if result.Succeeded() {
		if err := e.merge(ctx, run, step, index, step.SkillKey, result); err != nil {
			out.State, out.Fatal = StepFailed, err
			return out
		}
		out.State = StepSucceeded
	} else {
		logger.Warn("step failed",
			zap.String("on_failure", step.FailurePolicy()),
			zap.String("error", result.Error),
		)
		switch step.FailurePolicy() {
		case model.OnFailureStop:
			out.State = StepFailed
			if err := e.merge(ctx, run, step, index, step.SkillKey, result); err != nil {
				out.Fatal = err
				return out
			}
			out.Fatal = model.NewStepFailedError(index, step.SkillKey, result.Error)
			return out

		case model.OnFailureFallback:
			if step.FallbackSkillKey == "" {
				logger.Warn("fallback policy without fallback skill, continuing")
				out.State = StepFailed
				if err := e.merge(ctx, run, step, index, step.SkillKey, result); err != nil {
					out.Fatal = err
					return out
				}
				break
			}
			logger.Info("running fallback skill", zap.String("fallback_skill_key", step.FallbackSkillKey))
			fb := e.invoke(ctx, run, snapshot, step.FallbackSkillKey, input, false)
			out.Result = &fb
			if err := e.merge(ctx, run, step, index, step.FallbackSkillKey, fb); err != nil {
				out.State, out.Fatal = StepFallbackFailed, err
				return out
			}
			out.State = StepFallbackFailed
			if fb.Succeeded() {
				out.State = StepFallbackSucceeded
			}

		default:
			out.State = StepFailed
			if err := e.merge(ctx, run, step, index, step.SkillKey, result); err != nil {
				out.Fatal = err
				return out
			}
		}
	}

	if step.HITLAfter != nil {
		proceed, reason, err := e.gate(ctx, run, logger, index, step.HITLAfter, model.HITLTimingAfter)
		if err != nil {
			out.Fatal = err
			return out
		}
		if !proceed {
			out.State, out.HaltReason = StepHalted, reason
		}
	}
	return out
}

// invoke calls the router when the skill belongs to a Level-1 tool, and
// the skill directly otherwise or when routed is false. It never fails:
// transport errors become failed results.
func (e *StepExecutor) invoke(ctx context.Context, run Run, snapshot *model.SequenceState, skillKey string, input map[string]any, routed bool) model.SkillResult {
	if routed && e.router != nil {
		if tool, ok := e.router.MapSkillToLevel1Tool(skillKey); ok {
			tr := e.router.ExecuteLevel1Tool(ctx, router.Call{
				Tool:            tool,
				SkillKey:        skillKey,
				Context:         input,
				OrganizationID:  snapshot.OrganizationID,
				UserID:          snapshot.UserID,
				InstanceID:      snapshot.InstanceID,
				StoreFullOutput: run.StoreFullOutput,
				DryRun:          run.DryRun,
			})
			return tr.Merged(skillKey)
		}
	}

	start := time.Now()
	res, err := e.skills.Execute(ctx, skill.Request{
		SkillKey:        skillKey,
		Context:         input,
		OrganizationID:  snapshot.OrganizationID,
		UserID:          snapshot.UserID,
		InstanceID:      snapshot.InstanceID,
		StoreFullOutput: run.StoreFullOutput,
		DryRun:          run.DryRun,
	})
	if err != nil {
		return model.FailedSkillResult(skillKey, err, time.Since(start).Milliseconds())
	}
	return res
}

func (e *StepExecutor) merge(ctx context.Context, run Run, step model.SequenceStep, index int, skillKey string, result model.SkillResult) error {
	opts := []state.MergeOption{state.WithStep(index)}
	if step.OutputKey != "" {
		opts = append(opts, state.WithOutputKey(step.OutputKey))
	}
	if err := run.State.MergeSkillResult(ctx, skillKey, result, opts...); err != nil {
		return fmt.Errorf("merge result of step %d (%s): %w", index, skillKey, err)
	}
	return nil
}

// gate opens an approval gate and records its outcome. It returns whether
// the run proceeds and, when it does not, the halt reason.
func (e *StepExecutor) gate(ctx context.Context, run Run, logger *zap.Logger, index int, cfg *model.HITLConfig, timing string) (bool, string, error) {
	if run.InParallelBatch {
		logger.Warn("approval gate ignored for step in a parallel batch", zap.String("timing", timing))
		return true, "", nil
	}
	if e.approver == nil {
		logger.Warn("approval gate ignored, no approver configured", zap.String("timing", timing))
		return true, "", nil
	}

	channels := cfg.Channels
	if len(channels) == 0 {
		channels = []string{model.ChannelInApp}
	}
	for _, ch := range channels {
		if err := run.State.RequireApproval(ctx, ch); err != nil {
			return false, "", err
		}
	}

	outcome, err := e.approver.RequestApproval(ctx, hitl.ApprovalInput{
		Config:    cfg,
		State:     run.State.GetState(),
		StepIndex: index,
		Timing:    timing,
	})
	if err != nil {
		return false, "", fmt.Errorf("approval gate for step %d: %w", index, err)
	}

	req := outcome.Request
	decidedAt := time.Now().UTC()
	if req.RespondedAt != nil {
		decidedAt = *req.RespondedAt
	}
	if err := run.State.RecordApproval(ctx, model.ApprovalRecord{
		RequestID: req.ID,
		StepIndex: index,
		Timing:    timing,
		Status:    req.Status,
		Value:     outcome.Value,
		Proceed:   outcome.Proceed,
		DecidedAt: decidedAt,
	}); err != nil {
		return false, "", err
	}

	if outcome.Proceed {
		return true, "", nil
	}
	reason := model.HaltReasonRejected
	if req.Status == model.HITLStatusExpired {
		reason = model.HaltReasonHITLTimeout
	}
	logger.Info("run halted at approval gate",
		zap.String("timing", timing),
		zap.String("request_id", req.ID),
		zap.String("halt_reason", reason),
	)
	return false, reason, nil
}

// buildInput evaluates the step's input mapping. A step without a mapping
// receives the trigger and the accumulated context.
func buildInput(step model.SequenceStep, snapshot *model.SequenceState) map[string]any {
	scope := snapshot.Scope()
	if len(step.InputMapping) > 0 {
		return expression.MapInputs(step.InputMapping, scope)
	}
	return map[string]any{
		"trigger": scope["trigger"],
		"context": scope["context"],
	}
}
