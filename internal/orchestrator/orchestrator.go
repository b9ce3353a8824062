// Package orchestrator drives a sequence run from its definition to a final
// execution result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/sequencer/internal/batch"
	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/executor"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/state"
	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/model"
)

const defaultMaxParallel = 8

// Options are per-run settings supplied by the caller.
type Options struct {
	OrganizationID  string
	UserID          string
	DryRun          bool
	StoreFullOutput bool
	// Started, when set, receives the instance ID as soon as the initial
	// state is persisted and before the first batch runs.
	Started func(instanceID string)
}

// Orchestrator executes sequence definitions.
type Orchestrator struct {
	steps   *executor.StepExecutor
	store   store.ExecutionStore
	cfg     config.OrchestratorConfig
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates an Orchestrator. Run state is checkpointed into es.
func New(steps *executor.StepExecutor, es store.ExecutionStore, cfg config.OrchestratorConfig, logger *zap.Logger, metrics *observability.Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = defaultMaxParallel
	}
	return &Orchestrator{
		steps:   steps,
		store:   es,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// ExecuteSequence runs def to completion. It always returns a well-formed
// result: a stop-policy failure or an infrastructure error yields
// Success=false with the partial final state, and a clean halt at an
// approval gate or budget boundary yields Success=true with status halted.
func (o *Orchestrator) ExecuteSequence(ctx context.Context, def *model.SequenceDefinition, trigger map[string]any, opts Options) model.ExecutionResult {
	start := o.now()
	result := model.ExecutionResult{SequenceID: def.Key}

	ctx, span := observability.StartSpan(ctx, observability.SpanSequenceExecute,
		observability.AttrSequenceID.String(def.Key),
		observability.AttrOrganizationID.String(opts.OrganizationID),
	)
	var spanErr error
	defer func() { observability.EndSpanWithError(span, spanErr) }()

	// 1. Resolve budgets.
	tokenBudget := def.TokenBudget
	if tokenBudget == 0 {
		tokenBudget = o.cfg.TokenBudget
	}
	timeBudget := o.cfg.TimeBudget
	if def.TimeBudget != "" {
		d, err := time.ParseDuration(def.TimeBudget)
		if err != nil {
			spanErr = model.NewBadRequestError(fmt.Sprintf("invalid time_budget %q", def.TimeBudget))
			result.Error = spanErr.Error()
			return result
		}
		timeBudget = d
	}

	// 2. Initialize state.
	mgr := state.NewManager(o.store, o.logger)
	initial, err := mgr.Initialize(ctx, state.InitParams{
		SequenceID:     def.Key,
		SequenceType:   def.Type,
		OrganizationID: opts.OrganizationID,
		UserID:         opts.UserID,
		Trigger:        trigger,
		TotalSteps:     len(def.Steps),
		TokenBudget:    tokenBudget,
		TimeBudget:     timeBudget,
	})
	if err != nil {
		o.logger.Error("sequence initialization failed", zap.String("sequence_id", def.Key), zap.Error(err))
		spanErr = err
		result.Error = err.Error()
		o.metrics.RecordSequenceCompletion(def.Key, model.ExecutionStatusFailed, o.now().Sub(start))
		return result
	}
	defer mgr.Close()

	result.InstanceID = initial.InstanceID
	span.SetAttributes(observability.AttrInstanceID.String(initial.InstanceID))
	logger := o.logger.With(
		zap.String("instance_id", initial.InstanceID),
		zap.String("sequence_id", def.Key),
	)
	o.metrics.RecordSequenceStart()
	if opts.Started != nil {
		opts.Started(initial.InstanceID)
	}

	// 3. Plan batches.
	batches := batch.GroupIntoBatches(def.Steps)
	logger.Info("sequence started",
		zap.Int("total_steps", len(def.Steps)),
		zap.Int("batches", len(batches)),
		zap.Bool("dry_run", opts.DryRun),
	)

	run := executor.Run{
		State:           mgr,
		DryRun:          opts.DryRun,
		StoreFullOutput: opts.StoreFullOutput,
	}

	// 4. Execute batches in order.
	status := model.ExecutionStatusCompleted
	var haltReason string
	var fatal error
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			status, haltReason, fatal = model.ExecutionStatusFailed, model.HaltReasonContextExpired, err
			break
		}
		if reason := o.budgetExceeded(mgr.GetState(), tokenBudget, timeBudget, start); reason != "" {
			logger.Warn("sequence halted by budget", zap.String("halt_reason", reason), zap.Int("next_batch", i))
			status, haltReason = model.ExecutionStatusHalted, reason
			break
		}

		outcomes := o.executeBatch(ctx, run, i, b)

		if err := firstFatal(outcomes); err != nil {
			status, fatal = model.ExecutionStatusFailed, err
			if ctx.Err() != nil {
				haltReason = model.HaltReasonContextExpired
			}
			break
		}
		if reason := firstHalt(outcomes); reason != "" {
			status, haltReason = model.ExecutionStatusHalted, reason
			break
		}
	}

	// 5. Seal and assemble the result. Finish must persist even when the
	// caller's context is gone.
	errMsg := ""
	if fatal != nil {
		errMsg = fatal.Error()
	}
	final, err := mgr.Finish(context.WithoutCancel(ctx), status, haltReason, errMsg)
	if err != nil {
		logger.Error("final checkpoint failed", zap.Error(err))
		if fatal == nil {
			fatal = fmt.Errorf("final checkpoint: %w", err)
			status = model.ExecutionStatusFailed
		}
	}

	duration := o.now().Sub(start)
	result.Status = status
	result.FinalState = final
	result.DurationMs = duration.Milliseconds()
	result.Success = fatal == nil
	if fatal != nil {
		result.Error = fatal.Error()
		spanErr = fatal
	}
	o.metrics.RecordSequenceCompletion(def.Key, status, duration)

	fields := []zap.Field{
		zap.String("status", status),
		zap.Int("step_count", final.StepCount),
		zap.Int("tokens_used", final.TokensUsed),
		zap.Duration("duration", duration),
	}
	switch {
	case fatal != nil:
		logger.Error("sequence failed", append(fields, zap.Error(fatal))...)
	case haltReason != "":
		logger.Info("sequence halted", append(fields, zap.String("halt_reason", haltReason))...)
	default:
		logger.Info("sequence completed", fields...)
	}
	return result
}

// executeBatch runs every member of b and waits for all of them. Members of a
// parallel batch are never cancelled because a sibling failed.
func (o *Orchestrator) executeBatch(ctx context.Context, run executor.Run, index int, b batch.Batch) []executor.Outcome {
	ctx, span := observability.StartSpan(ctx, observability.SpanBatchExecute,
		observability.AttrBatchIndex.Int(index),
		observability.AttrBatchSize.Int(len(b.Steps)),
	)
	defer span.End()
	o.metrics.RecordBatch(len(b.Steps))

	outcomes := make([]executor.Outcome, len(b.Steps))
	if !b.Parallel() {
		outcomes[0] = o.executeStep(ctx, run, b.Indexes[0], b.Steps[0])
		return outcomes
	}

	run.InParallelBatch = true
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxParallel)
	for j := range b.Steps {
		g.Go(func() error {
			outcomes[j] = o.executeStep(ctx, run, b.Indexes[j], b.Steps[j])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// executeStep converts a panic inside a step into a fatal outcome so one
// broken skill handler cannot take the process down.
func (o *Orchestrator) executeStep(ctx context.Context, run executor.Run, index int, step model.SequenceStep) (out executor.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("step panicked",
				zap.Int("step_index", index),
				zap.String("skill_key", step.SkillKey),
				zap.Any("panic", r),
			)
			out = executor.Outcome{
				Index:    index,
				SkillKey: step.SkillKey,
				State:    executor.StepFailed,
				Fatal:    fmt.Errorf("step %d (%s) panicked: %v", index, step.SkillKey, r),
			}
		}
	}()
	return o.steps.Execute(ctx, run, index, step)
}

func (o *Orchestrator) budgetExceeded(s *model.SequenceState, tokenBudget int, timeBudget time.Duration, start time.Time) string {
	if tokenBudget > 0 && s.TokensUsed > tokenBudget {
		return model.HaltReasonTokenBudget
	}
	if timeBudget > 0 && o.now().Sub(start) >= timeBudget {
		return model.HaltReasonTimeBudget
	}
	return ""
}

// firstFatal returns the fatal error of the lowest-indexed member, joined
// with any others.
func firstFatal(outcomes []executor.Outcome) error {
	var errs []error
	for _, out := range outcomes {
		if out.Fatal != nil {
			errs = append(errs, out.Fatal)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

func firstHalt(outcomes []executor.Outcome) string {
	for _, out := range outcomes {
		if out.Halted() {
			return out.HaltReason
		}
	}
	return ""
}
