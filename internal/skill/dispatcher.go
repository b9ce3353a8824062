package skill

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/model"
)

// Dispatcher routes a skill call to an in-process handler when one is
// registered and to the remote executor otherwise. Results are normalized
// before they are returned.
type Dispatcher struct {
	local   *HandlerRegistry
	remote  Executor
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher. Either local or remote may be nil.
func NewDispatcher(local *HandlerRegistry, remote Executor, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{local: local, remote: remote, logger: logger, metrics: metrics}
}

// Execute implements Executor.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (model.SkillResult, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanSkillInvoke,
		observability.AttrSkillKey.String(req.SkillKey),
		observability.AttrInstanceID.String(req.InstanceID),
	)

	exec, source := d.resolve(req.SkillKey)
	if exec == nil {
		err := model.NewSkillUnavailableError(req.SkillKey)
		d.metrics.RecordSkillInvocation(req.SkillKey, "unavailable", 0)
		observability.EndSpanWithError(span, err)
		return model.SkillResult{}, err
	}

	start := time.Now()
	result, err := exec.Execute(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		d.metrics.RecordSkillInvocation(req.SkillKey, "error", elapsed)
		d.logger.Warn("skill invocation failed",
			zap.String("skill_key", req.SkillKey),
			zap.String("instance_id", req.InstanceID),
			zap.String("source", source),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		observability.EndSpanWithError(span, err)
		return model.SkillResult{}, err
	}

	result = result.Normalize(req.SkillKey)
	if result.Meta.ExecutionTimeMs == 0 {
		result.Meta.ExecutionTimeMs = elapsed.Milliseconds()
	}
	d.metrics.RecordSkillInvocation(req.SkillKey, result.Status, elapsed)
	d.logger.Debug("skill invoked",
		zap.String("skill_key", req.SkillKey),
		zap.String("source", source),
		zap.String("status", result.Status),
		zap.Int64("execution_time_ms", result.Meta.ExecutionTimeMs),
	)
	observability.EndSpanWithError(span, nil)
	return result, nil
}

func (d *Dispatcher) resolve(skillKey string) (Executor, string) {
	if h, ok := d.local.Get(skillKey); ok {
		return h, "local"
	}
	if d.remote != nil {
		return d.remote, "remote"
	}
	return nil, ""
}
