package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/definition"
	"github.com/pitabwire/sequencer/internal/idempotency"
	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/model"
)

const defaultIdempotencyTTL = 24 * time.Hour

// StartRequest describes a trigger for one run.
type StartRequest struct {
	Trigger        map[string]any
	IdempotencyKey string
	// Wait runs the sequence on the caller's goroutine and returns its
	// result. Otherwise the run continues in the background.
	Wait bool
	// DryRun overrides the configured dry-run mode when set.
	DryRun *bool
}

// StartResult reports the run a trigger started or was deduplicated onto.
type StartResult struct {
	InstanceID string
	// Replayed is set when the idempotency key matched an earlier trigger.
	Replayed bool
	// Result is only set for runs started with Wait.
	Result *model.ExecutionResult
}

// ServiceConfig holds the defaults applied to every run.
type ServiceConfig struct {
	DryRun          bool
	StoreFullOutput bool
	IdempotencyTTL  time.Duration
}

// Service resolves sequence keys, deduplicates triggers and tracks
// background runs.
type Service struct {
	orch        *Orchestrator
	registry    *definition.Registry
	executions  store.ExecutionStore
	idempotency idempotency.Store
	cfg         ServiceConfig
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service. idem may be nil to disable deduplication.
func NewService(orch *Orchestrator, registry *definition.Registry, es store.ExecutionStore, idem idempotency.Store, cfg ServiceConfig, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:        orch,
		registry:    registry,
		executions:  es,
		idempotency: idem,
		cfg:         cfg,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start triggers the sequence identified by sequenceKey on behalf of rctx.
func (s *Service) Start(ctx context.Context, rctx *model.RequestContext, sequenceKey string, req StartRequest) (StartResult, error) {
	// 1. Resolve the definition.
	def, ok := s.registry.Get(sequenceKey)
	if !ok {
		return StartResult{}, model.NewSequenceNotFoundError(sequenceKey)
	}

	// 2. Deduplicate.
	idemKey := ""
	if req.IdempotencyKey != "" && s.idempotency != nil {
		idemKey = idempotency.FormatKey(rctx.OrganizationID, sequenceKey, req.IdempotencyKey)
		replay, claimed, err := s.claim(ctx, idemKey, req.Trigger)
		if err != nil {
			return StartResult{}, err
		}
		if !claimed {
			return replay, nil
		}
	}

	opts := Options{
		OrganizationID:  rctx.OrganizationID,
		UserID:          rctx.UserID,
		DryRun:          s.cfg.DryRun,
		StoreFullOutput: s.cfg.StoreFullOutput,
	}
	if req.DryRun != nil {
		opts.DryRun = *req.DryRun
	}

	hash, _ := idempotency.HashInput(req.Trigger)
	started := make(chan string, 1)
	opts.Started = func(instanceID string) {
		if idemKey != "" {
			rec := idempotency.Record{InputHash: hash, InstanceID: instanceID}
			if err := s.idempotency.Complete(ctx, idemKey, rec, s.cfg.IdempotencyTTL); err != nil {
				s.logger.Warn("idempotency record not stored", zap.String("instance_id", instanceID), zap.Error(err))
			}
		}
		started <- instanceID
	}

	// 3. Run synchronously.
	if req.Wait {
		res := s.orch.ExecuteSequence(ctx, &def, req.Trigger, opts)
		if res.InstanceID == "" {
			s.release(idemKey)
		}
		return StartResult{InstanceID: res.InstanceID, Result: &res}, nil
	}

	// 4. Run in the background, detached from the request but stopped by
	// Shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(s.ctx, cancel)
	done := make(chan model.ExecutionResult, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		done <- s.orch.ExecuteSequence(runCtx, &def, req.Trigger, opts)
	}()

	select {
	case id := <-started:
		return StartResult{InstanceID: id}, nil
	case res := <-done:
		s.release(idemKey)
		if res.Error == "" {
			res.Error = "run did not start"
		}
		return StartResult{}, fmt.Errorf("start sequence %s: %s", sequenceKey, res.Error)
	}
}

func (s *Service) claim(ctx context.Context, key string, trigger map[string]any) (StartResult, bool, error) {
	hash, err := idempotency.HashInput(trigger)
	if err != nil {
		return StartResult{}, false, model.NewBadRequestError("trigger is not serializable")
	}
	existing, claimed, err := s.idempotency.Claim(ctx, key, hash, s.cfg.IdempotencyTTL)
	if err != nil {
		return StartResult{}, false, err
	}
	if claimed {
		return StartResult{}, true, nil
	}
	if existing.Pending() {
		return StartResult{}, false, model.NewConflictError("a run for this idempotency key is still starting")
	}
	return StartResult{InstanceID: existing.InstanceID, Replayed: true}, false, nil
}

func (s *Service) release(key string) {
	if key == "" {
		return
	}
	if err := s.idempotency.Release(context.Background(), key); err != nil {
		s.logger.Warn("idempotency claim not released", zap.String("key", key), zap.Error(err))
	}
}

// Get returns the state of a run owned by organizationID.
func (s *Service) Get(ctx context.Context, organizationID, instanceID string) (*model.SequenceState, error) {
	st, err := s.executions.GetExecution(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if st.OrganizationID != organizationID {
		return nil, model.NewNotFoundError(fmt.Sprintf("execution %s not found", instanceID))
	}
	return st, nil
}

// Shutdown cancels background runs and waits for them to record their final
// state, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
