// Package state owns the SequenceState of one run. Every mutation is funneled
// through a single goroutine, so concurrent callers never share writable
// memory.
package state

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/model"
)

// InitParams describes a new run.
type InitParams struct {
	SequenceID     string
	SequenceType   string
	OrganizationID string
	UserID         string
	Trigger        map[string]any
	TotalSteps     int
	TokenBudget    int
	TimeBudget     time.Duration
}

// MergeOption adjusts how a result is merged.
type MergeOption func(*mergeOptions)

type mergeOptions struct {
	outputKey string
	stepIndex int
	hasStep   bool
}

// WithOutputKey also stores the result under outputs[key].
func WithOutputKey(key string) MergeOption {
	return func(o *mergeOptions) { o.outputKey = key }
}

// WithStep records the merge as the completion of the given step index.
func WithStep(index int) MergeOption {
	return func(o *mergeOptions) {
		o.stepIndex = index
		o.hasStep = true
	}
}

type operation struct {
	ctx   context.Context
	apply func(*model.SequenceState) error
	seal  bool
	reply chan error
}

// Manager is the single owner of one run's state.
type Manager struct {
	store  store.ExecutionStore
	logger *zap.Logger
	now    func() time.Time

	ops      chan operation
	stopped  chan struct{}
	stopOnce sync.Once

	snapshot atomic.Pointer[model.SequenceState]

	// Owned by the actor goroutine.
	state          *model.SequenceState
	completedSteps map[int]struct{}
	sealed         bool
}

// NewManager creates a Manager that checkpoints into es.
func NewManager(es store.ExecutionStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:          es,
		logger:         logger,
		now:            func() time.Time { return time.Now().UTC() },
		ops:            make(chan operation),
		stopped:        make(chan struct{}),
		completedSteps: make(map[int]struct{}),
	}
}

// Initialize allocates a fresh instance ID, persists the initial record and
// starts the owning goroutine. It must be called exactly once.
func (m *Manager) Initialize(ctx context.Context, p InitParams) (*model.SequenceState, error) {
	if m.state != nil {
		return nil, fmt.Errorf("state manager already initialized for %s", m.state.InstanceID)
	}

	now := m.now()
	trigger := model.CloneMap(p.Trigger)
	if trigger == nil {
		trigger = map[string]any{}
	}
	s := &model.SequenceState{
		InstanceID:     uuid.New().String(),
		SequenceID:     p.SequenceID,
		SequenceType:   p.SequenceType,
		OrganizationID: p.OrganizationID,
		UserID:         p.UserID,
		Trigger:        trigger,
		Context: model.StateContext{
			Findings: model.Findings{KeyFacts: map[string]any{}},
		},
		SkillResults: map[string]model.SkillResult{},
		Outputs:      map[string]map[string]any{},
		Status:       model.ExecutionStatusRunning,
		TotalSteps:   p.TotalSteps,
		TokenBudget:  p.TokenBudget,
		TimeBudgetMs: p.TimeBudget.Milliseconds(),
		StartedAt:    now,
		UpdatedAt:    now,
	}

	if err := m.store.CreateExecution(ctx, s); err != nil {
		return nil, fmt.Errorf("persist initial state: %w", err)
	}

	m.state = s
	m.logger = m.logger.With(zap.String("instance_id", s.InstanceID))
	m.publish()
	go m.run()

	return s.Clone(), nil
}

func (m *Manager) run() {
	for {
		select {
		case op := <-m.ops:
			err := m.handle(op)
			op.reply <- err
			if m.sealed {
				m.stop()
				return
			}
		case <-m.stopped:
			return
		}
	}
}

func (m *Manager) handle(op operation) error {
	if m.sealed {
		return model.NewStateSealedError(m.state.InstanceID)
	}

	if err := op.apply(m.state); err != nil {
		return err
	}
	m.state.UpdatedAt = m.now()
	if op.seal {
		m.sealed = true
	}

	if err := m.store.SaveCheckpoint(op.ctx, m.state); err != nil {
		m.publish()
		return fmt.Errorf("persist checkpoint: %w", err)
	}
	m.state.Version++
	m.publish()
	return nil
}

func (m *Manager) publish() {
	m.snapshot.Store(m.state.Clone())
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

// do hands fn to the owning goroutine and waits for it to be applied and
// checkpointed.
func (m *Manager) do(ctx context.Context, seal bool, fn func(*model.SequenceState) error) error {
	if m.state == nil {
		return fmt.Errorf("state manager not initialized")
	}
	op := operation{ctx: ctx, apply: fn, seal: seal, reply: make(chan error, 1)}
	select {
	case m.ops <- op:
	case <-m.stopped:
		return model.NewStateSealedError(m.InstanceID())
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.reply
}

// InstanceID returns the run's instance ID.
func (m *Manager) InstanceID() string {
	if s := m.snapshot.Load(); s != nil {
		return s.InstanceID
	}
	return ""
}

// GetState returns a copy of the state reflecting every merge completed so
// far.
func (m *Manager) GetState() *model.SequenceState {
	return m.snapshot.Load().Clone()
}

// MergeSkillResult stores result under skillKey, folds any entities and key
// facts found in result.Data into the accumulated context and checkpoints.
// Merging the same result twice leaves the state unchanged.
func (m *Manager) MergeSkillResult(ctx context.Context, skillKey string, result model.SkillResult, opts ...MergeOption) error {
	var o mergeOptions
	for _, opt := range opts {
		opt(&o)
	}
	result = result.Normalize(skillKey)
	result.Data = model.CloneMap(result.Data)

	err := m.do(ctx, false, func(s *model.SequenceState) error {
		if prev, ok := s.SkillResults[skillKey]; ok {
			s.TokensUsed -= prev.Meta.TokensUsed
		}
		s.TokensUsed += result.Meta.TokensUsed
		s.SkillResults[skillKey] = result

		if o.outputKey != "" {
			s.Outputs[o.outputKey] = result.Scope()
		}
		if o.hasStep {
			m.completedSteps[o.stepIndex] = struct{}{}
			s.StepCount = len(m.completedSteps)
		}
		mergeEntities(&s.Context, result.Data)
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Debug("skill result merged",
		zap.String("skill_key", skillKey),
		zap.String("status", result.Status),
		zap.String("output_key", o.outputKey),
	)
	return nil
}

// RequireApproval marks the run as waiting on a human decision delivered
// through channel. Repeated calls are no-ops.
func (m *Manager) RequireApproval(ctx context.Context, channel string) error {
	return m.do(ctx, false, func(s *model.SequenceState) error {
		s.ApprovalPending = true
		for _, c := range s.ApprovalChannels {
			if c == channel {
				return nil
			}
		}
		s.ApprovalChannels = append(s.ApprovalChannels, channel)
		return nil
	})
}

// RecordApproval logs the outcome of a gate and clears the pending flag.
func (m *Manager) RecordApproval(ctx context.Context, rec model.ApprovalRecord) error {
	return m.do(ctx, false, func(s *model.SequenceState) error {
		if s.Approvals == nil {
			s.Approvals = map[string]model.ApprovalRecord{}
		}
		s.Approvals[rec.RequestID] = rec
		s.ApprovalPending = false
		s.ApprovalChannels = nil
		return nil
	})
}

// Finish records the terminal outcome, writes the final checkpoint and seals
// the state. Later mutations fail with STATE_SEALED.
func (m *Manager) Finish(ctx context.Context, status, haltReason, errMsg string) (*model.SequenceState, error) {
	err := m.do(ctx, true, func(s *model.SequenceState) error {
		now := m.now()
		s.Status = status
		s.HaltReason = haltReason
		s.Error = errMsg
		s.CompletedAt = &now
		return nil
	})
	if err != nil {
		return m.GetState(), err
	}
	return m.GetState(), nil
}

// Close stops the owning goroutine without writing a final checkpoint.
func (m *Manager) Close() {
	m.stop()
}
