// Package hitl implements human-in-the-loop approval gates: durable
// requests, chat notifications, and a blocking wait that always ends,
// either with a human decision or with the request's timeout action.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/expression"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/store"
	"github.com/pitabwire/sequencer/model"
)

// ApprovalInput describes one gate to open.
type ApprovalInput struct {
	Config    *model.HITLConfig
	State     *model.SequenceState
	StepIndex int
	Timing    string
}

// Gate creates approval requests and waits for their resolution.
type Gate struct {
	store     store.HITLStore
	notifiers map[string]Notifier
	bus       Bus
	logger    *zap.Logger
	metrics   *observability.Metrics

	defaultTimeout int
	pollInterval   time.Duration
	timeoutUnit    time.Duration
	now            func() time.Time

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// Option configures a Gate.
type Option func(*Gate)

// WithNotifiers registers channel notifiers.
func WithNotifiers(notifiers ...Notifier) Option {
	return func(g *Gate) {
		for _, n := range notifiers {
			g.notifiers[n.Channel()] = n
		}
	}
}

// WithBus sets the cross-process decision bus.
func WithBus(bus Bus) Option {
	return func(g *Gate) { g.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithTimeoutUnit sets the duration of one timeout_minutes unit. Tests use
// milliseconds.
func WithTimeoutUnit(d time.Duration) Option {
	return func(g *Gate) { g.timeoutUnit = d }
}

// NewGate creates a gate backed by st.
func NewGate(st store.HITLStore, cfg config.HITLConfig, opts ...Option) *Gate {
	g := &Gate{
		store:          st,
		notifiers:      make(map[string]Notifier),
		logger:         zap.NewNop(),
		defaultTimeout: cfg.DefaultTimeoutMinutes,
		pollInterval:   cfg.PollInterval,
		timeoutUnit:    time.Minute,
		now:            time.Now,
		waiters:        make(map[string]chan struct{}),
	}
	if g.defaultTimeout <= 0 {
		g.defaultTimeout = 60
	}
	if g.pollInterval <= 0 {
		g.pollInterval = 5 * time.Second
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval persists a request, notifies its channels, and blocks
// until it is resolved or expires. The returned error is non-nil only for
// persistence failures or ctx cancellation.
func (g *Gate) RequestApproval(ctx context.Context, in ApprovalInput) (Outcome, error) {
	req, err := g.Open(ctx, in)
	if err != nil {
		return Outcome{}, err
	}
	return g.Await(ctx, req.ID)
}

// Open persists and announces a request without waiting for it.
func (g *Gate) Open(ctx context.Context, in ApprovalInput) (model.HITLRequest, error) {
	cfg := in.Config
	if cfg == nil {
		return model.HITLRequest{}, fmt.Errorf("hitl: nil gate config")
	}

	timeout := cfg.TimeoutMinutes
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}
	requestType := cfg.RequestType
	if requestType == "" {
		requestType = model.HITLTypeBoolean
	}
	timeoutAction := cfg.TimeoutAction
	if timeoutAction == "" {
		timeoutAction = model.TimeoutActionStop
	}

	var scope map[string]any
	req := model.HITLRequest{
		ID:             uuid.New().String(),
		StepIndex:      in.StepIndex,
		Timing:         in.Timing,
		AssignedTo:     cfg.AssignedToUserID,
		RequestType:    requestType,
		Options:        cfg.Options,
		DefaultValue:   cfg.DefaultValue,
		Channels:       cfg.Channels,
		SlackChannelID: cfg.SlackChannelID,
		TimeoutAction:  timeoutAction,
		Status:         model.HITLStatusPending,
	}
	if in.State != nil {
		scope = in.State.Scope()
		req.ExecutionID = in.State.InstanceID
		req.SequenceKey = in.State.SequenceID
		req.OrganizationID = in.State.OrganizationID
		req.RequestedBy = in.State.UserID
		if req.AssignedTo == "" {
			req.AssignedTo = in.State.UserID
		}
	}
	if missing := expression.MissingReferences(cfg.Prompt, scope); len(missing) > 0 {
		g.logger.Debug("prompt references resolved to nothing",
			zap.String("instance_id", req.ExecutionID),
			zap.Strings("references", missing),
		)
	}
	req.Prompt = expression.Interpolate(cfg.Prompt, scope)

	now := g.now().UTC()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(time.Duration(timeout) * g.timeoutUnit)

	if err := g.store.CreateHITLRequest(ctx, req); err != nil {
		return model.HITLRequest{}, fmt.Errorf("hitl: persist request: %w", err)
	}
	g.metrics.RecordHITLRequest(req.Timing, req.RequestType)
	g.logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("instance_id", req.ExecutionID),
		zap.Int("step_index", req.StepIndex),
		zap.String("timing", req.Timing),
		zap.Time("expires_at", req.ExpiresAt),
	)

	g.notify(ctx, req)
	return req, nil
}

// notify delivers the prompt on every configured channel. Delivery
// failures are logged; the request stays answerable through the API.
func (g *Gate) notify(ctx context.Context, req model.HITLRequest) {
	for _, ch := range req.Channels {
		n, ok := g.notifiers[ch]
		if !ok {
			g.logger.Warn("no notifier for approval channel",
				zap.String("request_id", req.ID),
				zap.String("channel", ch),
			)
			g.metrics.RecordHITLNotifyFailure(ch)
			continue
		}
		if err := n.Notify(ctx, req); err != nil {
			g.logger.Warn("approval notification failed",
				zap.String("request_id", req.ID),
				zap.String("channel", ch),
				zap.Error(err),
			)
			g.metrics.RecordHITLNotifyFailure(ch)
		}
	}
}

// Await blocks until the request leaves pending. Wake-ups come from an
// in-process Resolve, the decision bus, periodic store polling, or the
// expiry timer; the store is always the source of truth.
func (g *Gate) Await(ctx context.Context, requestID string) (Outcome, error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanHITLWait,
		observability.AttrHITLRequestID.String(requestID),
	)
	wake := g.park(requestID)
	defer g.unpark(requestID)

	req, err := g.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return Outcome{}, err
	}

	expiry := time.NewTimer(req.ExpiresAt.Sub(g.now()))
	defer expiry.Stop()
	poll := time.NewTicker(g.pollInterval)
	defer poll.Stop()

	for !req.IsTerminal() {
		if !g.now().Before(req.ExpiresAt) {
			req, err = g.expire(ctx, req)
			if err != nil {
				observability.EndSpanWithError(span, err)
				return Outcome{}, err
			}
			break
		}

		select {
		case <-ctx.Done():
			observability.EndSpanWithError(span, ctx.Err())
			return Outcome{}, ctx.Err()
		case <-wake:
		case <-poll.C:
		case <-expiry.C:
		}

		req, err = g.store.GetHITLRequest(ctx, requestID)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return Outcome{}, err
		}
	}

	out := outcomeFor(req)
	g.logger.Info("approval resolved",
		zap.String("request_id", req.ID),
		zap.String("instance_id", req.ExecutionID),
		zap.String("status", req.Status),
		zap.Bool("proceed", out.Proceed),
	)
	observability.EndSpanWithError(span, nil)
	return out, nil
}

// Resolve records a human decision exactly once. A request past its expiry
// is expired instead and reported as already resolved.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision model.HITLDecision) (model.HITLRequest, error) {
	req, err := g.store.GetHITLRequest(ctx, requestID)
	if err != nil {
		return model.HITLRequest{}, err
	}
	if req.IsTerminal() {
		return req, model.NewHITLAlreadyResolvedError(requestID, req.Status)
	}
	if !g.now().Before(req.ExpiresAt) {
		expired, err := g.expire(ctx, req)
		if err != nil {
			return model.HITLRequest{}, err
		}
		return expired, model.NewHITLAlreadyResolvedError(requestID, expired.Status)
	}

	resolved, err := g.store.ResolveHITLRequest(ctx, requestID, store.Resolution{
		Status:      DecisionStatus(req.RequestType, decision.Value),
		Response:    decision.Value,
		RespondedBy: decision.RespondedBy,
		RespondedAt: g.now(),
	})
	if err != nil {
		return resolved, err
	}
	g.announce(ctx, resolved)
	return resolved, nil
}

// ProcessTimeouts expires every pending request past its deadline and
// returns how many were expired.
func (g *Gate) ProcessTimeouts(ctx context.Context) (int, error) {
	expired, err := g.store.FindExpiredHITLRequests(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("hitl: find expired requests: %w", err)
	}
	count := 0
	for _, req := range expired {
		if _, err := g.expire(ctx, req); err != nil {
			g.logger.Warn("expiring approval request failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
			continue
		}
		count++
	}
	return count, nil
}

// Get returns a request by ID.
func (g *Gate) Get(ctx context.Context, requestID string) (model.HITLRequest, error) {
	return g.store.GetHITLRequest(ctx, requestID)
}

// Run forwards decision bus events to local waiters until ctx is done.
// It returns immediately when no bus is configured.
func (g *Gate) Run(ctx context.Context) error {
	if g.bus == nil {
		return nil
	}
	events, err := g.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		g.wake(ev.RequestID)
	}
	return nil
}

// expire marks req expired. Losing the race to a concurrent decision is not
// an error; the winning record is returned.
func (g *Gate) expire(ctx context.Context, req model.HITLRequest) (model.HITLRequest, error) {
	resolved, err := g.store.ResolveHITLRequest(ctx, req.ID, store.Resolution{
		Status:      model.HITLStatusExpired,
		RespondedAt: g.now(),
	})
	if err != nil {
		if model.ErrorCode(err) == model.ErrHITLAlreadyResolved {
			return g.store.GetHITLRequest(ctx, req.ID)
		}
		return model.HITLRequest{}, err
	}
	g.announce(ctx, resolved)
	return resolved, nil
}

// announce wakes local waiters and tells other processes.
func (g *Gate) announce(ctx context.Context, req model.HITLRequest) {
	g.metrics.RecordHITLResolution(req.Status)
	g.wake(req.ID)
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, DecisionEvent{RequestID: req.ID, Status: req.Status}); err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Warn("publishing decision failed",
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
}

func (g *Gate) park(requestID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.waiters[requestID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.waiters[requestID] = ch
	}
	return ch
}

func (g *Gate) unpark(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.waiters, requestID)
}

func (g *Gate) wake(requestID string) {
	g.mu.Lock()
	ch, ok := g.waiters[requestID]
	g.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
