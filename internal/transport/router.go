package transport

import (
	"context"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/sequencer/internal/config"
	"github.com/pitabwire/sequencer/internal/observability"
	"github.com/pitabwire/sequencer/internal/orchestrator"
	"github.com/pitabwire/sequencer/model"
)

// ExecutionService starts runs and reads their state.
type ExecutionService interface {
	Start(ctx context.Context, rctx *model.RequestContext, sequenceKey string, req orchestrator.StartRequest) (orchestrator.StartResult, error)
	Get(ctx context.Context, organizationID, instanceID string) (*model.SequenceState, error)
}

// ApprovalService reads and resolves approval requests.
type ApprovalService interface {
	Get(ctx context.Context, requestID string) (model.HITLRequest, error)
	Resolve(ctx context.Context, requestID string, decision model.HITLDecision) (model.HITLRequest, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	Executions ExecutionService
	Approvals  ApprovalService
	Readiness  observability.ReadinessChecks
	// SlackSigningSecret enables the Slack interactions webhook when set.
	SlackSigningSecret string
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and webhook endpoints
// bypass the identity middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled && m.Path != "" {
		r.Handle(m.Path, observability.Handler())
	}

	if deps.SlackSigningSecret != "" && deps.Approvals != nil {
		r.With(RequestLogging(logger)).
			Post("/webhooks/slack/interactions", handleSlackInteractions(deps.Approvals, deps.SlackSigningSecret, logger))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(BuildRequestContext)

		r.Group(func(r chi.Router) {
			// Unbounded: ?wait=true runs block until the sequence finishes.
			r.Post("/sequences/{sequenceKey}/executions", handleExecutionStart(deps.Executions))
			r.Post("/hitl/requests/{requestId}/decision", handleHITLDecision(deps.Approvals))
		})

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
			r.Get("/executions/{instanceId}", handleExecutionGet(deps.Executions))
			r.Get("/hitl/requests/{requestId}", handleHITLGet(deps.Approvals))
		})
	})

	return r
}
