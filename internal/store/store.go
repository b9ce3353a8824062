// Package store persists execution checkpoints and HITL approval requests.
package store

import (
	"context"
	"time"

	"github.com/pitabwire/sequencer/model"
)

// ExecutionStore persists SequenceState checkpoints.
type ExecutionStore interface {
	// CreateExecution persists the initial record of a run. Returns
	// CONFLICT if the instance ID already exists.
	CreateExecution(ctx context.Context, state *model.SequenceState) error

	// SaveCheckpoint overwrites the stored record with optimistic locking.
	// state.Version must match the stored version; the stored version is
	// incremented. Returns CONFLICT if the version has changed.
	SaveCheckpoint(ctx context.Context, state *model.SequenceState) error

	// GetExecution retrieves a run by instance ID. Returns NOT_FOUND if it
	// does not exist.
	GetExecution(ctx context.Context, instanceID string) (*model.SequenceState, error)

	// ListExecutions returns runs for an organization, newest first.
	ListExecutions(ctx context.Context, organizationID string, filters ExecutionFilters) ([]*model.SequenceState, error)
}

// HITLStore persists approval requests.
type HITLStore interface {
	// CreateHITLRequest persists a new pending request.
	CreateHITLRequest(ctx context.Context, req model.HITLRequest) error

	// GetHITLRequest retrieves a request by ID. Returns NOT_FOUND if it does
	// not exist.
	GetHITLRequest(ctx context.Context, requestID string) (model.HITLRequest, error)

	// ResolveHITLRequest moves a pending request to a terminal status.
	// Returns HITL_ALREADY_RESOLVED if the request is no longer pending.
	ResolveHITLRequest(ctx context.Context, requestID string, res Resolution) (model.HITLRequest, error)

	// FindExpiredHITLRequests returns pending requests whose expires_at is
	// before the given cutoff.
	FindExpiredHITLRequests(ctx context.Context, cutoff time.Time) ([]model.HITLRequest, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	ExecutionStore
	HITLStore

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Resolution is the terminal outcome written onto a HITL request.
type Resolution struct {
	Status      string
	Response    string
	RespondedBy string
	RespondedAt time.Time
}

// ExecutionFilters are optional filters for listing runs.
type ExecutionFilters struct {
	SequenceID string
	Status     string
	Limit      int
	Offset     int
}
