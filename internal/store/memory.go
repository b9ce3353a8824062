package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/sequencer/model"
)

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*model.SequenceState // key: instance ID
	requests   map[string]model.HITLRequest    // key: request ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*model.SequenceState),
		requests:   make(map[string]model.HITLRequest),
	}
}

// CreateExecution persists the initial record of a run.
func (s *MemoryStore) CreateExecution(_ context.Context, state *model.SequenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[state.InstanceID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", state.InstanceID),
		)
	}
	s.executions[state.InstanceID] = state.Clone()
	return nil
}

// SaveCheckpoint overwrites the stored record with optimistic locking.
func (s *MemoryStore) SaveCheckpoint(_ context.Context, state *model.SequenceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[state.InstanceID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", state.InstanceID),
		)
	}
	if existing.Version != state.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", state.InstanceID, state.Version, existing.Version),
		)
	}

	stored := state.Clone()
	stored.Version++
	s.executions[state.InstanceID] = stored
	return nil
}

// GetExecution retrieves a run by instance ID.
func (s *MemoryStore) GetExecution(_ context.Context, instanceID string) (*model.SequenceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.executions[instanceID]
	if !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", instanceID),
		)
	}
	return state.Clone(), nil
}

// ListExecutions returns runs for an organization, newest first.
func (s *MemoryStore) ListExecutions(_ context.Context, organizationID string, filters ExecutionFilters) ([]*model.SequenceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SequenceState
	for _, state := range s.executions {
		if state.OrganizationID != organizationID {
			continue
		}
		if filters.SequenceID != "" && state.SequenceID != filters.SequenceID {
			continue
		}
		if filters.Status != "" && state.Status != filters.Status {
			continue
		}
		out = append(out, state.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// CreateHITLRequest persists a new pending request.
func (s *MemoryStore) CreateHITLRequest(_ context.Context, req model.HITLRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.requests[req.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("approval request %q already exists", req.ID),
		)
	}
	s.requests[req.ID] = req
	return nil
}

// GetHITLRequest retrieves a request by ID.
func (s *MemoryStore) GetHITLRequest(_ context.Context, requestID string) (model.HITLRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[requestID]
	if !exists {
		return model.HITLRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	return req, nil
}

// ResolveHITLRequest moves a pending request to a terminal status.
func (s *MemoryStore) ResolveHITLRequest(_ context.Context, requestID string, res Resolution) (model.HITLRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, exists := s.requests[requestID]
	if !exists {
		return model.HITLRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	if req.IsTerminal() {
		return req, model.NewHITLAlreadyResolvedError(requestID, req.Status)
	}

	at := res.RespondedAt.UTC()
	req.Status = res.Status
	req.Response = res.Response
	req.RespondedBy = res.RespondedBy
	req.RespondedAt = &at
	s.requests[requestID] = req
	return req, nil
}

// FindExpiredHITLRequests returns pending requests that expired before cutoff.
func (s *MemoryStore) FindExpiredHITLRequests(_ context.Context, cutoff time.Time) ([]model.HITLRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.HITLRequest
	for _, req := range s.requests {
		if req.Status == model.HITLStatusPending && req.ExpiresAt.Before(cutoff) {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored executions. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}
