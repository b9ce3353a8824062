package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sequencer/model"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sequence_executions (
	id              TEXT PRIMARY KEY,
	sequence_id     TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	state           JSONB NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sequence_executions_org_idx
	ON sequence_executions (organization_id, created_at DESC);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id              TEXT PRIMARY KEY,
	execution_id    TEXT NOT NULL,
	sequence_key    TEXT NOT NULL,
	step_index      INTEGER NOT NULL,
	timing          TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	requested_by    TEXT NOT NULL,
	assigned_to     TEXT NOT NULL DEFAULT '',
	request_type    TEXT NOT NULL,
	prompt          TEXT NOT NULL,
	options         JSONB,
	default_value   JSONB,
	channels        JSONB,
	slack_channel_id TEXT NOT NULL DEFAULT '',
	timeout_action  TEXT NOT NULL,
	status          TEXT NOT NULL,
	response        TEXT NOT NULL DEFAULT '',
	responded_by    TEXT NOT NULL DEFAULT '',
	responded_at    TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS hitl_requests_pending_idx
	ON hitl_requests (expires_at) WHERE status = 'pending';
`

// PostgresStore is a PostgreSQL-backed Store using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreateExecution inserts the initial record of a run.
func (s *PostgresStore) CreateExecution(ctx context.Context, state *model.SequenceState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sequence_executions (
			id, sequence_id, organization_id, status, state, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		state.InstanceID, state.SequenceID, state.OrganizationID, state.Status,
		stateJSON, state.Version, state.StartedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// SaveCheckpoint overwrites the stored state with optimistic locking.
func (s *PostgresStore) SaveCheckpoint(ctx context.Context, state *model.SequenceState) error {
	stored := *state
	stored.Version = state.Version + 1
	stateJSON, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sequence_executions SET
			status = $1,
			state = $2,
			version = $3,
			updated_at = $4
		WHERE id = $5 AND version = $6`,
		state.Status, stateJSON, stored.Version, time.Now().UTC(),
		state.InstanceID, state.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", state.InstanceID, state.Version),
		)
	}
	return nil
}

// GetExecution retrieves a run by instance ID.
func (s *PostgresStore) GetExecution(ctx context.Context, instanceID string) (*model.SequenceState, error) {
	var stateJSON []byte
	var version int

	err := s.pool.QueryRow(ctx, `
		SELECT state, version FROM sequence_executions WHERE id = $1`,
		instanceID,
	).Scan(&stateJSON, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", instanceID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	var state model.SequenceState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	state.Version = version
	return &state, nil
}

// ListExecutions returns runs for an organization, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, organizationID string, filters ExecutionFilters) ([]*model.SequenceState, error) {
	query := `SELECT state, version FROM sequence_executions WHERE organization_id = $1`
	args := []any{organizationID}
	argIdx := 2

	if filters.SequenceID != "" {
		query += fmt.Sprintf(" AND sequence_id = $%d", argIdx)
		args = append(args, filters.SequenceID)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*model.SequenceState
	for rows.Next() {
		var stateJSON []byte
		var version int
		if err := rows.Scan(&stateJSON, &version); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var state model.SequenceState
		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		state.Version = version
		out = append(out, &state)
	}
	return out, rows.Err()
}

// CreateHITLRequest inserts a new pending request.
func (s *PostgresStore) CreateHITLRequest(ctx context.Context, req model.HITLRequest) error {
	cols, err := marshalHITLColumns(req)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO hitl_requests (
			id, execution_id, sequence_key, step_index, timing,
			organization_id, requested_by, assigned_to, request_type, prompt,
			options, default_value, channels, slack_channel_id, timeout_action,
			status, created_at, expires_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18
		)`,
		req.ID, req.ExecutionID, req.SequenceKey, req.StepIndex, req.Timing,
		req.OrganizationID, req.RequestedBy, req.AssignedTo, req.RequestType, req.Prompt,
		cols.options, cols.defaultValue, cols.channels, req.SlackChannelID, req.TimeoutAction,
		req.Status, req.CreatedAt, req.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

const pgHITLColumns = `id, execution_id, sequence_key, step_index, timing,
	organization_id, requested_by, assigned_to, request_type, prompt,
	options, default_value, channels, slack_channel_id, timeout_action,
	status, response, responded_by, responded_at, created_at, expires_at`

// GetHITLRequest retrieves a request by ID.
func (s *PostgresStore) GetHITLRequest(ctx context.Context, requestID string) (model.HITLRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgHITLColumns+` FROM hitl_requests WHERE id = $1`, requestID)
	req, err := scanPgHITL(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.HITLRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	return req, err
}

// ResolveHITLRequest moves a pending request to a terminal status. The
// status guard in the WHERE clause makes the transition happen exactly once.
func (s *PostgresStore) ResolveHITLRequest(ctx context.Context, requestID string, res Resolution) (model.HITLRequest, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE hitl_requests SET
			status = $1,
			response = $2,
			responded_by = $3,
			responded_at = $4
		WHERE id = $5 AND status = 'pending'
		RETURNING `+pgHITLColumns,
		res.Status, res.Response, res.RespondedBy, res.RespondedAt.UTC(), requestID,
	)
	req, err := scanPgHITL(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetHITLRequest(ctx, requestID)
		if getErr != nil {
			return model.HITLRequest{}, getErr
		}
		return existing, model.NewHITLAlreadyResolvedError(requestID, existing.Status)
	}
	return req, err
}

// FindExpiredHITLRequests returns pending requests that expired before cutoff.
func (s *PostgresStore) FindExpiredHITLRequests(ctx context.Context, cutoff time.Time) ([]model.HITLRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgHITLColumns+`
		FROM hitl_requests
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired approval requests: %w", err)
	}
	defer rows.Close()

	var out []model.HITLRequest
	for rows.Next() {
		req, err := scanPgHITL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// HealthCheck pings the pool.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgHITL(row pgx.Row) (model.HITLRequest, error) {
	var req model.HITLRequest
	var cols hitlJSONColumns
	err := row.Scan(
		&req.ID, &req.ExecutionID, &req.SequenceKey, &req.StepIndex, &req.Timing,
		&req.OrganizationID, &req.RequestedBy, &req.AssignedTo, &req.RequestType, &req.Prompt,
		&cols.options, &cols.defaultValue, &cols.channels, &req.SlackChannelID, &req.TimeoutAction,
		&req.Status, &req.Response, &req.RespondedBy, &req.RespondedAt, &req.CreatedAt, &req.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return req, err
		}
		return req, fmt.Errorf("scan approval request: %w", err)
	}
	if err := cols.unmarshalInto(&req); err != nil {
		return req, err
	}
	return req, nil
}
