package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/pitabwire/sequencer/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sequence_executions (
	id              TEXT PRIMARY KEY,
	sequence_id     TEXT NOT NULL,
	organization_id TEXT NOT NULL,
	status          TEXT NOT NULL,
	state           TEXT NOT NULL,
	version         INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sequence_executions_org_idx
	ON sequence_executions (organization_id, created_at);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id               TEXT PRIMARY KEY,
	execution_id     TEXT NOT NULL,
	sequence_key     TEXT NOT NULL,
	step_index       INTEGER NOT NULL,
	timing           TEXT NOT NULL,
	organization_id  TEXT NOT NULL,
	requested_by     TEXT NOT NULL,
	assigned_to      TEXT NOT NULL DEFAULT '',
	request_type     TEXT NOT NULL,
	prompt           TEXT NOT NULL,
	options          TEXT,
	default_value    TEXT,
	channels         TEXT,
	slack_channel_id TEXT NOT NULL DEFAULT '',
	timeout_action   TEXT NOT NULL,
	status           TEXT NOT NULL,
	response         TEXT NOT NULL DEFAULT '',
	responded_by     TEXT NOT NULL DEFAULT '',
	responded_at     INTEGER,
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS hitl_requests_expiry_idx
	ON hitl_requests (status, expires_at);
`

// SQLiteStore is an embedded Store backed by modernc.org/sqlite. Timestamps
// are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// on one handle.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// CreateExecution inserts the initial record of a run.
func (s *SQLiteStore) CreateExecution(ctx context.Context, state *model.SequenceState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sequence_executions (
			id, sequence_id, organization_id, status, state, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.InstanceID, state.SequenceID, state.OrganizationID, state.Status,
		string(stateJSON), state.Version, state.StartedAt.UnixNano(), state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// SaveCheckpoint overwrites the stored state with optimistic locking.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, state *model.SequenceState) error {
	stored := *state
	stored.Version = state.Version + 1
	stateJSON, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sequence_executions SET status = ?, state = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		state.Status, string(stateJSON), stored.Version, time.Now().UTC().UnixNano(),
		state.InstanceID, state.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if n == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", state.InstanceID, state.Version),
		)
	}
	return nil
}

// GetExecution retrieves a run by instance ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, instanceID string) (*model.SequenceState, error) {
	var stateJSON string
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT state, version FROM sequence_executions WHERE id = ?`, instanceID,
	).Scan(&stateJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", instanceID),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query execution: %w", err)
	}

	var state model.SequenceState
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	state.Version = version
	return &state, nil
}

// ListExecutions returns runs for an organization, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, organizationID string, filters ExecutionFilters) ([]*model.SequenceState, error) {
	query := `SELECT state, version FROM sequence_executions WHERE organization_id = ?`
	args := []any{organizationID}
	if filters.SequenceID != "" {
		query += " AND sequence_id = ?"
		args = append(args, filters.SequenceID)
	}
	if filters.Status != "" {
		query += " AND status = ?"
		args = append(args, filters.Status)
	}
	query += " ORDER BY created_at DESC"
	if filters.Limit > 0 || filters.Offset > 0 {
		limit := filters.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []*model.SequenceState
	for rows.Next() {
		var stateJSON string
		var version int
		if err := rows.Scan(&stateJSON, &version); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		var state model.SequenceState
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
		state.Version = version
		out = append(out, &state)
	}
	return out, rows.Err()
}

// CreateHITLRequest inserts a new pending request.
func (s *SQLiteStore) CreateHITLRequest(ctx context.Context, req model.HITLRequest) error {
	cols, err := marshalHITLColumns(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO hitl_requests (
			id, execution_id, sequence_key, step_index, timing,
			organization_id, requested_by, assigned_to, request_type, prompt,
			options, default_value, channels, slack_channel_id, timeout_action,
			status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ExecutionID, req.SequenceKey, req.StepIndex, req.Timing,
		req.OrganizationID, req.RequestedBy, req.AssignedTo, req.RequestType, req.Prompt,
		string(cols.options), string(cols.defaultValue), string(cols.channels), req.SlackChannelID, req.TimeoutAction,
		req.Status, req.CreatedAt.UnixNano(), req.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert approval request: %w", err)
	}
	return nil
}

const sqliteHITLColumns = `id, execution_id, sequence_key, step_index, timing,
	organization_id, requested_by, assigned_to, request_type, prompt,
	options, default_value, channels, slack_channel_id, timeout_action,
	status, response, responded_by, responded_at, created_at, expires_at`

// GetHITLRequest retrieves a request by ID.
func (s *SQLiteStore) GetHITLRequest(ctx context.Context, requestID string) (model.HITLRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteHITLColumns+` FROM hitl_requests WHERE id = ?`, requestID)
	req, err := scanSQLiteHITL(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HITLRequest{}, model.NewNotFoundError(
			fmt.Sprintf("approval request %q not found", requestID),
		)
	}
	return req, err
}

// ResolveHITLRequest moves a pending request to a terminal status.
func (s *SQLiteStore) ResolveHITLRequest(ctx context.Context, requestID string, res Resolution) (model.HITLRequest, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE hitl_requests SET status = ?, response = ?, responded_by = ?, responded_at = ?
		WHERE id = ? AND status = 'pending'`,
		res.Status, res.Response, res.RespondedBy, res.RespondedAt.UTC().UnixNano(), requestID,
	)
	if err != nil {
		return model.HITLRequest{}, fmt.Errorf("resolve approval request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return model.HITLRequest{}, fmt.Errorf("resolve approval request: %w", err)
	}

	req, err := s.GetHITLRequest(ctx, requestID)
	if err != nil {
		return model.HITLRequest{}, err
	}
	if n == 0 {
		return req, model.NewHITLAlreadyResolvedError(requestID, req.Status)
	}
	return req, nil
}

// FindExpiredHITLRequests returns pending requests that expired before cutoff.
func (s *SQLiteStore) FindExpiredHITLRequests(ctx context.Context, cutoff time.Time) ([]model.HITLRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteHITLColumns+`
		FROM hitl_requests
		WHERE status = 'pending' AND expires_at < ?
		ORDER BY expires_at ASC`,
		cutoff.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired approval requests: %w", err)
	}
	defer rows.Close()

	var out []model.HITLRequest
	for rows.Next() {
		req, err := scanSQLiteHITL(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteHITL(row rowScanner) (model.HITLRequest, error) {
	var (
		req                       model.HITLRequest
		options, defVal, channels sql.NullString
		respondedAt               sql.NullInt64
		createdAt, expiresAt      int64
	)
	err := row.Scan(
		&req.ID, &req.ExecutionID, &req.SequenceKey, &req.StepIndex, &req.Timing,
		&req.OrganizationID, &req.RequestedBy, &req.AssignedTo, &req.RequestType, &req.Prompt,
		&options, &defVal, &channels, &req.SlackChannelID, &req.TimeoutAction,
		&req.Status, &req.Response, &req.RespondedBy, &respondedAt, &createdAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return req, err
		}
		return req, fmt.Errorf("scan approval request: %w", err)
	}

	req.CreatedAt = time.Unix(0, createdAt).UTC()
	req.ExpiresAt = time.Unix(0, expiresAt).UTC()
	if respondedAt.Valid {
		t := time.Unix(0, respondedAt.Int64).UTC()
		req.RespondedAt = &t
	}

	cols := hitlJSONColumns{
		options:      []byte(options.String),
		defaultValue: []byte(defVal.String),
		channels:     []byte(channels.String),
	}
	if err := cols.unmarshalInto(&req); err != nil {
		return req, err
	}
	return req, nil
}
