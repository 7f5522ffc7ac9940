package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/play-engine/types"
)

// Schema creates the tables used by PgStorage. The unique constraints carry the
// at-most-once guarantees for gate activation and decisions.
const Schema = `
CREATE TABLE IF NOT EXISTS plays (
	id          TEXT PRIMARY KEY,
	definition  JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS approval_templates (
	id          TEXT PRIMARY KEY,
	definition  JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS node_states (
	workstream_id   TEXT NOT NULL,
	node_id         TEXT NOT NULL,
	play_id         TEXT NOT NULL,
	status          TEXT NOT NULL,
	outputs         JSONB,
	pending_action  JSONB,
	error           TEXT NOT NULL DEFAULT '',
	skipped         BOOLEAN NOT NULL DEFAULT FALSE,
	attempts        INTEGER NOT NULL DEFAULT 0,
	version         INTEGER NOT NULL,
	due_at          TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ,
	PRIMARY KEY (workstream_id, play_id, node_id)
);

CREATE TABLE IF NOT EXISTS approval_records (
	id             BIGINT PRIMARY KEY,
	workstream_id  TEXT NOT NULL,
	template_id    TEXT NOT NULL,
	play_id        TEXT NOT NULL DEFAULT '',
	node_id        TEXT NOT NULL DEFAULT '',
	position       INTEGER NOT NULL,
	status         TEXT NOT NULL,
	approvers      JSONB NOT NULL,
	mode           TEXT NOT NULL,
	threshold      TEXT NOT NULL,
	minimum        INTEGER NOT NULL DEFAULT 0,
	percentage     INTEGER NOT NULL DEFAULT 0,
	auto_approved  BOOLEAN NOT NULL DEFAULT FALSE,
	reason         TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	resolved_at    TIMESTAMPTZ,
	due_at         TIMESTAMPTZ,
	UNIQUE (workstream_id, position)
);

CREATE TABLE IF NOT EXISTS approval_decisions (
	id           BIGINT PRIMARY KEY,
	approval_id  BIGINT NOT NULL REFERENCES approval_records (id),
	decided_by   TEXT NOT NULL,
	decision     TEXT NOT NULL,
	reasoning    TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS approval_decisions_final
	ON approval_decisions (approval_id, decided_by)
	WHERE decision <> 'changes_requested';
`

const uniqueViolation = "23505"

// PgStorage is a PostgreSQL-backed Storage using pgx/v5.
type PgStorage struct {
	pool *pgxpool.Pool
}

// NewPgStorage creates a new PostgreSQL store.
func NewPgStorage(pool *pgxpool.Pool) *PgStorage {
	return &PgStorage{pool: pool}
}

// OpenPostgres connects a pool to dsn and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate creates the schema if it does not exist.
func (s *PgStorage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullableJSON marshals v, returning nil for nil values so the column stays NULL.
func nullableJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if t == nil {
			return nil, nil
		}
	case *types.PendingAction:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

// SavePlay upserts a play definition.
func (s *PgStorage) SavePlay(ctx context.Context, play types.Play) error {
	def, err := json.Marshal(play)
	if err != nil {
		return fmt.Errorf("marshal play: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO plays (id, definition, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		play.ID, def, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert play: %w", err)
	}
	return nil
}

// LoadPlayGraph retrieves a play definition.
func (s *PgStorage) LoadPlayGraph(ctx context.Context, playID string) (types.Play, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM plays WHERE id = $1`, playID).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Play{}, fmt.Errorf("%w: play %s", types.ErrNotFound, playID)
	}
	if err != nil {
		return types.Play{}, fmt.Errorf("query play: %w", err)
	}
	var play types.Play
	if err := json.Unmarshal(def, &play); err != nil {
		return types.Play{}, fmt.Errorf("unmarshal play: %w", err)
	}
	return play, nil
}

// SaveTemplate upserts an approval template.
func (s *PgStorage) SaveTemplate(ctx context.Context, tpl types.ApprovalTemplate) error {
	def, err := json.Marshal(tpl)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_templates (id, definition, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = EXCLUDED.updated_at`,
		tpl.ID, def, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert template: %w", err)
	}
	return nil
}

// LoadApprovalSequence returns the routes of a template ordered by position.
func (s *PgStorage) LoadApprovalSequence(ctx context.Context, templateID string) ([]types.ApprovalRoute, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM approval_templates WHERE id = $1`, templateID).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: approval template %s", types.ErrNotFound, templateID)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	var tpl types.ApprovalTemplate
	if err := json.Unmarshal(def, &tpl); err != nil {
		return nil, fmt.Errorf("unmarshal template: %w", err)
	}
	return sortRoutes(tpl.Routes), nil
}

const stateColumns = `workstream_id, node_id, play_id, status, outputs, pending_action, error,
	skipped, attempts, version, due_at, created_at, updated_at, completed_at`

func scanState(row pgx.Row) (types.NodeExecutionState, error) {
	var st types.NodeExecutionState
	var status string
	var outputs, pending []byte
	err := row.Scan(
		&st.WorkstreamID, &st.NodeID, &st.PlayID, &status, &outputs, &pending, &st.Error,
		&st.Skipped, &st.Attempts, &st.Version, &st.DueAt, &st.CreatedAt, &st.UpdatedAt, &st.CompletedAt,
	)
	if err != nil {
		return st, err
	}
	st.Status = types.NodeStatus(status)
	if outputs != nil {
		if err := json.Unmarshal(outputs, &st.Outputs); err != nil {
			return st, fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if pending != nil {
		if err := json.Unmarshal(pending, &st.PendingAction); err != nil {
			return st, fmt.Errorf("unmarshal pending action: %w", err)
		}
	}
	return st, nil
}

// LoadStates returns every state of a workstream for a play.
func (s *PgStorage) LoadStates(ctx context.Context, workstreamID, playID string) ([]types.NodeExecutionState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stateColumns+`
		FROM node_states WHERE workstream_id = $1 AND play_id = $2 ORDER BY node_id`,
		workstreamID, playID,
	)
	if err != nil {
		return nil, fmt.Errorf("query node states: %w", err)
	}
	defer rows.Close()

	var out []types.NodeExecutionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetState returns the state of one node.
func (s *PgStorage) GetState(ctx context.Context, workstreamID, playID, nodeID string) (types.NodeExecutionState, error) {
	st, err := scanState(s.pool.QueryRow(ctx, `SELECT `+stateColumns+`
		FROM node_states WHERE workstream_id = $1 AND play_id = $2 AND node_id = $3`,
		workstreamID, playID, nodeID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NodeExecutionState{}, fmt.Errorf("%w: node state %s/%s/%s", types.ErrNotFound, workstreamID, playID, nodeID)
	}
	if err != nil {
		return types.NodeExecutionState{}, fmt.Errorf("query node state: %w", err)
	}
	return st, nil
}

// SaveState inserts a new state or updates an existing one with optimistic locking.
func (s *PgStorage) SaveState(ctx context.Context, st types.NodeExecutionState) (types.NodeExecutionState, error) {
	outputs, err := nullableJSON(st.Outputs)
	if err != nil {
		return st, fmt.Errorf("marshal outputs: %w", err)
	}
	pending, err := nullableJSON(st.PendingAction)
	if err != nil {
		return st, fmt.Errorf("marshal pending action: %w", err)
	}

	var tag pgconn.CommandTag
	if st.Version == 0 {
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO node_states (`+stateColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11, $12, $13)
			ON CONFLICT (workstream_id, play_id, node_id) DO NOTHING`,
			st.WorkstreamID, st.NodeID, st.PlayID, string(st.Status), outputs, pending, st.Error,
			st.Skipped, st.Attempts, st.DueAt, st.CreatedAt, st.UpdatedAt, st.CompletedAt,
		)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE node_states SET
				status = $4, outputs = $5, pending_action = $6, error = $7,
				skipped = $8, attempts = $9, version = version + 1, due_at = $10,
				updated_at = $11, completed_at = $12
			WHERE workstream_id = $1 AND node_id = $2 AND play_id = $3 AND version = $13`,
			st.WorkstreamID, st.NodeID, st.PlayID, string(st.Status), outputs, pending, st.Error,
			st.Skipped, st.Attempts, st.DueAt, st.UpdatedAt, st.CompletedAt, st.Version,
		)
	}
	if err != nil {
		return st, fmt.Errorf("save node state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return st, fmt.Errorf("%w: node %s/%s/%s version conflict (expected %d)",
			types.ErrConflict, st.WorkstreamID, st.PlayID, st.NodeID, st.Version)
	}
	st.Version++
	return st, nil
}

const recordColumns = `id, workstream_id, template_id, play_id, node_id, position, status, approvers,
	mode, threshold, minimum, percentage, auto_approved, reason, created_at, updated_at, resolved_at, due_at`

func scanRecord(row pgx.Row) (types.ApprovalRecord, error) {
	var rec types.ApprovalRecord
	var id int64
	var status, mode, threshold string
	var approvers []byte
	err := row.Scan(
		&id, &rec.WorkstreamID, &rec.TemplateID, &rec.PlayID, &rec.NodeID, &rec.Position, &status, &approvers,
		&mode, &threshold, &rec.Minimum, &rec.Percentage, &rec.AutoApproved, &rec.Reason,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt, &rec.DueAt,
	)
	if err != nil {
		return rec, err
	}
	rec.ID = uint64(id)
	rec.Status = types.ApprovalStatus(status)
	rec.Mode = types.ApprovalMode(mode)
	rec.Threshold = types.Threshold(threshold)
	if err := json.Unmarshal(approvers, &rec.Approvers); err != nil {
		return rec, fmt.Errorf("unmarshal approvers: %w", err)
	}
	return rec, nil
}

// CreateRecord inserts an approval record; the (workstream, position) constraint rejects
// a second activation of the same gate.
func (s *PgStorage) CreateRecord(ctx context.Context, rec types.ApprovalRecord) error {
	approvers, err := json.Marshal(append([]string{}, rec.Approvers...))
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO approval_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		int64(rec.ID), rec.WorkstreamID, rec.TemplateID, rec.PlayID, rec.NodeID, rec.Position,
		string(rec.Status), approvers, string(rec.Mode), string(rec.Threshold), rec.Minimum, rec.Percentage,
		rec.AutoApproved, rec.Reason, rec.CreatedAt, rec.UpdatedAt, rec.ResolvedAt, rec.DueAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: gate %d of workstream %s already activated", types.ErrConflict, rec.Position, rec.WorkstreamID)
	}
	if err != nil {
		return fmt.Errorf("insert approval record: %w", err)
	}
	return nil
}

// GetRecord retrieves an approval record.
func (s *PgStorage) GetRecord(ctx context.Context, id uint64) (types.ApprovalRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM approval_records WHERE id = $1`, int64(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ApprovalRecord{}, fmt.Errorf("%w: approval %d", types.ErrNotFound, id)
	}
	if err != nil {
		return types.ApprovalRecord{}, fmt.Errorf("query approval record: %w", err)
	}
	return rec, nil
}

// ListRecords returns the records of a workstream ordered by position.
func (s *PgStorage) ListRecords(ctx context.Context, workstreamID string) ([]types.ApprovalRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+`
		FROM approval_records WHERE workstream_id = $1 ORDER BY position`, workstreamID)
	if err != nil {
		return nil, fmt.Errorf("query approval records: %w", err)
	}
	defer rows.Close()

	var out []types.ApprovalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateRecordStatus replaces the mutable fields of rec when its stored status equals expected.
func (s *PgStorage) UpdateRecordStatus(ctx context.Context, rec types.ApprovalRecord, expected types.ApprovalStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_records SET
			status = $2, auto_approved = $3, reason = $4, updated_at = $5, resolved_at = $6
		WHERE id = $1 AND status = $7`,
		int64(rec.ID), string(rec.Status), rec.AutoApproved, rec.Reason, rec.UpdatedAt, rec.ResolvedAt, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update approval record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: approval %d is no longer %s", types.ErrConflict, rec.ID, expected)
	}
	return nil
}

// AppendDecision inserts a decision while its record is open. The row lock on the
// record orders the insert against a concurrent status update; the (approval, user)
// constraint rejects duplicates.
func (s *PgStorage) AppendDecision(ctx context.Context, d types.ApprovalDecision) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO approval_decisions (id, approval_id, decided_by, decision, reasoning, created_at)
		SELECT $1::bigint, $2::bigint, $3::text, $4::text, $5::text, $6::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM approval_records
			WHERE id = $2::bigint AND status IN ('pending', 'changes_requested')
			FOR SHARE
		)`,
		int64(d.ID), int64(d.ApprovalID), d.DecidedBy, string(d.Decision), d.Reasoning, d.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s already decided on approval %d", types.ErrConflict, d.DecidedBy, d.ApprovalID)
	}
	if err != nil {
		return fmt.Errorf("insert approval decision: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM approval_records WHERE id = $1`, int64(d.ApprovalID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: approval %d", types.ErrNotFound, d.ApprovalID)
	}
	if err != nil {
		return fmt.Errorf("query approval record: %w", err)
	}
	return fmt.Errorf("%w: approval %d is %s", ErrRecordResolved, d.ApprovalID, status)
}

// ListDecisions returns the decisions of a record in insertion order.
func (s *PgStorage) ListDecisions(ctx context.Context, approvalID uint64) ([]types.ApprovalDecision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, approval_id, decided_by, decision, reasoning, created_at
		FROM approval_decisions WHERE approval_id = $1 ORDER BY created_at, id`, int64(approvalID))
	if err != nil {
		return nil, fmt.Errorf("query approval decisions: %w", err)
	}
	defer rows.Close()

	var out []types.ApprovalDecision
	for rows.Next() {
		var d types.ApprovalDecision
		var id, approval int64
		var decision string
		if err := rows.Scan(&id, &approval, &d.DecidedBy, &decision, &d.Reasoning, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval decision: %w", err)
		}
		d.ID, d.ApprovalID, d.Decision = uint64(id), uint64(approval), types.Decision(decision)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PgStorage) Close() {
	s.pool.Close()
}
