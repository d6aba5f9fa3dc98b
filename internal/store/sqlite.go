package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seqlab/benchd/internal/model"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS protocols (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    version      INTEGER NOT NULL,
    description  TEXT,
    requirements TEXT NOT NULL,
    steps        TEXT NOT NULL,
    param_schema TEXT,
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    category      TEXT NOT NULL,
    status        TEXT NOT NULL,
    driver        TEXT NOT NULL,
    config        TEXT,
    mutable_props TEXT,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_category ON assets(category, status);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    protocol_id  TEXT NOT NULL,
    parameters   TEXT,
    status       TEXT NOT NULL,
    current_step INTEGER NOT NULL DEFAULT 0,
    priority     INTEGER NOT NULL DEFAULT 0,
    intervention INTEGER NOT NULL DEFAULT 0,
    error        TEXT,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    ended_at     DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);

CREATE TABLE IF NOT EXISTS control_commands (
    id        TEXT PRIMARY KEY,
    run_id    TEXT NOT NULL,
    command   TEXT NOT NULL,
    payload   TEXT,
    issued_by TEXT,
    issued_at DATETIME NOT NULL,
    consumed  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_commands_pending ON control_commands(run_id, consumed, issued_at);

CREATE TABLE IF NOT EXISTS uncertain_changes (
    id             TEXT PRIMARY KEY,
    run_id         TEXT NOT NULL,
    step_index     INTEGER NOT NULL,
    asset_id       TEXT NOT NULL,
    state_key      TEXT NOT NULL,
    property       TEXT NOT NULL,
    prior_value    TEXT,
    current_value  TEXT,
    expected_value TEXT,
    description    TEXT,
    resolution     TEXT NOT NULL DEFAULT '',
    resolved_value TEXT,
    resolved_by    TEXT,
    created_at     DATETIME NOT NULL,
    resolved_at    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_uncertain_run ON uncertain_changes(run_id, resolution);

CREATE TABLE IF NOT EXISTS audit_events (
    id      TEXT PRIMARY KEY,
    run_id  TEXT NOT NULL,
    kind    TEXT NOT NULL,
    step    INTEGER NOT NULL DEFAULT 0,
    message TEXT,
    at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id, at);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the catalog schema on an open database handle
// (see Open) and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(catalogSchema); err != nil {
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle. The handle is shared with the
// other subsystems on the same file, so close it once per process.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// encodeAny marshals an arbitrary JSON value for storage; nil stays NULL.
func encodeAny(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return string(b), nil
}

// decodeAny is the inverse of encodeAny.
func decodeAny(s sql.NullString) (any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// --- Protocols ---

// PutProtocol inserts or replaces a protocol definition. Idempotent via
// ON CONFLICT so seeding can run repeatedly.
func (s *SQLiteStore) PutProtocol(ctx context.Context, p *model.ProtocolDefinition) error {
	reqs, err := json.Marshal(p.Requirements)
	if err != nil {
		return fmt.Errorf("marshal requirements: %w", err)
	}
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO protocols (id, name, version, description, requirements, steps, param_schema, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, version = excluded.version,
		   description = excluded.description, requirements = excluded.requirements,
		   steps = excluded.steps, param_schema = excluded.param_schema`,
		p.ID, p.Name, p.Version, p.Description, string(reqs), string(steps), p.ParamSchema, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put protocol: %w", err)
	}
	return nil
}

func scanProtocol(row rowScanner) (*model.ProtocolDefinition, error) {
	p := &model.ProtocolDefinition{}
	var reqs, steps string
	var desc, schema sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &desc, &reqs, &steps, &schema, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.ParamSchema = schema.String
	if err := json.Unmarshal([]byte(reqs), &p.Requirements); err != nil {
		return nil, fmt.Errorf("unmarshal requirements: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return p, nil
}

// GetProtocol retrieves a protocol definition by ID.
func (s *SQLiteStore) GetProtocol(ctx context.Context, id string) (*model.ProtocolDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, description, requirements, steps, param_schema, created_at
		 FROM protocols WHERE id = ?`, id)
	p, err := scanProtocol(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get protocol: %w", err)
	}
	return p, nil
}

// ListProtocols returns all protocol definitions ordered by name.
func (s *SQLiteStore) ListProtocols(ctx context.Context) ([]*model.ProtocolDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, description, requirements, steps, param_schema, created_at
		 FROM protocols ORDER BY name, version`)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	defer rows.Close()

	var protocols []*model.ProtocolDefinition
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, fmt.Errorf("scan protocol: %w", err)
		}
		protocols = append(protocols, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate protocols: %w", err)
	}
	return protocols, nil
}

// --- Assets ---

// PutAsset inserts or replaces an asset record. Status is preserved on
// conflict so re-seeding never clobbers a reservation.
func (s *SQLiteStore) PutAsset(ctx context.Context, a *model.Asset) error {
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	props, err := json.Marshal(a.MutableProps)
	if err != nil {
		return fmt.Errorf("marshal mutable props: %w", err)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.AssetAvailable
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assets (id, name, category, status, driver, config, mutable_props, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, category = excluded.category, driver = excluded.driver,
		   config = excluded.config, mutable_props = excluded.mutable_props,
		   updated_at = excluded.updated_at`,
		a.ID, a.Name, a.Category, a.Status, a.Driver, string(cfg), string(props), a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put asset: %w", err)
	}
	return nil
}

func scanAsset(row rowScanner) (*model.Asset, error) {
	a := &model.Asset{}
	var cfg, props sql.NullString
	if err := row.Scan(&a.ID, &a.Name, &a.Category, &a.Status, &a.Driver, &cfg, &props, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if cfg.Valid && cfg.String != "" {
		if err := json.Unmarshal([]byte(cfg.String), &a.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if props.Valid && props.String != "" {
		if err := json.Unmarshal([]byte(props.String), &a.MutableProps); err != nil {
			return nil, fmt.Errorf("unmarshal mutable props: %w", err)
		}
	}
	return a, nil
}

// GetAsset retrieves an asset by ID.
func (s *SQLiteStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, status, driver, config, mutable_props, created_at, updated_at
		 FROM assets WHERE id = ?`, id)
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

// ListAssets returns assets ordered by ID, optionally filtered by category.
// The fixed ordering is what admission sorts on for deadlock avoidance.
func (s *SQLiteStore) ListAssets(ctx context.Context, category string) ([]*model.Asset, error) {
	query := `SELECT id, name, category, status, driver, config, mutable_props, created_at, updated_at
		 FROM assets`
	args := []any{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

// UpdateAssetStatus updates an asset's status, enforcing the asset
// transition table. Setting the current status again is a no-op.
func (s *SQLiteStore) UpdateAssetStatus(ctx context.Context, id, status string) error {
	return Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx, "SELECT status FROM assets WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read asset status: %w", err)
		}
		if current == status {
			return nil
		}
		if !model.ValidAssetTransition(current, status) {
			return fmt.Errorf("%w: asset %s: %s -> %s", ErrInvalidTransition, id, current, status)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE assets SET status = ?, updated_at = ? WHERE id = ?",
			status, time.Now().UTC(), id,
		); err != nil {
			return fmt.Errorf("update asset status: %w", err)
		}
		return tx.Commit()
	})
}

// --- Runs ---

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, protocol_id, parameters, status, current_step, priority, intervention, error, created_at, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProtocolID, string(params), r.Status, r.CurrentStep, r.Priority, r.Intervention, r.Error, r.CreatedAt, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	var params, errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.ProtocolID, &params, &r.Status, &r.CurrentStep, &r.Priority, &r.Intervention, &errMsg, &r.CreatedAt, &r.StartedAt, &r.EndedAt); err != nil {
		return nil, err
	}
	r.Error = errMsg.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &r.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	return r, nil
}

const runColumns = `id, protocol_id, parameters, status, current_step, priority, intervention, error, created_at, started_at, ended_at`

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// optionally filtered by status, along with the total matching count.
func (s *SQLiteStore) ListRuns(ctx context.Context, status string, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := ""
	args := []any{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, total, nil
}

// ListRunsByStatus returns every run in any of the given statuses, ordered
// by priority DESC then created_at ASC, the admission order.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, statuses ...string) ([]*model.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?, ", len(statuses)-1) + "?"
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status IN (`+placeholders+`) ORDER BY priority DESC, created_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs by status: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// UpdateRunStatus updates a run's status, enforcing the run transition
// table. Entering running sets started_at once; terminal statuses set
// ended_at. Setting the current status again is a no-op.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	return Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read run status: %w", err)
		}
		if current == status {
			return nil
		}
		if !model.ValidRunTransition(current, status) {
			return fmt.Errorf("%w: run %s: %s -> %s", ErrInvalidTransition, id, current, status)
		}

		now := time.Now().UTC()
		switch {
		case status == model.RunRunning:
			_, err = tx.ExecContext(ctx,
				"UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?) WHERE id = ?",
				status, now, id)
		case model.RunTerminal(status):
			_, err = tx.ExecContext(ctx,
				"UPDATE runs SET status = ?, ended_at = ? WHERE id = ?",
				status, now, id)
		default:
			_, err = tx.ExecContext(ctx,
				"UPDATE runs SET status = ? WHERE id = ?",
				status, id)
		}
		if err != nil {
			return fmt.Errorf("update run status: %w", err)
		}
		return tx.Commit()
	})
}

// UpdateRun persists a run's mutable fields. Status is deliberately left
// out: all status changes go through UpdateRunStatus so the transition
// table cannot be bypassed.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET parameters = ?, current_step = ?, priority = ?, intervention = ?, error = ?
		 WHERE id = ?`,
		string(params), r.CurrentStep, r.Priority, r.Intervention, r.Error, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats returns aggregate run statistics.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{CountByStatus: make(map[string]int)}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := tx.QueryRowContext(ctx,
		`SELECT AVG((julianday(ended_at) - julianday(started_at)) * 86400000.0)
		 FROM runs WHERE started_at IS NOT NULL AND ended_at IS NOT NULL`,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	return stats, nil
}

// --- Control commands ---

// AddCommand appends a control command to a run's command queue.
func (s *SQLiteStore) AddCommand(ctx context.Context, cmd *model.ControlCommand) error {
	payload, err := encodeAny(cmd.Payload)
	if err != nil {
		return err
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO control_commands (id, run_id, command, payload, issued_by, issued_at, consumed)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		cmd.ID, cmd.RunID, cmd.Command, payload, cmd.IssuedBy, cmd.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// NextCommand returns the oldest unconsumed control command for a run, or
// ErrNotFound when the queue is empty.
func (s *SQLiteStore) NextCommand(ctx context.Context, runID string) (*model.ControlCommand, error) {
	cmd := &model.ControlCommand{}
	var payload, issuedBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, command, payload, issued_by, issued_at
		 FROM control_commands WHERE run_id = ? AND consumed = 0
		 ORDER BY issued_at ASC, id ASC LIMIT 1`, runID,
	).Scan(&cmd.ID, &cmd.RunID, &cmd.Command, &payload, &issuedBy, &cmd.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next command: %w", err)
	}
	cmd.IssuedBy = issuedBy.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &cmd.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return cmd, nil
}

// ConsumeCommand marks a command consumed. Consuming an already-consumed or
// missing command returns ErrNotFound.
func (s *SQLiteStore) ConsumeCommand(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE control_commands SET consumed = 1 WHERE id = ? AND consumed = 0", id)
	if err != nil {
		return fmt.Errorf("consume command: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Uncertain state changes ---

// AddUncertainChanges inserts a batch of uncertain changes atomically.
func (s *SQLiteStore) AddUncertainChanges(ctx context.Context, changes []*model.UncertainStateChange) error {
	if len(changes) == 0 {
		return nil
	}
	return Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		for _, c := range changes {
			prior, err := encodeAny(c.PriorValue)
			if err != nil {
				return err
			}
			current, err := encodeAny(c.CurrentValue)
			if err != nil {
				return err
			}
			expected, err := encodeAny(c.ExpectedValue)
			if err != nil {
				return err
			}
			if c.CreatedAt.IsZero() {
				c.CreatedAt = time.Now().UTC()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO uncertain_changes
				   (id, run_id, step_index, asset_id, state_key, property,
				    prior_value, current_value, expected_value, description, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.RunID, c.StepIndex, c.AssetID, c.StateKey, c.Property,
				prior, current, expected, c.Description, c.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert uncertain change: %w", err)
			}
		}
		return tx.Commit()
	})
}

func scanChange(row rowScanner) (*model.UncertainStateChange, error) {
	c := &model.UncertainStateChange{}
	var prior, current, expected, desc, resolved, resolvedBy sql.NullString
	if err := row.Scan(
		&c.ID, &c.RunID, &c.StepIndex, &c.AssetID, &c.StateKey, &c.Property,
		&prior, &current, &expected, &desc, &c.Resolution, &resolved, &resolvedBy,
		&c.CreatedAt, &c.ResolvedAt,
	); err != nil {
		return nil, err
	}
	c.Description = desc.String
	c.ResolvedBy = resolvedBy.String
	var err error
	if c.PriorValue, err = decodeAny(prior); err != nil {
		return nil, err
	}
	if c.CurrentValue, err = decodeAny(current); err != nil {
		return nil, err
	}
	if c.ExpectedValue, err = decodeAny(expected); err != nil {
		return nil, err
	}
	if c.ResolvedValue, err = decodeAny(resolved); err != nil {
		return nil, err
	}
	return c, nil
}

const changeColumns = `id, run_id, step_index, asset_id, state_key, property,
	prior_value, current_value, expected_value, description, resolution, resolved_value, resolved_by,
	created_at, resolved_at`

// GetUncertainChange retrieves an uncertain change by ID.
func (s *SQLiteStore) GetUncertainChange(ctx context.Context, id string) (*model.UncertainStateChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM uncertain_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get uncertain change: %w", err)
	}
	return c, nil
}

// ListUncertainChanges returns a run's uncertain changes oldest-first,
// optionally restricted to unresolved entries.
func (s *SQLiteStore) ListUncertainChanges(ctx context.Context, runID string, unresolvedOnly bool) ([]*model.UncertainStateChange, error) {
	query := `SELECT ` + changeColumns + ` FROM uncertain_changes WHERE run_id = ?`
	if unresolvedOnly {
		query += ` AND resolution = ''`
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list uncertain changes: %w", err)
	}
	defer rows.Close()

	var changes []*model.UncertainStateChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan uncertain change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uncertain changes: %w", err)
	}
	return changes, nil
}

// ResolveUncertainChange records the verdict for an uncertain change. A
// change can be resolved exactly once; re-resolving returns
// ErrAlreadyResolved. The row becomes the immutable resolution log entry.
func (s *SQLiteStore) ResolveUncertainChange(ctx context.Context, id, resolution string, value any, resolvedBy string) error {
	resolved, err := encodeAny(value)
	if err != nil {
		return err
	}
	return Retry(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var current string
		err = tx.QueryRowContext(ctx, "SELECT resolution FROM uncertain_changes WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read resolution: %w", err)
		}
		if current != "" {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, id)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE uncertain_changes
			 SET resolution = ?, resolved_value = ?, resolved_by = ?, resolved_at = ?
			 WHERE id = ?`,
			resolution, resolved, resolvedBy, time.Now().UTC(), id,
		); err != nil {
			return fmt.Errorf("resolve uncertain change: %w", err)
		}
		return tx.Commit()
	})
}

// --- Audit trail ---

// AppendAudit appends an audit event. The table is append-only.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *model.AuditEvent) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, run_id, kind, step, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.Kind, e.Step, e.Message, e.At,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns a run's audit trail oldest-first.
func (s *SQLiteStore) ListAudit(ctx context.Context, runID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, step, message, at FROM audit_events
		 WHERE run_id = ? ORDER BY at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var msg sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Kind, &e.Step, &msg, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Message = msg.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
