package runstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seqlab/benchd/internal/store"
)

const runStateSchema = `
CREATE TABLE IF NOT EXISTS run_state (
    run_id     TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, key)
);
`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store on the shared SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore initializes the run-state schema on an open database handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(runStateSchema); err != nil {
		return nil, fmt.Errorf("create run state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, runID, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal run state value: %w", err)
	}
	return store.Retry(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO run_state (run_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(run_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			runID, key, string(b), time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("set run state: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) raw(ctx context.Context, runID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM run_state WHERE run_id = ? AND key = ?`, runID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: run %s key %s", ErrNotFound, runID, key)
	}
	if err != nil {
		return "", fmt.Errorf("get run state: %w", err)
	}
	return value, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, runID, key string) (any, error) {
	raw, err := s.raw(ctx, runID, key)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("unmarshal run state value: %w", err)
	}
	return v, nil
}

// GetJSON implements Store.
func (s *SQLiteStore) GetJSON(ctx context.Context, runID, key string, dest any) error {
	raw, err := s.raw(ctx, runID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("unmarshal run state value: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, runID, key string) error {
	return store.Retry(func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM run_state WHERE run_id = ? AND key = ?`, runID, key)
		if err != nil {
			return fmt.Errorf("delete run state: %w", err)
		}
		return nil
	})
}

// Keys implements Store.
func (s *SQLiteStore) Keys(ctx context.Context, runID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM run_state WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run state keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// All implements Store.
func (s *SQLiteStore) All(ctx context.Context, runID string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM run_state WHERE run_id = ? ORDER BY key`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run state: %w", err)
	}
	defer rows.Close()

	state := make(map[string]any)
	for rows.Next() {
		var k, raw string
		if err := rows.Scan(&k, &raw); err != nil {
			return nil, fmt.Errorf("scan run state: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("unmarshal run state value: %w", err)
		}
		state[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run state: %w", err)
	}
	return state, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context, runID string) error {
	return store.Retry(func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM run_state WHERE run_id = ?`, runID)
		if err != nil {
			return fmt.Errorf("clear run state: %w", err)
		}
		return nil
	})
}
