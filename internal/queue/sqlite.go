package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// lease_owner '' marks an unclaimed task. Timestamps are INTEGER unix
// milliseconds for SQL-side expiry comparison.
const queueSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    run_id           TEXT NOT NULL,
    priority         INTEGER NOT NULL DEFAULT 0,
    attempts         INTEGER NOT NULL DEFAULT 0,
    lease_owner      TEXT NOT NULL DEFAULT '',
    lease_expires_at INTEGER NOT NULL DEFAULT 0,
    enqueued_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(lease_owner, priority, enqueued_at);
`

// Compile-time interface satisfaction check.
var _ Queue = (*SQLiteQueue)(nil)

// SQLiteQueue implements Queue on the shared SQLite file.
type SQLiteQueue struct {
	db *sql.DB
}

// NewSQLiteQueue initializes the queue schema on an open database handle.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	if _, err := db.Exec(queueSchema); err != nil {
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &SQLiteQueue{db: db}, nil
}

// Enqueue implements Queue. The NOT EXISTS guard makes it a no-op while an
// unclaimed task for the run is already queued, so wake-up storms do not
// multiply tasks.
func (q *SQLiteQueue) Enqueue(ctx context.Context, runID string, priority int) error {
	return store.Retry(func() error {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO tasks (id, run_id, priority, enqueued_at)
			 SELECT ?, ?, ?, ?
			 WHERE NOT EXISTS (SELECT 1 FROM tasks WHERE run_id = ? AND lease_owner = '')`,
			model.NewID(), runID, priority, time.Now().UTC().UnixMilli(), runID,
		)
		if err != nil {
			return fmt.Errorf("enqueue task: %w", err)
		}
		return nil
	})
}

// Dequeue implements Queue. Claim order is priority DESC then FIFO. The
// select-and-claim runs in one transaction; a raced claim surfaces as a
// transient busy error and is retried.
func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	var task *Task
	err := store.Retry(func() error {
		task = nil
		now := time.Now().UTC()

		tx, err := q.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		t := &Task{}
		var enqueuedMS int64
		err = tx.QueryRowContext(ctx,
			`SELECT id, run_id, priority, attempts, enqueued_at FROM tasks
			 WHERE lease_owner = ''
			 ORDER BY priority DESC, enqueued_at ASC, id ASC LIMIT 1`,
		).Scan(&t.ID, &t.RunID, &t.Priority, &t.Attempts, &enqueuedMS)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEmpty
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}

		expiresMS := now.Add(leaseTTL).UnixMilli()
		result, err := tx.ExecContext(ctx,
			`UPDATE tasks SET lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1
			 WHERE id = ? AND lease_owner = ''`,
			owner, expiresMS, t.ID,
		)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			// Claimed by someone else between select and update.
			return ErrEmpty
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim: %w", err)
		}

		t.Attempts++
		t.LeaseOwner = owner
		t.LeaseExpiresAt = time.UnixMilli(expiresMS).UTC()
		t.EnqueuedAt = time.UnixMilli(enqueuedMS).UTC()
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Extend implements Queue.
func (q *SQLiteQueue) Extend(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return store.Retry(func() error {
		result, err := q.db.ExecContext(ctx,
			`UPDATE tasks SET lease_expires_at = ? WHERE id = ? AND lease_owner = ?`,
			time.Now().UTC().Add(leaseTTL).UnixMilli(), taskID, owner,
		)
		if err != nil {
			return fmt.Errorf("extend task lease: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s owner %s", ErrLost, taskID, owner)
		}
		return nil
	})
}

// Ack implements Queue.
func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	return store.Retry(func() error {
		result, err := q.db.ExecContext(ctx,
			`DELETE FROM tasks WHERE id = ? AND lease_owner = ?`, taskID, owner)
		if err != nil {
			return fmt.Errorf("ack task: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s owner %s", ErrLost, taskID, owner)
		}
		return nil
	})
}

// ReclaimExpired implements Queue.
func (q *SQLiteQueue) ReclaimExpired(ctx context.Context) (int, error) {
	var reclaimed int
	err := store.Retry(func() error {
		result, err := q.db.ExecContext(ctx,
			`UPDATE tasks SET lease_owner = '', lease_expires_at = 0
			 WHERE lease_owner != '' AND lease_expires_at <= ?`,
			time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("reclaim expired tasks: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		reclaimed = int(n)
		return nil
	})
	return reclaimed, err
}

// Depth implements Queue.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE lease_owner = ''`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}
