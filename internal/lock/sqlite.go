package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// Timestamps are INTEGER unix milliseconds so expiry comparisons happen in
// SQL, not in Go, and stay consistent across processes.
const lockSchema = `
CREATE TABLE IF NOT EXISTS asset_locks (
    asset_id      TEXT PRIMARY KEY,
    holder_id     TEXT NOT NULL,
    fencing_token INTEGER NOT NULL,
    acquired_at   INTEGER NOT NULL,
    expires_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_asset_locks_holder ON asset_locks(holder_id);
CREATE INDEX IF NOT EXISTS idx_asset_locks_expiry ON asset_locks(expires_at);

CREATE TABLE IF NOT EXISTS fencing_counters (
    asset_id TEXT PRIMARY KEY,
    counter  INTEGER NOT NULL
);
`

// Compile-time interface satisfaction check.
var _ Manager = (*SQLiteManager)(nil)

// SQLiteManager implements Manager on the shared SQLite file.
type SQLiteManager struct {
	db *sql.DB
}

// NewSQLiteManager initializes the lock schema on an open database handle.
func NewSQLiteManager(db *sql.DB) (*SQLiteManager, error) {
	if _, err := db.Exec(lockSchema); err != nil {
		return nil, fmt.Errorf("create lock schema: %w", err)
	}
	return &SQLiteManager{db: db}, nil
}

func reservationFromRow(assetID, holderID string, token, acquiredMS, expiresMS int64) *model.Reservation {
	return &model.Reservation{
		AssetID:      assetID,
		HolderID:     holderID,
		FencingToken: token,
		AcquiredAt:   time.UnixMilli(acquiredMS).UTC(),
		ExpiresAt:    time.UnixMilli(expiresMS).UTC(),
	}
}

// Acquire implements Manager. The whole check-and-grant sequence runs in one
// transaction to prevent TOCTOU races between processes.
func (m *SQLiteManager) Acquire(ctx context.Context, assetID, holderID string, ttl time.Duration) (*model.Reservation, error) {
	var res *model.Reservation
	err := store.Retry(func() error {
		now := time.Now().UTC()
		nowMS := now.UnixMilli()
		expiresMS := now.Add(ttl).UnixMilli()

		tx, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()

		var curHolder string
		var curToken, curAcquired, curExpires int64
		err = tx.QueryRowContext(ctx,
			`SELECT holder_id, fencing_token, acquired_at, expires_at FROM asset_locks WHERE asset_id = ?`,
			assetID,
		).Scan(&curHolder, &curToken, &curAcquired, &curExpires)

		switch {
		case err == nil && curHolder == holderID:
			// Idempotent re-acquire: extend, keep the token.
			if _, err := tx.ExecContext(ctx,
				`UPDATE asset_locks SET expires_at = ? WHERE asset_id = ?`,
				expiresMS, assetID,
			); err != nil {
				return fmt.Errorf("extend lease: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit lease: %w", err)
			}
			res = reservationFromRow(assetID, holderID, curToken, curAcquired, expiresMS)
			return nil

		case err == nil && curExpires > nowMS:
			// Live foreign lease.
			return &HeldError{AssetID: assetID, HolderID: curHolder, ExpiresAt: time.UnixMilli(curExpires).UTC()}

		case err != nil && !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("read lease: %w", err)
		}

		// Free (no row) or expired: grant with the next fencing token.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fencing_counters (asset_id, counter) VALUES (?, 1)
			 ON CONFLICT(asset_id) DO UPDATE SET counter = counter + 1`,
			assetID,
		); err != nil {
			return fmt.Errorf("bump fencing counter: %w", err)
		}
		var token int64
		if err := tx.QueryRowContext(ctx,
			`SELECT counter FROM fencing_counters WHERE asset_id = ?`, assetID,
		).Scan(&token); err != nil {
			return fmt.Errorf("read fencing counter: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asset_locks (asset_id, holder_id, fencing_token, acquired_at, expires_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(asset_id) DO UPDATE SET
			   holder_id = excluded.holder_id,
			   fencing_token = excluded.fencing_token,
			   acquired_at = excluded.acquired_at,
			   expires_at = excluded.expires_at`,
			assetID, holderID, token, nowMS, expiresMS,
		); err != nil {
			return fmt.Errorf("grant lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit lease: %w", err)
		}
		res = reservationFromRow(assetID, holderID, token, nowMS, expiresMS)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release implements Manager. The token match makes stale releases no-ops:
// a holder whose lease was reclaimed and re-granted cannot remove the new
// holder's lease.
func (m *SQLiteManager) Release(ctx context.Context, assetID, holderID string, token int64) error {
	return store.Retry(func() error {
		_, err := m.db.ExecContext(ctx,
			`DELETE FROM asset_locks WHERE asset_id = ? AND holder_id = ? AND fencing_token = ?`,
			assetID, holderID, token,
		)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		return nil
	})
}

// ReleaseExpired implements Manager.
func (m *SQLiteManager) ReleaseExpired(ctx context.Context, r *model.Reservation) (bool, error) {
	var released bool
	err := store.Retry(func() error {
		result, err := m.db.ExecContext(ctx,
			`DELETE FROM asset_locks
			 WHERE asset_id = ? AND holder_id = ? AND fencing_token = ? AND expires_at <= ?`,
			r.AssetID, r.HolderID, r.FencingToken, time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("release expired lease: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		released = n > 0
		return nil
	})
	return released, err
}

// Renew implements Manager.
func (m *SQLiteManager) Renew(ctx context.Context, assetID, holderID string, token int64, ttl time.Duration) error {
	return store.Retry(func() error {
		result, err := m.db.ExecContext(ctx,
			`UPDATE asset_locks SET expires_at = ?
			 WHERE asset_id = ? AND holder_id = ? AND fencing_token = ?`,
			time.Now().UTC().Add(ttl).UnixMilli(), assetID, holderID, token,
		)
		if err != nil {
			return fmt.Errorf("renew lease: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("check rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: asset %s holder %s token %d", ErrNotHeld, assetID, holderID, token)
		}
		return nil
	})
}

// Get implements Manager.
func (m *SQLiteManager) Get(ctx context.Context, assetID string) (*model.Reservation, error) {
	var holderID string
	var token, acquiredMS, expiresMS int64
	err := m.db.QueryRowContext(ctx,
		`SELECT holder_id, fencing_token, acquired_at, expires_at FROM asset_locks WHERE asset_id = ?`,
		assetID,
	).Scan(&holderID, &token, &acquiredMS, &expiresMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: asset %s", ErrNotHeld, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return reservationFromRow(assetID, holderID, token, acquiredMS, expiresMS), nil
}

// HeldBy implements Manager.
func (m *SQLiteManager) HeldBy(ctx context.Context, holderID string) ([]*model.Reservation, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT asset_id, fencing_token, acquired_at, expires_at FROM asset_locks
		 WHERE holder_id = ? ORDER BY asset_id`, holderID)
	if err != nil {
		return nil, fmt.Errorf("list leases by holder: %w", err)
	}
	defer rows.Close()

	var leases []*model.Reservation
	for rows.Next() {
		var assetID string
		var token, acquiredMS, expiresMS int64
		if err := rows.Scan(&assetID, &token, &acquiredMS, &expiresMS); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, reservationFromRow(assetID, holderID, token, acquiredMS, expiresMS))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return leases, nil
}

// Expired implements Manager.
func (m *SQLiteManager) Expired(ctx context.Context) ([]*model.Reservation, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT asset_id, holder_id, fencing_token, acquired_at, expires_at FROM asset_locks
		 WHERE expires_at <= ? ORDER BY asset_id`, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	defer rows.Close()

	var leases []*model.Reservation
	for rows.Next() {
		var assetID, holderID string
		var token, acquiredMS, expiresMS int64
		if err := rows.Scan(&assetID, &holderID, &token, &acquiredMS, &expiresMS); err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, reservationFromRow(assetID, holderID, token, acquiredMS, expiresMS))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate leases: %w", err)
	}
	return leases, nil
}
