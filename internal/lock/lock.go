// Package lock implements the asset lock manager: TTL leases with per-asset
// monotonic fencing tokens, backed by SQLite transactions on the shared
// database file. Every check-and-grant runs inside one transaction, so two
// processes racing for the same asset serialize on the database instead of
// on any in-process mutex.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seqlab/benchd/internal/model"
)

// ErrNotHeld is returned when an operation requires a live lease that the
// caller does not hold (wrong holder, stale fencing token, or reclaimed).
var ErrNotHeld = errors.New("lease not held")

// HeldError reports an acquisition conflict: the asset is leased to someone
// else. Callers branch on it to queue for retry instead of failing the run.
type HeldError struct {
	AssetID   string
	HolderID  string
	ExpiresAt time.Time
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("asset %s held by %s until %s", e.AssetID, e.HolderID, e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Manager defines the lease operations over assets.
//
// Fencing tokens are strictly monotonic per asset: every fresh grant bumps
// the asset's counter, and the counter survives releases. Re-acquiring a
// lease the holder already has extends it without issuing a new token.
type Manager interface {
	// Acquire grants a lease on the asset, treating expired leases as free.
	// Same-holder re-acquire is idempotent: the existing lease is extended
	// and returned. A live foreign lease returns *HeldError.
	Acquire(ctx context.Context, assetID, holderID string, ttl time.Duration) (*model.Reservation, error)

	// Release drops the lease identified by (assetID, holderID, token).
	// Releasing a lease that was already reclaimed or re-granted (stale
	// token) is a no-op; release is idempotent.
	Release(ctx context.Context, assetID, holderID string, token int64) error

	// ReleaseExpired drops the given lease only if it is still expired,
	// reporting whether it was removed. The stale-lock scan uses this so a
	// concurrent renew wins over a reclaim.
	ReleaseExpired(ctx context.Context, r *model.Reservation) (bool, error)

	// Renew extends the lease identified by (assetID, holderID, token).
	// Returns ErrNotHeld when the lease is gone or the token is stale; the
	// holder must stop acting on the asset when it sees that.
	Renew(ctx context.Context, assetID, holderID string, token int64, ttl time.Duration) error

	// Get returns the current lease on an asset (expired or not), or
	// ErrNotHeld when the asset is free.
	Get(ctx context.Context, assetID string) (*model.Reservation, error)

	// HeldBy returns every lease held by one holder, ordered by asset ID.
	HeldBy(ctx context.Context, holderID string) ([]*model.Reservation, error)

	// Expired returns every lease whose TTL has lapsed.
	Expired(ctx context.Context) ([]*model.Reservation, error)
}
