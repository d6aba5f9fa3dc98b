package model

import "time"

// Reservation is a lease on one asset held by one run. FencingToken is
// strictly monotonic per asset: any actor presenting a token older than the
// asset's current one is acting on a lost lease and must be rejected.
type Reservation struct {
	AssetID      string    `json:"asset_id"`
	HolderID     string    `json:"holder_id"`
	FencingToken int64     `json:"fencing_token"`
	AcquiredAt   time.Time `json:"acquired_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (r *Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
