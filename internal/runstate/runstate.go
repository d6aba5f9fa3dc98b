// Package runstate is the durable per-run key/value store. The orchestrator
// keeps everything it needs to survive a crash here: slot bindings, per-asset
// device snapshots, and any intermediate values a resumed run must see.
// Values are JSON; a key belongs to exactly one run.
package runstate

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist for the run.
var ErrNotFound = errors.New("run state key not found")

// KeyBindings holds the slot-to-asset-IDs map written at admission and read
// back by every resume.
const KeyBindings = "bindings"

// SnapshotKey names the persisted device snapshot for one bound asset.
func SnapshotKey(assetID string) string {
	return "snapshot." + assetID
}

// Store defines the run-state operations.
type Store interface {
	// Set writes a key. The value must be JSON-serializable.
	Set(ctx context.Context, runID, key string, value any) error

	// Get reads a key as a decoded JSON value.
	Get(ctx context.Context, runID, key string) (any, error)

	// GetJSON reads a key into a typed destination.
	GetJSON(ctx context.Context, runID, key string, dest any) error

	// Delete removes a key. Deleting a missing key is a no-op.
	Delete(ctx context.Context, runID, key string) error

	// Keys returns the run's keys in lexical order.
	Keys(ctx context.Context, runID string) ([]string, error)

	// All returns every key/value pair for the run.
	All(ctx context.Context, runID string) (map[string]any, error)

	// Clear removes all state for the run.
	Clear(ctx context.Context, runID string) error
}
