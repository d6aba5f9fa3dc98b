// Package device defines the adapter contract every instrument driver
// implements, the registry that resolves drivers by name, and the Runtime
// that owns live sessions. The orchestrator only ever talks to assets
// through this package; actual hardware (or simulator) logic lives behind
// the Adapter interface.
package device

import (
	"context"

	"github.com/seqlab/benchd/internal/model"
)

// Adapter opens sessions against assets of one driver type.
type Adapter interface {
	// Open instantiates a live session for the asset. Config is the asset's
	// catalog config, passed through verbatim.
	Open(ctx context.Context, assetID string, config map[string]any) (Session, error)

	// Capabilities reports what the driver supports.
	Capabilities() Capabilities
}

// Session is a live handle on one instantiated asset.
//
// Execute separates two failure channels on purpose: a returned error means
// the driver itself broke mid-operation and can vouch for nothing (the
// caller must treat the outcome as ambiguous), while OpResult.Failure is the
// driver's explicit report that the operation failed, including what it
// knows about partial application.
type Session interface {
	Execute(ctx context.Context, op string, args map[string]any) (OpResult, error)

	// Snapshot returns a deep copy of the asset's state.
	Snapshot(ctx context.Context) (map[string]any, error)

	// Restore replaces the asset's state with the given snapshot.
	Restore(ctx context.Context, state map[string]any) error

	// Close tears the session down. Safe to call repeatedly and after
	// errors.
	Close(ctx context.Context) error
}

// OpResult holds the outcome of one operation.
type OpResult struct {
	Output  map[string]any          `json:"output,omitempty"`
	Failure *model.OperationFailure `json:"failure,omitempty"`
}

// Capabilities describes what a driver supports.
type Capabilities struct {
	Name         string   `json:"name"`
	SupportedOps []string `json:"supported_ops"`
	MaxSessions  int      `json:"max_sessions"`
}

// AdapterInfo pairs a registered driver name with its capabilities.
type AdapterInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}
