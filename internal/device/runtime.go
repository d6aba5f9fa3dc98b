package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seqlab/benchd/internal/model"
)

// ErrNoSession is returned when an operation needs a live session for an
// asset that has none.
var ErrNoSession = errors.New("no live session")

// Runtime owns the live sessions of instantiated assets. Sessions exist in
// process memory only; everything needed to rebuild one after a crash
// (asset config plus the last persisted snapshot) lives in the stores.
type Runtime struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

// NewRuntime creates a Runtime resolving drivers out of the given registry.
func NewRuntime(registry *Registry, logger *slog.Logger) *Runtime {
	return &Runtime{
		registry: registry,
		logger:   logger,
		sessions: make(map[string]Session),
	}
}

// Instantiate opens a session for the asset, or returns the existing live
// session; re-attach after redelivery hits this path.
func (rt *Runtime) Instantiate(ctx context.Context, asset *model.Asset) (Session, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if sess, ok := rt.sessions[asset.ID]; ok {
		return sess, nil
	}

	adapter, err := rt.registry.Resolve(asset.Driver)
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", asset.ID, err)
	}
	sess, err := adapter.Open(ctx, asset.ID, asset.Config)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", asset.ID, err)
	}
	rt.sessions[asset.ID] = sess
	rt.logger.Debug("session opened", "asset_id", asset.ID, "driver", asset.Driver)
	return sess, nil
}

// Session returns the live session for an asset, if any.
func (rt *Runtime) Session(assetID string) (Session, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	sess, ok := rt.sessions[assetID]
	return sess, ok
}

// Snapshot captures the current state of an asset's live session.
func (rt *Runtime) Snapshot(ctx context.Context, assetID string) (map[string]any, error) {
	sess, ok := rt.Session(assetID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, assetID)
	}
	return sess.Snapshot(ctx)
}

// Restore replaces an asset's live state with a snapshot.
func (rt *Runtime) Restore(ctx context.Context, assetID string, state map[string]any) error {
	sess, ok := rt.Session(assetID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, assetID)
	}
	return sess.Restore(ctx, state)
}

// Teardown closes and forgets an asset's session. Tearing down an asset
// without a session is a no-op.
func (rt *Runtime) Teardown(ctx context.Context, assetID string) error {
	rt.mu.Lock()
	sess, ok := rt.sessions[assetID]
	delete(rt.sessions, assetID)
	rt.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sess.Close(ctx); err != nil {
		return fmt.Errorf("close session for %s: %w", assetID, err)
	}
	rt.logger.Debug("session closed", "asset_id", assetID)
	return nil
}

// TeardownAll closes every live session. Close errors are logged, not
// returned; shutdown keeps going.
func (rt *Runtime) TeardownAll(ctx context.Context) {
	rt.mu.Lock()
	sessions := rt.sessions
	rt.sessions = make(map[string]Session)
	rt.mu.Unlock()

	for assetID, sess := range sessions {
		if err := sess.Close(ctx); err != nil {
			rt.logger.Warn("session close failed", "asset_id", assetID, "error", err)
		}
	}
}
