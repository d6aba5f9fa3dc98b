// Package resource composes the lock manager, catalog store, and device
// runtime into the acquisition facade the scheduler and orchestrator use.
// Asset status is only ever mutated here, under the asset's lease, so the
// catalog can never disagree with the lock table about who holds what.
package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// Manager mediates every asset acquisition and release. Runs are identified
// as lease holders by their run ID.
type Manager struct {
	store   store.Store
	locks   lock.Manager
	runtime *device.Runtime
	ttl     time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	hooks []func()
}

// NewManager returns a Manager granting leases of the given TTL.
func NewManager(st store.Store, locks lock.Manager, runtime *device.Runtime, ttl time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		locks:   locks,
		runtime: runtime,
		ttl:     ttl,
		logger:  logger,
	}
}

// LeaseTTL reports the lease duration used for grants and renewals. Holders
// derive their heartbeat cadence from it.
func (m *Manager) LeaseTTL() time.Duration {
	return m.ttl
}

// OnRelease registers a hook invoked after any reservation is released. The
// scheduler registers its admission wakeup here; hooks must not block.
func (m *Manager) OnRelease(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

func (m *Manager) notifyRelease() {
	m.mu.Lock()
	hooks := make([]func(), len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Reserve leases the asset for a run and marks it reserved in the catalog.
// A *lock.HeldError passes through unwrapped so admission can tell
// contention apart from storage failure.
func (m *Manager) Reserve(ctx context.Context, runID string, asset *model.Asset) (*model.Reservation, error) {
	res, err := m.locks.Acquire(ctx, asset.ID, runID, m.ttl)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateAssetStatus(ctx, asset.ID, model.AssetReserved); err != nil {
		if relErr := m.locks.Release(ctx, asset.ID, runID, res.FencingToken); relErr != nil {
			m.logger.Error("rollback release failed", "asset_id", asset.ID, "run_id", runID, "error", relErr)
		}
		return nil, fmt.Errorf("mark asset %s reserved: %w", asset.ID, err)
	}
	return res, nil
}

// AcquireForRun brings an asset live for a run: lease (idempotent for the
// same run), open a device session, and mark the asset in use. Any failure
// in the chain rolls back the earlier steps and returns the asset to the
// pool; the caller is expected to fail the run.
func (m *Manager) AcquireForRun(ctx context.Context, runID string, asset *model.Asset) (device.Session, *model.Reservation, error) {
	res, err := m.locks.Acquire(ctx, asset.ID, runID, m.ttl)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lease on asset %s: %w", asset.ID, err)
	}
	sess, err := m.runtime.Instantiate(ctx, asset)
	if err != nil {
		if relErr := m.Release(ctx, runID, asset.ID, res.FencingToken); relErr != nil {
			m.logger.Error("rollback release failed", "asset_id", asset.ID, "run_id", runID, "error", relErr)
		}
		return nil, nil, fmt.Errorf("instantiate asset %s: %w", asset.ID, err)
	}
	if err := m.markInUse(ctx, asset.ID); err != nil {
		// Status is left alone here: the usual cause is an asset parked in
		// error or offline, which belongs to the operator.
		if tdErr := m.runtime.Teardown(ctx, asset.ID); tdErr != nil {
			m.logger.Error("rollback teardown failed", "asset_id", asset.ID, "run_id", runID, "error", tdErr)
		}
		if relErr := m.locks.Release(ctx, asset.ID, runID, res.FencingToken); relErr != nil {
			m.logger.Error("rollback release failed", "asset_id", asset.ID, "run_id", runID, "error", relErr)
		}
		m.notifyRelease()
		return nil, nil, err
	}
	return sess, res, nil
}

// markInUse walks the asset to in_use. A reclaimed-and-readmitted asset can
// arrive here still available, so step through reserved first.
func (m *Manager) markInUse(ctx context.Context, assetID string) error {
	asset, err := m.store.GetAsset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("load asset %s: %w", assetID, err)
	}
	if asset.Status == model.AssetAvailable {
		if err := m.store.UpdateAssetStatus(ctx, assetID, model.AssetReserved); err != nil {
			return fmt.Errorf("mark asset %s reserved: %w", assetID, err)
		}
	}
	if err := m.store.UpdateAssetStatus(ctx, assetID, model.AssetInUse); err != nil {
		return fmt.Errorf("mark asset %s in use: %w", assetID, err)
	}
	return nil
}

// Release returns one asset: tear down any live session, reset the catalog
// status, then drop the lease. The asset lands in error rather than
// available when teardown reports a fault.
func (m *Manager) Release(ctx context.Context, runID, assetID string, token int64) error {
	tdErr := m.runtime.Teardown(ctx, assetID)
	status := model.AssetAvailable
	if tdErr != nil {
		m.logger.Warn("teardown failed, marking asset errored", "asset_id", assetID, "run_id", runID, "error", tdErr)
		status = model.AssetError
	}
	if err := m.store.UpdateAssetStatus(ctx, assetID, status); err != nil {
		return fmt.Errorf("reset asset %s status: %w", assetID, err)
	}
	if err := m.locks.Release(ctx, assetID, runID, token); err != nil {
		return fmt.Errorf("release lease on asset %s: %w", assetID, err)
	}
	m.notifyRelease()
	return nil
}

// ReleaseAll returns every asset the run still holds. Errors are collected
// so one bad asset cannot strand the rest.
func (m *Manager) ReleaseAll(ctx context.Context, runID string) error {
	held, err := m.locks.HeldBy(ctx, runID)
	if err != nil {
		return fmt.Errorf("list leases for run %s: %w", runID, err)
	}
	var errs []error
	for _, res := range held {
		if err := m.Release(ctx, runID, res.AssetID, res.FencingToken); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Suspend parks a run's assets across a pause: sessions are torn down
// (persisted snapshots cover the resume), leases stay held, and each asset
// drops back to reserved.
func (m *Manager) Suspend(ctx context.Context, runID string) error {
	held, err := m.locks.HeldBy(ctx, runID)
	if err != nil {
		return fmt.Errorf("list leases for run %s: %w", runID, err)
	}
	var errs []error
	for _, res := range held {
		if err := m.runtime.Teardown(ctx, res.AssetID); err != nil {
			errs = append(errs, fmt.Errorf("teardown asset %s: %w", res.AssetID, err))
			continue
		}
		if err := m.store.UpdateAssetStatus(ctx, res.AssetID, model.AssetReserved); err != nil {
			errs = append(errs, fmt.Errorf("mark asset %s reserved: %w", res.AssetID, err))
		}
	}
	return errors.Join(errs...)
}

// RenewAll heartbeats every lease the run holds. ErrNotHeld from any lease
// propagates: the holder has been fenced and must stop driving its assets.
func (m *Manager) RenewAll(ctx context.Context, runID string) error {
	held, err := m.locks.HeldBy(ctx, runID)
	if err != nil {
		return fmt.Errorf("list leases for run %s: %w", runID, err)
	}
	for _, res := range held {
		if err := m.locks.Renew(ctx, res.AssetID, runID, res.FencingToken, m.ttl); err != nil {
			return fmt.Errorf("renew lease on asset %s: %w", res.AssetID, err)
		}
	}
	return nil
}

// Renew extends a single reservation. The scheduler stewards parked runs'
// leases with this.
func (m *Manager) Renew(ctx context.Context, res *model.Reservation) error {
	return m.locks.Renew(ctx, res.AssetID, res.HolderID, res.FencingToken, m.ttl)
}

// Expired lists every lapsed reservation for the stale-lock scan.
func (m *Manager) Expired(ctx context.Context) ([]*model.Reservation, error) {
	return m.locks.Expired(ctx)
}

// Holder returns the current lease on an asset, expired or not, or
// lock.ErrNotHeld when the asset is free.
func (m *Manager) Holder(ctx context.Context, assetID string) (*model.Reservation, error) {
	return m.locks.Get(ctx, assetID)
}

// ReclaimExpired releases a lapsed reservation, reporting whether this call
// removed it. A false return means the holder renewed in the meantime and
// the asset must be left alone.
func (m *Manager) ReclaimExpired(ctx context.Context, res *model.Reservation) (bool, error) {
	removed, err := m.locks.ReleaseExpired(ctx, res)
	if err != nil || !removed {
		return removed, err
	}
	if err := m.runtime.Teardown(ctx, res.AssetID); err != nil {
		m.logger.Warn("teardown during reclaim failed", "asset_id", res.AssetID, "holder_id", res.HolderID, "error", err)
	}
	if err := m.store.UpdateAssetStatus(ctx, res.AssetID, model.AssetAvailable); err != nil {
		return true, fmt.Errorf("reset asset %s status: %w", res.AssetID, err)
	}
	m.notifyRelease()
	return true, nil
}
