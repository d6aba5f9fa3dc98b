package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/store"
)

// RecoverStale reconciles every expired lease against its holder run, then
// reclaims expired task-queue leases and sweeps orphaned asset statuses.
// It runs on every tick; the first tick after Start is the startup
// recovery pass.
//
// A reclaim only happens when the conditional delete wins: a holder that
// renews mid-scan keeps its lease and its run is left alone.
func (s *Scheduler) RecoverStale(ctx context.Context) error {
	expired, err := s.resources.Expired(ctx)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}
	for _, res := range expired {
		s.recoverLease(ctx, res)
	}

	reclaimed, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		s.logger.Error("task lease reclaim failed", "error", err)
	} else if reclaimed > 0 {
		s.logger.Warn("reclaimed expired task leases", "count", reclaimed)
	}

	s.sweepOrphanedAssets(ctx)
	return nil
}

func (s *Scheduler) recoverLease(ctx context.Context, res *model.Reservation) {
	run, err := s.store.GetRun(ctx, res.HolderID)
	if errors.Is(err, store.ErrNotFound) {
		s.reclaim(ctx, res, "holder run does not exist")
		return
	}
	if err != nil {
		s.logger.Error("load lease holder failed", "run_id", res.HolderID, "asset_id", res.AssetID, "error", err)
		return
	}

	switch {
	case model.RunTerminal(run.Status):
		s.reclaim(ctx, res, "holder run is terminal")

	case model.RunParked(run.Status):
		// Parked runs keep their assets. No worker heartbeats them, so the
		// scheduler stewards the lease until resume or abort.
		if err := s.resources.Renew(ctx, res); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			s.logger.Error("steward renewal failed", "run_id", run.ID, "asset_id", res.AssetID, "error", err)
		}

	case run.Status == model.RunPreparing:
		// An admitted run nobody attached to within a TTL: its task was
		// lost or its worker died before the first heartbeat. Keep the
		// holdings and re-offer the task; Enqueue deduplicates.
		if err := s.resources.Renew(ctx, res); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			s.logger.Error("steward renewal failed", "run_id", run.ID, "asset_id", res.AssetID, "error", err)
		}
		if err := s.queue.Enqueue(ctx, run.ID, run.Priority); err != nil {
			s.logger.Error("re-enqueue preparing run failed", "run_id", run.ID, "error", err)
		}

	default:
		// pending or running: the holder should either hold nothing or be
		// heartbeating. Reclaim, and send a running run back through
		// admission.
		removed, err := s.resources.ReclaimExpired(ctx, res)
		if err != nil {
			s.logger.Error("lease reclaim failed", "run_id", run.ID, "asset_id", res.AssetID, "error", err)
			return
		}
		if !removed {
			return
		}
		staleReclaimsTotal.Inc()
		s.logger.Warn("stale lease reclaimed", "run_id", run.ID, "asset_id", res.AssetID, "run_status", run.Status)
		s.audit(ctx, run.ID, model.EventRecovered, run.CurrentStep, fmt.Sprintf("stale lease on %s reclaimed", res.AssetID))

		if run.Status == model.RunRunning {
			if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunPending); err != nil {
				if !errors.Is(err, store.ErrInvalidTransition) {
					s.logger.Error("requeue run failed", "run_id", run.ID, "error", err)
				}
				return
			}
			s.audit(ctx, run.ID, model.EventRequeued, run.CurrentStep, "requeued after worker loss")
		}
	}
}

func (s *Scheduler) reclaim(ctx context.Context, res *model.Reservation, why string) {
	removed, err := s.resources.ReclaimExpired(ctx, res)
	if err != nil {
		s.logger.Error("lease reclaim failed", "asset_id", res.AssetID, "holder_id", res.HolderID, "error", err)
		return
	}
	if removed {
		staleReclaimsTotal.Inc()
		s.logger.Warn("stale lease reclaimed", "asset_id", res.AssetID, "holder_id", res.HolderID, "reason", why)
	}
}

// sweepOrphanedAssets returns busy-looking assets with no lease at all to
// the pool. A crash between a lease release and the status reset leaves
// exactly this state behind. The sweep serializes against live admission
// through the lock table: it only resets an asset it could itself lease,
// and skips anything leased (even expired leases, which belong to
// recoverLease).
func (s *Scheduler) sweepOrphanedAssets(ctx context.Context) {
	assets, err := s.store.ListAssets(ctx, "")
	if err != nil {
		s.logger.Error("list assets for orphan sweep failed", "error", err)
		return
	}
	holder := "recovery:" + s.id
	for _, asset := range assets {
		if asset.Status != model.AssetReserved && asset.Status != model.AssetInUse {
			continue
		}
		if _, err := s.resources.Holder(ctx, asset.ID); !errors.Is(err, lock.ErrNotHeld) {
			continue
		}
		res, err := s.resources.Reserve(ctx, holder, asset)
		if err != nil {
			continue
		}
		if err := s.resources.Release(ctx, holder, asset.ID, res.FencingToken); err != nil {
			s.logger.Error("orphan sweep release failed", "asset_id", asset.ID, "error", err)
			continue
		}
		s.logger.Warn("orphaned asset returned to pool", "asset_id", asset.ID, "was_status", asset.Status)
	}
}
