// Package scheduler admits pending runs onto assets and recovers state left
// behind by crashed workers. Admission is all-or-nothing per run: every
// required asset is leased in one globally sorted pass or none are kept, so
// concurrently admitting runs cannot deadlock on each other's partial
// holdings.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/protocol"
	"github.com/seqlab/benchd/internal/queue"
	"github.com/seqlab/benchd/internal/resource"
	"github.com/seqlab/benchd/internal/runstate"
	"github.com/seqlab/benchd/internal/store"
)

// ErrRejected marks a submission that failed validation; no run record was
// created.
var ErrRejected = errors.New("submission rejected")

// Scheduler owns run submission, asset admission, and the stale-lease
// recovery scan. One scheduler instance runs per serve process; workers in
// other processes coordinate with it through the shared database only.
type Scheduler struct {
	id        string
	store     store.Store
	state     runstate.Store
	queue     queue.Queue
	resources *resource.Manager
	logger    *slog.Logger

	pollInterval time.Duration
	wake         chan struct{}
	wg           sync.WaitGroup
}

// NewScheduler wires a scheduler and registers its wakeup on the resource
// manager, so every release re-triggers admission without polling delay.
func NewScheduler(st store.Store, state runstate.Store, q queue.Queue, resources *resource.Manager, pollInterval time.Duration, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		id:           model.NewID(),
		store:        st,
		state:        state,
		queue:        q,
		resources:    resources,
		logger:       logger,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
	}
	resources.OnRelease(s.Wake)
	return s
}

// Start launches the admission and recovery loop. The first tick runs
// immediately, which is what performs startup recovery.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Go(func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			s.tick(ctx)
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
			}
		}
	})
}

// Wait blocks until the loop has exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Wake nudges the admission loop. Never blocks; a pending nudge coalesces.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Submit validates parameters, creates the run, and makes one synchronous
// admission attempt so an uncontended run is already admitted when this
// returns. A run that cannot admit yet stays pending for the loop to retry.
func (s *Scheduler) Submit(ctx context.Context, protocolID string, params model.Params, priority int) (*model.Run, error) {
	def, err := s.store.GetProtocol(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("load protocol %s: %w", protocolID, err)
	}
	if err := protocol.ValidateParams(def, params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if _, err := AnalyzeRequirements(def, params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRejected, err)
	}

	run := &model.Run{
		ID:         model.NewID(),
		ProtocolID: def.ID,
		Parameters: params,
		Status:     model.RunPending,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.audit(ctx, run.ID, model.EventSubmitted, 0, fmt.Sprintf("protocol %s v%d", def.ID, def.Version))

	admitted, err := s.tryAdmit(ctx, run)
	if err != nil {
		// Admission failures are retried by the loop, never surfaced here.
		s.logger.Warn("initial admission attempt failed", "run_id", run.ID, "error", err)
	}
	if !admitted && !model.RunTerminal(run.Status) {
		s.audit(ctx, run.ID, model.EventWaiting, 0, "waiting for assets")
	}
	return run, nil
}

// AnalyzeRequirements resolves a protocol's requirement slots against run
// parameters: counts default to 1, and count_param slots read their count
// from the named parameter.
func AnalyzeRequirements(def *model.ProtocolDefinition, params model.Params) ([]model.AssetRequirement, error) {
	reqs := make([]model.AssetRequirement, len(def.Requirements))
	for i, req := range def.Requirements {
		resolved := req
		switch {
		case req.CountParam != "":
			n, err := intParam(params, req.CountParam)
			if err != nil {
				return nil, fmt.Errorf("requirement %q: %w", req.Name, err)
			}
			if n < 1 {
				return nil, fmt.Errorf("requirement %q: parameter %q must be at least 1, got %d", req.Name, req.CountParam, n)
			}
			resolved.Count = n
		case req.Count == 0:
			resolved.Count = 1
		}
		reqs[i] = resolved
	}
	return reqs, nil
}

func intParam(params model.Params, name string) (int, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("parameter %q is not set", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("parameter %q must be a whole number, got %v", name, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("parameter %q must be a whole number: %w", name, err)
		}
		return int(i), nil
	default:
		return 0, fmt.Errorf("parameter %q must be a number, got %T", name, v)
	}
}

// tryAdmit attempts full admission for one pending run. It reports whether
// the run was admitted; contention is not an error.
func (s *Scheduler) tryAdmit(ctx context.Context, run *model.Run) (bool, error) {
	def, err := s.store.GetProtocol(ctx, run.ProtocolID)
	if err != nil {
		return false, fmt.Errorf("load protocol %s: %w", run.ProtocolID, err)
	}
	reqs, err := AnalyzeRequirements(def, run.Parameters)
	if err != nil {
		// No retry can fix a bad count parameter.
		s.failRun(ctx, run, fmt.Errorf("analyze requirements: %w", err))
		return false, err
	}

	chosen, ok, err := s.selectAssets(ctx, reqs)
	if err != nil {
		admissionsTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if !ok {
		admissionsTotal.WithLabelValues("waiting").Inc()
		return false, nil
	}

	// Acquire in one global asset-ID order across all slots.
	type grant struct {
		slot  string
		asset *model.Asset
	}
	var order []grant
	for slot, assets := range chosen {
		for _, a := range assets {
			order = append(order, grant{slot: slot, asset: a})
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i].asset.ID < order[j].asset.ID })

	acquired := make([]*model.Reservation, 0, len(order))
	rollback := func() {
		for _, res := range acquired {
			if err := s.resources.Release(ctx, run.ID, res.AssetID, res.FencingToken); err != nil {
				s.logger.Error("admission rollback release failed", "run_id", run.ID, "asset_id", res.AssetID, "error", err)
			}
		}
	}
	for _, g := range order {
		res, err := s.resources.Reserve(ctx, run.ID, g.asset)
		if err != nil {
			rollback()
			var held *lock.HeldError
			if errors.As(err, &held) {
				admissionRetriesTotal.Inc()
				admissionsTotal.WithLabelValues("waiting").Inc()
				return false, nil
			}
			admissionsTotal.WithLabelValues("error").Inc()
			return false, fmt.Errorf("reserve asset %s: %w", g.asset.ID, err)
		}
		acquired = append(acquired, res)
	}

	bindings := make(model.Bindings, len(chosen))
	for slot, assets := range chosen {
		ids := make([]string, len(assets))
		for i, a := range assets {
			ids[i] = a.ID
		}
		bindings[slot] = ids
	}
	if err := s.state.Set(ctx, run.ID, runstate.KeyBindings, bindings); err != nil {
		rollback()
		admissionsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("persist bindings: %w", err)
	}

	if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunPreparing); err != nil {
		rollback()
		if errors.Is(err, store.ErrInvalidTransition) {
			// The run moved on while we were admitting (cancelled, usually).
			admissionsTotal.WithLabelValues("superseded").Inc()
			return false, nil
		}
		admissionsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("mark run preparing: %w", err)
	}
	if err := s.queue.Enqueue(ctx, run.ID, run.Priority); err != nil {
		if stErr := s.store.UpdateRunStatus(ctx, run.ID, model.RunPending); stErr != nil {
			s.logger.Error("requeue after enqueue failure failed", "run_id", run.ID, "error", stErr)
		}
		rollback()
		admissionsTotal.WithLabelValues("error").Inc()
		return false, fmt.Errorf("enqueue run: %w", err)
	}

	run.Status = model.RunPreparing
	admissionsTotal.WithLabelValues("admitted").Inc()
	admissionWaitSeconds.Observe(time.Since(run.CreatedAt).Seconds())
	s.audit(ctx, run.ID, model.EventAdmitted, 0, fmt.Sprintf("bound %d assets across %d slots", len(order), len(chosen)))
	return true, nil
}

// selectAssets picks available assets for every slot, never reusing one
// asset across slots. Insufficient inventory returns ok=false: the run
// waits, it does not fail.
func (s *Scheduler) selectAssets(ctx context.Context, reqs []model.AssetRequirement) (map[string][]*model.Asset, bool, error) {
	chosen := make(map[string][]*model.Asset, len(reqs))
	used := make(map[string]bool)
	for _, req := range reqs {
		candidates, err := s.store.ListAssets(ctx, req.Category)
		if err != nil {
			return nil, false, fmt.Errorf("list %s assets: %w", req.Category, err)
		}
		picked := make([]*model.Asset, 0, req.Count)
		for _, a := range candidates {
			if len(picked) == req.Count {
				break
			}
			if a.Status != model.AssetAvailable || used[a.ID] {
				continue
			}
			picked = append(picked, a)
			used[a.ID] = true
		}
		if len(picked) < req.Count {
			return nil, false, nil
		}
		chosen[req.Name] = picked
	}
	return chosen, true, nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.RecoverStale(ctx); err != nil {
		s.logger.Error("stale recovery scan failed", "error", err)
	}
	s.admitPending(ctx)
	s.observeDepths(ctx)
}

// admitPending walks the pending runs in priority order and tries each one.
// A blocked run does not stop later runs from admitting; admission order is
// best-effort, not a strict queue.
func (s *Scheduler) admitPending(ctx context.Context) {
	pending, err := s.store.ListRunsByStatus(ctx, model.RunPending)
	if err != nil {
		s.logger.Error("list pending runs failed", "error", err)
		return
	}
	for _, run := range pending {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.tryAdmit(ctx, run); err != nil {
			s.logger.Warn("admission attempt failed", "run_id", run.ID, "error", err)
		}
	}
}

func (s *Scheduler) observeDepths(ctx context.Context) {
	if pending, err := s.store.ListRunsByStatus(ctx, model.RunPending); err == nil {
		admissionQueueDepth.Set(float64(len(pending)))
	}
	if depth, err := s.queue.Depth(ctx); err == nil {
		taskQueueDepth.Set(float64(depth))
	}
}

// failRun marks a run failed with a cause. Used for defects no retry can
// fix; transient admission trouble never comes through here.
func (s *Scheduler) failRun(ctx context.Context, run *model.Run, cause error) {
	current, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		s.logger.Error("load run for failure failed", "run_id", run.ID, "error", err)
		return
	}
	current.Error = cause.Error()
	if err := s.store.UpdateRun(ctx, current); err != nil {
		s.logger.Error("record run error failed", "run_id", run.ID, "error", err)
	}
	if err := s.store.UpdateRunStatus(ctx, run.ID, model.RunFailed); err != nil {
		s.logger.Error("mark run failed failed", "run_id", run.ID, "error", err)
		return
	}
	run.Status = model.RunFailed
	s.audit(ctx, run.ID, model.EventFailed, 0, cause.Error())
}

func (s *Scheduler) audit(ctx context.Context, runID, kind string, step int, msg string) {
	e := &model.AuditEvent{
		ID:      model.NewID(),
		RunID:   runID,
		Kind:    kind,
		Step:    step,
		Message: msg,
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.logger.Error("append audit event failed", "run_id", runID, "kind", kind, "error", err)
	}
}
