package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/queue"
	"github.com/seqlab/benchd/internal/resource"
	"github.com/seqlab/benchd/internal/runstate"
	"github.com/seqlab/benchd/internal/store"
)

// Typed errors surfaced to the API layer.
var (
	// ErrBadCommand marks a command or resolution that is malformed or not
	// applicable to the run's current status.
	ErrBadCommand = errors.New("invalid control command")

	// ErrRunDone is returned when a command targets a terminal run.
	ErrRunDone = errors.New("run already finished")

	// ErrUnresolved is returned when a resume is submitted while uncertain
	// state changes remain open.
	ErrUnresolved = errors.New("unresolved state changes remain")

	// ErrNotAwaiting is returned when resolutions are submitted for a run
	// that is not awaiting resolution.
	ErrNotAwaiting = errors.New("run is not awaiting resolution")
)

// errFenced cancels the run loop when the heartbeat discovers the run's
// leases are no longer held.
var errFenced = errors.New("lease fenced")

// Orchestrator drives runs step by step. All durable state lives in the
// shared stores; the orchestrator itself holds only live device sessions
// (via the runtime) and in-flight bookkeeping, so any process can resume
// any run.
type Orchestrator struct {
	store     store.Store
	states    runstate.Store
	queue     queue.Queue
	resources *resource.Manager
	runtime   *device.Runtime
	broker    *Broker
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewOrchestrator wires an orchestrator over the shared stores.
func NewOrchestrator(st store.Store, states runstate.Store, q queue.Queue, resources *resource.Manager, runtime *device.Runtime, broker *Broker, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     st,
		states:    states,
		queue:     q,
		resources: resources,
		runtime:   runtime,
		broker:    broker,
		logger:    logger,
		inflight:  make(map[string]bool),
	}
}

// Resume advances a run as far as it can go: to completion, to a parked
// status, or to the next crash. It is the single worker entrypoint and is
// idempotent, so at-least-once task delivery is safe. A nil return means
// the task is done; an error leaves the task for redelivery.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	if !o.begin(runID) {
		// A duplicate delivery while this process is already driving the
		// run. The live loop owns it.
		o.logger.Debug("run already in flight", "run_id", runID)
		return nil
	}
	defer o.end(runID)

	run, err := o.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("task references unknown run", "run_id", runID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	switch {
	case model.RunTerminal(run.Status), run.Status == model.RunPending:
		// Stale or duplicate task; nothing to drive.
		return nil
	case model.RunParked(run.Status):
		proceed, err := o.popParkedCommand(ctx, run)
		if err != nil || !proceed {
			return err
		}
	}

	return o.drive(ctx, run)
}

func (o *Orchestrator) begin(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[runID] {
		return false
	}
	o.inflight[runID] = true
	return true
}

func (o *Orchestrator) end(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, runID)
}

// SubmitCommand validates and queues a control command. Commands against
// runs with no live loop to observe the queue (cancel of a pending or
// parked run, intervene on a paused run) apply inline; a resume also
// enqueues the run so a worker picks it back up.
func (o *Orchestrator) SubmitCommand(ctx context.Context, runID, kind string, payload map[string]any, issuedBy string) (*model.ControlCommand, error) {
	if !model.ValidCommand(kind) {
		return nil, fmt.Errorf("%w: unknown command %q", ErrBadCommand, kind)
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if model.RunTerminal(run.Status) {
		return nil, fmt.Errorf("%w: run %s is %s", ErrRunDone, runID, run.Status)
	}

	switch kind {
	case model.CommandResume:
		if !model.RunParked(run.Status) {
			return nil, fmt.Errorf("%w: resume requires a paused or awaiting_resolution run, status is %s", ErrBadCommand, run.Status)
		}
		if run.Status == model.RunAwaitingResolution {
			unresolved, err := o.store.ListUncertainChanges(ctx, runID, true)
			if err != nil {
				return nil, err
			}
			if len(unresolved) > 0 {
				return nil, fmt.Errorf("%w: %d of the run's state changes are unresolved", ErrUnresolved, len(unresolved))
			}
		}
	case model.CommandIntervene:
		if run.Status != model.RunPreparing && run.Status != model.RunRunning && run.Status != model.RunPaused {
			return nil, fmt.Errorf("%w: intervene requires an active or paused run, status is %s", ErrBadCommand, run.Status)
		}
	}

	cmd := &model.ControlCommand{
		ID:       model.NewID(),
		RunID:    runID,
		Command:  kind,
		Payload:  payload,
		IssuedBy: issuedBy,
		IssuedAt: time.Now().UTC(),
	}

	switch {
	case kind == model.CommandCancel && (run.Status == model.RunPending || model.RunParked(run.Status)):
		// No step is in flight, so there is no boundary to wait for.
		return cmd, o.finishCancelled(ctx, run, issuedBy)
	case kind == model.CommandIntervene && run.Status == model.RunPaused:
		run.Intervention = true
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
		o.audit(ctx, runID, model.EventIntervention, run.CurrentStep, "awaiting manual substitution")
		return cmd, nil
	}

	if err := o.store.AddCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("queue command: %w", err)
	}
	if kind == model.CommandResume {
		if err := o.queue.Enqueue(ctx, runID, run.Priority); err != nil {
			return nil, fmt.Errorf("enqueue run: %w", err)
		}
	}
	return cmd, nil
}

// popParkedCommand consumes queued commands for a parked run until it hits
// one that decides the run's fate. It reports whether the run should be
// driven now.
func (o *Orchestrator) popParkedCommand(ctx context.Context, run *model.Run) (bool, error) {
	for {
		cmd, err := o.store.NextCommand(ctx, run.ID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("next command: %w", err)
		}
		if err := o.store.ConsumeCommand(ctx, cmd.ID); err != nil {
			return false, fmt.Errorf("consume command %s: %w", cmd.ID, err)
		}

		switch cmd.Command {
		case model.CommandCancel:
			return false, o.finishCancelled(ctx, run, cmd.IssuedBy)
		case model.CommandResume:
			return o.applyResume(ctx, run, cmd)
		case model.CommandIntervene:
			if !run.Intervention {
				run.Intervention = true
				if err := o.store.UpdateRun(ctx, run); err != nil {
					return false, err
				}
				o.audit(ctx, run.ID, model.EventIntervention, run.CurrentStep, "awaiting manual substitution")
			}
		case model.CommandPause:
			// Already parked.
		}
	}
}

// applyResume processes a consumed resume command on a parked run.
func (o *Orchestrator) applyResume(ctx context.Context, run *model.Run, cmd *model.ControlCommand) (bool, error) {
	if run.Status == model.RunAwaitingResolution {
		unresolved, err := o.store.ListUncertainChanges(ctx, run.ID, true)
		if err != nil {
			return false, err
		}
		if len(unresolved) > 0 {
			// Submission-side validation makes this unreachable short of a
			// race; the operator re-issues after resolving.
			o.audit(ctx, run.ID, model.EventResumed, run.CurrentStep, fmt.Sprintf("resume ignored: %d changes unresolved", len(unresolved)))
			return false, nil
		}
		// The resolutions settled what the failed step left behind;
		// execution continues at the next step.
		run.CurrentStep++
	}

	if subs := substitutionsFromPayload(cmd.Payload); len(subs) > 0 {
		if err := o.applySubstitutions(ctx, run, subs); err != nil {
			o.logger.Warn("substitution rejected", "run_id", run.ID, "error", err)
			o.audit(ctx, run.ID, model.EventIntervention, run.CurrentStep, fmt.Sprintf("substitution rejected: %v", err))
			return false, nil
		}
	}

	run.Intervention = false
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return false, err
	}
	o.audit(ctx, run.ID, model.EventResumed, run.CurrentStep, fmt.Sprintf("resuming at step %d", run.CurrentStep))
	return true, nil
}

// substitutionsFromPayload extracts the slot-to-asset substitution map from
// a resume payload, if any.
func substitutionsFromPayload(payload map[string]any) map[string]string {
	raw, ok := payload["substitutions"].(map[string]any)
	if !ok {
		return nil
	}
	subs := make(map[string]string, len(raw))
	for slot, v := range raw {
		if id, ok := v.(string); ok && id != "" {
			subs[slot] = id
		}
	}
	return subs
}

// applySubstitutions swaps slot bindings for an intervened run. Every
// replacement is reserved before any original is released, so a rejected
// substitution leaves the run's holdings untouched.
func (o *Orchestrator) applySubstitutions(ctx context.Context, run *model.Run, subs map[string]string) error {
	bindings, err := o.loadBindings(ctx, run.ID)
	if err != nil {
		return err
	}

	type swap struct {
		slot   string
		oldID  string
		newID  string
		newRes *model.Reservation
	}
	var swaps []swap
	rollback := func() {
		for _, sw := range swaps {
			if err := o.resources.Release(ctx, run.ID, sw.newID, sw.newRes.FencingToken); err != nil {
				o.logger.Error("substitution rollback failed", "run_id", run.ID, "asset_id", sw.newID, "error", err)
			}
		}
	}

	for _, slot := range sortedKeys(subs) {
		newID := subs[slot]
		bound, ok := bindings[slot]
		if !ok || len(bound) == 0 {
			rollback()
			return fmt.Errorf("slot %q is not bound", slot)
		}
		oldID := bound[0]
		if oldID == newID {
			continue
		}
		oldAsset, err := o.store.GetAsset(ctx, oldID)
		if err != nil {
			rollback()
			return fmt.Errorf("load asset %s: %w", oldID, err)
		}
		newAsset, err := o.store.GetAsset(ctx, newID)
		if err != nil {
			rollback()
			return fmt.Errorf("load asset %s: %w", newID, err)
		}
		if newAsset.Category != oldAsset.Category {
			rollback()
			return fmt.Errorf("asset %s is %s, slot %q needs %s", newID, newAsset.Category, slot, oldAsset.Category)
		}
		res, err := o.resources.Reserve(ctx, run.ID, newAsset)
		if err != nil {
			rollback()
			return fmt.Errorf("reserve %s: %w", newID, err)
		}
		swaps = append(swaps, swap{slot: slot, oldID: oldID, newID: newID, newRes: res})
	}
	if len(swaps) == 0 {
		return nil
	}

	for _, sw := range swaps {
		holder, err := o.resources.Holder(ctx, sw.oldID)
		if err == nil && holder.HolderID == run.ID {
			if err := o.resources.Release(ctx, run.ID, sw.oldID, holder.FencingToken); err != nil {
				o.logger.Error("release of replaced asset failed", "run_id", run.ID, "asset_id", sw.oldID, "error", err)
			}
		}
		if err := o.states.Delete(ctx, run.ID, runstate.SnapshotKey(sw.oldID)); err != nil {
			o.logger.Warn("stale snapshot cleanup failed", "run_id", run.ID, "asset_id", sw.oldID, "error", err)
		}
		bindings[sw.slot][0] = sw.newID
		o.audit(ctx, run.ID, model.EventIntervention, run.CurrentStep, fmt.Sprintf("slot %s: %s replaced by %s", sw.slot, sw.oldID, sw.newID))
	}
	if err := o.states.Set(ctx, run.ID, runstate.KeyBindings, bindings); err != nil {
		return fmt.Errorf("persist bindings: %w", err)
	}
	return nil
}

// drive attaches to the run's assets and executes the step loop under a
// lease heartbeat.
func (o *Orchestrator) drive(ctx context.Context, run *model.Run) error {
	def, err := o.store.GetProtocol(ctx, run.ProtocolID)
	if err != nil {
		return o.finishFailed(ctx, run, fmt.Errorf("load protocol %s: %w", run.ProtocolID, err))
	}
	bindings, err := o.loadBindings(ctx, run.ID)
	if err != nil {
		return o.finishFailed(ctx, run, err)
	}

	if err := o.attach(ctx, run, bindings); err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			// Another run took one of our assets after a stale reclaim.
			// Back through admission with fresh bindings.
			o.logger.Warn("asset lost before re-attach", "run_id", run.ID, "asset_id", held.AssetID, "holder_id", held.HolderID)
			return o.requeue(ctx, run)
		}
		return err
	}

	loopCtx, cancel := context.WithCancelCause(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		o.heartbeat(loopCtx, run.ID, cancel)
	}()

	err = o.stepLoop(loopCtx, run, def, bindings)
	cancel(nil)
	<-hbDone

	if errors.Is(err, errFenced) {
		// The leases are gone; the recovery scan owns the run's fate now.
		// Nothing here may touch the run or its assets.
		o.logger.Warn("run loop fenced", "run_id", run.ID, "step", run.CurrentStep)
		return nil
	}
	return err
}

// attach brings every bound asset live for the run: idempotent lease
// re-acquisition, session instantiation, and restoration of the last
// persisted snapshot. Assets are acquired in global ID order, the same
// order admission uses.
func (o *Orchestrator) attach(ctx context.Context, run *model.Run, bindings model.Bindings) error {
	for _, id := range boundAssets(bindings) {
		asset, err := o.store.GetAsset(ctx, id)
		if err != nil {
			return fmt.Errorf("load asset %s: %w", id, err)
		}
		sess, _, err := o.resources.AcquireForRun(ctx, run.ID, asset)
		if err != nil {
			return err
		}

		var snap map[string]any
		err = o.states.GetJSON(ctx, run.ID, runstate.SnapshotKey(id), &snap)
		switch {
		case errors.Is(err, runstate.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load snapshot for %s: %w", id, err)
		default:
			if err := sess.Restore(ctx, snap); err != nil {
				return fmt.Errorf("restore snapshot for %s: %w", id, err)
			}
		}
	}

	if run.Status != model.RunRunning {
		if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunRunning); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
		run.Status = model.RunRunning
		o.publish(run.ID, EventStatus, model.RunRunning, run.CurrentStep, "")
	}
	return nil
}

// stepLoop executes steps until the run finishes, parks, or the context is
// cancelled. Control commands are observed at step boundaries only; a step
// in flight always runs to completion or failure first.
func (o *Orchestrator) stepLoop(ctx context.Context, run *model.Run, def *model.ProtocolDefinition, bindings model.Bindings) error {
	for {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		proceed, err := o.applyBoundaryCommand(ctx, run, bindings)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		if run.CurrentStep >= len(def.Steps) {
			return o.finishCompleted(ctx, run)
		}

		outcome, err := o.executeStep(ctx, run, def, bindings)
		if err != nil {
			return err
		}
		if outcome != stepOK {
			return nil
		}
	}
}

// applyBoundaryCommand consumes queued commands at a step boundary. It
// reports whether execution should continue.
func (o *Orchestrator) applyBoundaryCommand(ctx context.Context, run *model.Run, bindings model.Bindings) (bool, error) {
	for {
		cmd, err := o.store.NextCommand(ctx, run.ID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("next command: %w", err)
		}
		if err := o.store.ConsumeCommand(ctx, cmd.ID); err != nil {
			return false, fmt.Errorf("consume command %s: %w", cmd.ID, err)
		}

		switch cmd.Command {
		case model.CommandPause:
			return false, o.park(ctx, run, bindings, false)
		case model.CommandIntervene:
			return false, o.park(ctx, run, bindings, true)
		case model.CommandCancel:
			return false, o.finishCancelled(ctx, run, cmd.IssuedBy)
		case model.CommandResume:
			// Already running; consumed as a no-op.
		}
	}
}

// park suspends a running run: live state is persisted, sessions are torn
// down, leases stay held.
func (o *Orchestrator) park(ctx context.Context, run *model.Run, bindings model.Bindings, intervene bool) error {
	if err := o.persistSnapshots(ctx, run.ID, boundAssets(bindings)); err != nil {
		return err
	}
	if err := o.resources.Suspend(ctx, run.ID); err != nil {
		return fmt.Errorf("suspend assets: %w", err)
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunPaused); err != nil {
		return fmt.Errorf("mark run paused: %w", err)
	}
	run.Status = model.RunPaused

	if intervene {
		run.Intervention = true
		if err := o.store.UpdateRun(ctx, run); err != nil {
			return err
		}
		o.audit(ctx, run.ID, model.EventIntervention, run.CurrentStep, "awaiting manual substitution")
	} else {
		o.audit(ctx, run.ID, model.EventPaused, run.CurrentStep, "")
	}
	o.publish(run.ID, EventStatus, model.RunPaused, run.CurrentStep, "")
	return nil
}

type stepOutcome int

const (
	stepOK stepOutcome = iota
	stepParked
	stepFatal
)

// executeStep runs the step at run.CurrentStep. A failed operation never
// propagates as an error: the driver's report (or its absence) becomes
// uncertain state changes and the run parks awaiting resolution. Errors are
// reserved for infrastructure faults that warrant task redelivery.
func (o *Orchestrator) executeStep(ctx context.Context, run *model.Run, def *model.ProtocolDefinition, bindings model.Bindings) (stepOutcome, error) {
	idx := run.CurrentStep
	step := def.Steps[idx]

	target, ok := firstBound(bindings, step.Target)
	if !ok {
		return stepFatal, o.finishFailed(ctx, run, fmt.Errorf("step %d (%s): no asset bound to slot %q", idx, step.Name, step.Target))
	}
	args, argAssets, err := resolveArgs(step.Args, bindings)
	if err != nil {
		return stepFatal, o.finishFailed(ctx, run, fmt.Errorf("step %d (%s): %w", idx, step.Name, err))
	}
	touched := touchedAssets(step, target, argAssets, bindings)

	// Pre-step snapshots are the prior values of any uncertainty records
	// this step may open.
	prior := make(map[string]map[string]any, len(touched))
	for _, id := range touched {
		snap, err := o.runtime.Snapshot(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("pre-step snapshot of %s: %w", id, err)
		}
		prior[id] = snap
	}

	o.audit(ctx, run.ID, model.EventStepStarted, idx, step.Name)
	o.publish(run.ID, EventStep, model.RunRunning, idx, "started: "+step.Name)

	sess, ok := o.runtime.Session(target)
	if !ok {
		return 0, fmt.Errorf("no live session for asset %s", target)
	}
	result, execErr := sess.Execute(ctx, step.Op, args)

	if ctx.Err() != nil {
		// Fenced or shutting down mid-step; the run's fate is external.
		return 0, context.Cause(ctx)
	}

	if execErr != nil || result.Failure != nil {
		stepsTotal.WithLabelValues("failed").Inc()
		return o.failStep(ctx, run, step, bindings, prior, touched, result.Failure, execErr)
	}

	if result.Output != nil {
		if err := o.states.Set(ctx, run.ID, fmt.Sprintf("output.%d", idx), result.Output); err != nil {
			return 0, fmt.Errorf("persist step output: %w", err)
		}
	}
	if err := o.persistSnapshots(ctx, run.ID, touched); err != nil {
		return 0, err
	}
	run.CurrentStep = idx + 1
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return 0, fmt.Errorf("advance run: %w", err)
	}
	stepsTotal.WithLabelValues("ok").Inc()
	o.audit(ctx, run.ID, model.EventStepFinished, idx, step.Name)
	o.publish(run.ID, EventStep, model.RunRunning, idx, "finished: "+step.Name)
	return stepOK, nil
}

// failStep turns a step failure into uncertain state changes and parks the
// run awaiting resolution. What gets recorded depends on what is known:
//
//   - The driver reported a failure and named ambiguous effects: one entry
//     per reported effect.
//   - The driver reported a failure with no ambiguous effects: a clean
//     failure, nothing changed, no entries.
//   - The driver itself broke (Execute error): every declared effect is
//     suspect, or with no contract, every mutable property of every
//     touched asset.
func (o *Orchestrator) failStep(ctx context.Context, run *model.Run, step model.Step, bindings model.Bindings, prior map[string]map[string]any, touched []string, failure *model.OperationFailure, execErr error) (stepOutcome, error) {
	idx := run.CurrentStep
	reason := ""
	switch {
	case failure != nil:
		reason = failure.Reason
	case execErr != nil:
		reason = execErr.Error()
	}
	desc := fmt.Sprintf("step %d (%s) failed: %s", idx, step.Name, reason)

	// Unconfirmed post-failure readings, best effort. They become the
	// entries' current values and keep the persisted snapshots as fresh as
	// the driver allows; the ambiguous properties among them are exactly
	// the ones resolution overwrites.
	current := make(map[string]map[string]any, len(touched))
	for _, id := range touched {
		if snap, err := o.runtime.Snapshot(ctx, id); err == nil {
			current[id] = snap
			if err := o.states.Set(ctx, run.ID, runstate.SnapshotKey(id), snap); err != nil {
				return 0, fmt.Errorf("persist post-failure snapshot: %w", err)
			}
		}
	}

	var entries []*model.UncertainStateChange
	switch {
	case failure != nil && len(failure.Ambiguous) > 0:
		entries = o.entriesFromEffects(run, idx, failure.Ambiguous, step.Target, bindings, prior, current, desc)
	case failure != nil:
		// Clean failure: the driver vouches that nothing changed.
	case len(step.Effects) > 0:
		entries = o.entriesFromEffects(run, idx, step.Effects, step.Target, bindings, prior, current, desc)
	default:
		entries = o.entriesFromProps(ctx, run, idx, bindings, prior, current, touched, desc)
	}

	if len(entries) > 0 {
		if err := o.store.AddUncertainChanges(ctx, entries); err != nil {
			return 0, fmt.Errorf("record uncertain changes: %w", err)
		}
		uncertainOpenedTotal.Add(float64(len(entries)))
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunAwaitingResolution); err != nil {
		return 0, fmt.Errorf("mark run awaiting resolution: %w", err)
	}
	run.Status = model.RunAwaitingResolution

	o.audit(ctx, run.ID, model.EventStepFailed, idx, reason)
	o.audit(ctx, run.ID, model.EventUncertainty, idx, fmt.Sprintf("%d state changes need resolution", len(entries)))
	o.publish(run.ID, EventUncertainty, model.RunAwaitingResolution, idx, desc)
	o.publish(run.ID, EventStatus, model.RunAwaitingResolution, idx, "")
	o.logger.Warn("step failed", "run_id", run.ID, "step", idx, "reason", reason, "uncertain_changes", len(entries))
	return stepParked, nil
}

// entriesFromEffects builds one uncertain change per effect. Effect state
// keys are slot-qualified ("plate.well_a"); a driver-reported key without a
// known slot prefix is a property of the step's target.
func (o *Orchestrator) entriesFromEffects(run *model.Run, idx int, effects []model.Effect, targetSlot string, bindings model.Bindings, prior, current map[string]map[string]any, desc string) []*model.UncertainStateChange {
	now := time.Now().UTC()
	entries := make([]*model.UncertainStateChange, 0, len(effects))
	for _, eff := range effects {
		slot, prop := targetSlot, eff.StateKey
		if s, p, ok := strings.Cut(eff.StateKey, "."); ok {
			if _, bound := bindings[s]; bound {
				slot, prop = s, p
			}
		}
		assetID, ok := firstBound(bindings, slot)
		if !ok {
			o.logger.Warn("effect references unbound slot", "run_id", run.ID, "state_key", eff.StateKey)
			continue
		}

		priorVal := prior[assetID][prop]
		var expected any
		switch {
		case eff.Set != nil:
			expected = eff.Set
		case eff.Delta != nil:
			if pv, ok := floatVal(priorVal); ok {
				expected = pv + *eff.Delta
			}
		}
		entries = append(entries, &model.UncertainStateChange{
			ID:            model.NewID(),
			RunID:         run.ID,
			StepIndex:     idx,
			AssetID:       assetID,
			StateKey:      slot + "." + prop,
			Property:      prop,
			PriorValue:    priorVal,
			CurrentValue:  current[assetID][prop],
			ExpectedValue: expected,
			Description:   desc,
			CreatedAt:     now,
		})
	}
	return entries
}

// entriesFromProps is the conservative fallback: with no effect contract
// and no driver report, every mutable property of every touched asset is
// suspect. It over-reports rather than silently assuming a state.
func (o *Orchestrator) entriesFromProps(ctx context.Context, run *model.Run, idx int, bindings model.Bindings, prior, current map[string]map[string]any, touched []string, desc string) []*model.UncertainStateChange {
	now := time.Now().UTC()
	var entries []*model.UncertainStateChange
	for _, assetID := range touched {
		var props []string
		if asset, err := o.store.GetAsset(ctx, assetID); err == nil {
			props = asset.MutableProps
		}
		if len(props) == 0 {
			props = sortedKeys(prior[assetID])
		}
		slot := slotFor(bindings, assetID)
		for _, prop := range props {
			stateKey := prop
			if slot != "" {
				stateKey = slot + "." + prop
			}
			entries = append(entries, &model.UncertainStateChange{
				ID:           model.NewID(),
				RunID:        run.ID,
				StepIndex:    idx,
				AssetID:      assetID,
				StateKey:     stateKey,
				Property:     prop,
				PriorValue:   prior[assetID][prop],
				CurrentValue: current[assetID][prop],
				Description:  desc,
				CreatedAt:    now,
			})
		}
	}
	return entries
}

// SubmitResolutions applies a batch of operator verdicts to a run's
// uncertain state changes. The whole batch is validated before anything is
// touched; new per-asset states are persisted before live sessions are
// restored, so a crash mid-apply never loses a resolved value. The run
// stays awaiting_resolution until a resume or cancel follows.
func (o *Orchestrator) SubmitResolutions(ctx context.Context, runID string, resolutions []model.StateResolution) error {
	if len(resolutions) == 0 {
		return fmt.Errorf("%w: no resolutions given", ErrBadCommand)
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != model.RunAwaitingResolution {
		return fmt.Errorf("%w: status is %s", ErrNotAwaiting, run.Status)
	}

	type verdict struct {
		change *model.UncertainStateChange
		res    model.StateResolution
		value  any
	}
	batch := make([]verdict, 0, len(resolutions))
	for _, r := range resolutions {
		if !model.ValidResolution(r.Resolution) {
			return fmt.Errorf("%w: unknown resolution %q", ErrBadCommand, r.Resolution)
		}
		change, err := o.store.GetUncertainChange(ctx, r.ChangeID)
		if err != nil {
			return err
		}
		if change.RunID != runID {
			return fmt.Errorf("%w: change %s belongs to run %s", ErrBadCommand, r.ChangeID, change.RunID)
		}
		if change.Resolved() {
			return fmt.Errorf("%w: %s", store.ErrAlreadyResolved, r.ChangeID)
		}
		value, err := resolvedValue(change, r)
		if err != nil {
			return err
		}
		batch = append(batch, verdict{change: change, res: r, value: value})
	}

	byAsset := make(map[string]map[string]any)
	for _, v := range batch {
		props, ok := byAsset[v.change.AssetID]
		if !ok {
			props = make(map[string]any)
			byAsset[v.change.AssetID] = props
		}
		props[v.change.Property] = v.value
	}
	for _, assetID := range sortedKeys(byAsset) {
		state, err := o.assetState(ctx, runID, assetID)
		if err != nil {
			return err
		}
		for prop, value := range byAsset[assetID] {
			state[prop] = value
		}
		if err := o.states.Set(ctx, runID, runstate.SnapshotKey(assetID), state); err != nil {
			return fmt.Errorf("persist resolved state for %s: %w", assetID, err)
		}
		if err := o.runtime.Restore(ctx, assetID, state); err != nil && !errors.Is(err, device.ErrNoSession) {
			return fmt.Errorf("restore resolved state for %s: %w", assetID, err)
		}
	}

	for _, v := range batch {
		if err := o.store.ResolveUncertainChange(ctx, v.change.ID, v.res.Resolution, v.value, v.res.ResolvedBy); err != nil {
			return err
		}
		uncertainResolvedTotal.WithLabelValues(v.res.Resolution).Inc()
		o.audit(ctx, runID, model.EventResolved, v.change.StepIndex, fmt.Sprintf("%s: %s", v.change.StateKey, v.res.Resolution))
		o.publish(runID, EventResolution, run.Status, v.change.StepIndex, fmt.Sprintf("%s resolved %s", v.change.StateKey, v.res.Resolution))
	}
	return nil
}

// resolvedValue computes the state value a resolution settles on.
func resolvedValue(change *model.UncertainStateChange, r model.StateResolution) (any, error) {
	switch r.Resolution {
	case model.ResolutionConfirmedSuccess:
		if change.ExpectedValue != nil {
			return change.ExpectedValue, nil
		}
		if change.CurrentValue != nil {
			return change.CurrentValue, nil
		}
		return change.PriorValue, nil
	case model.ResolutionConfirmedFailure:
		return change.PriorValue, nil
	case model.ResolutionPartial:
		if r.Value == nil {
			return nil, fmt.Errorf("%w: partial resolution of %s requires a value", ErrBadCommand, change.ID)
		}
		return r.Value, nil
	default:
		// Unknown: keep the prior value, the most conservative reading.
		return change.PriorValue, nil
	}
}

// assetState loads the base state a resolution mutates: the live session
// when one exists (it has seen every applied effect), else the last
// persisted snapshot.
func (o *Orchestrator) assetState(ctx context.Context, runID, assetID string) (map[string]any, error) {
	if snap, err := o.runtime.Snapshot(ctx, assetID); err == nil {
		return snap, nil
	}
	var state map[string]any
	err := o.states.GetJSON(ctx, runID, runstate.SnapshotKey(assetID), &state)
	switch {
	case errors.Is(err, runstate.ErrNotFound):
		return make(map[string]any), nil
	case err != nil:
		return nil, err
	}
	return state, nil
}

// heartbeat renews every lease the run holds on a TTL/3 cadence. Losing a
// lease cancels the loop context with errFenced: the holder must stop
// driving its assets immediately.
func (o *Orchestrator) heartbeat(ctx context.Context, runID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(o.resources.LeaseTTL() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := o.resources.RenewAll(ctx, runID)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrNotHeld):
				o.logger.Warn("lease lost mid-run", "run_id", runID)
				cancel(errFenced)
				return
			default:
				o.logger.Warn("lease renewal failed", "run_id", runID, "error", err)
			}
		}
	}
}

// requeue sends a run that lost its assets back through admission.
func (o *Orchestrator) requeue(ctx context.Context, run *model.Run) error {
	if err := o.resources.ReleaseAll(ctx, run.ID); err != nil {
		o.logger.Warn("release during requeue failed", "run_id", run.ID, "error", err)
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunPending); err != nil {
		return fmt.Errorf("requeue run %s: %w", run.ID, err)
	}
	run.Status = model.RunPending
	o.audit(ctx, run.ID, model.EventRequeued, run.CurrentStep, "assets lost, returning to admission")
	o.publish(run.ID, EventStatus, model.RunPending, run.CurrentStep, "")
	return nil
}

func (o *Orchestrator) finishCompleted(ctx context.Context, run *model.Run) error {
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunCompleted); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	run.Status = model.RunCompleted
	if err := o.resources.ReleaseAll(ctx, run.ID); err != nil {
		// Leftover leases lapse and the recovery scan frees them.
		o.logger.Error("release after completion failed", "run_id", run.ID, "error", err)
	}
	runsFinishedTotal.WithLabelValues(model.RunCompleted).Inc()
	o.audit(ctx, run.ID, model.EventCompleted, run.CurrentStep, "all steps completed")
	o.publish(run.ID, EventStatus, model.RunCompleted, run.CurrentStep, "")
	o.broker.Close(run.ID)
	o.logger.Info("run completed", "run_id", run.ID, "steps", run.CurrentStep)
	return nil
}

// finishFailed is for unrecoverable faults, not step failures; those park
// the run for resolution instead.
func (o *Orchestrator) finishFailed(ctx context.Context, run *model.Run, cause error) error {
	run.Error = cause.Error()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		o.logger.Error("persist run error failed", "run_id", run.ID, "error", err)
	}
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunFailed); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	run.Status = model.RunFailed
	if err := o.resources.ReleaseAll(ctx, run.ID); err != nil {
		o.logger.Error("release after failure failed", "run_id", run.ID, "error", err)
	}
	runsFinishedTotal.WithLabelValues(model.RunFailed).Inc()
	o.audit(ctx, run.ID, model.EventFailed, run.CurrentStep, cause.Error())
	o.publish(run.ID, EventError, model.RunFailed, run.CurrentStep, cause.Error())
	o.publish(run.ID, EventStatus, model.RunFailed, run.CurrentStep, "")
	o.broker.Close(run.ID)
	o.logger.Error("run failed", "run_id", run.ID, "step", run.CurrentStep, "error", cause)
	return nil
}

func (o *Orchestrator) finishCancelled(ctx context.Context, run *model.Run, by string) error {
	if err := o.store.UpdateRunStatus(ctx, run.ID, model.RunCancelled); err != nil {
		return fmt.Errorf("mark run cancelled: %w", err)
	}
	run.Status = model.RunCancelled
	if err := o.resources.ReleaseAll(ctx, run.ID); err != nil {
		o.logger.Error("release after cancel failed", "run_id", run.ID, "error", err)
	}
	runsFinishedTotal.WithLabelValues(model.RunCancelled).Inc()
	msg := ""
	if by != "" {
		msg = "cancelled by " + by
	}
	o.audit(ctx, run.ID, model.EventCancelled, run.CurrentStep, msg)
	o.publish(run.ID, EventStatus, model.RunCancelled, run.CurrentStep, msg)
	o.broker.Close(run.ID)
	o.logger.Info("run cancelled", "run_id", run.ID, "step", run.CurrentStep)
	return nil
}

// persistSnapshots writes the live state of the given assets to the run
// state store. Assets without a live session are skipped.
func (o *Orchestrator) persistSnapshots(ctx context.Context, runID string, assetIDs []string) error {
	for _, id := range assetIDs {
		snap, err := o.runtime.Snapshot(ctx, id)
		if errors.Is(err, device.ErrNoSession) {
			continue
		}
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", id, err)
		}
		if err := o.states.Set(ctx, runID, runstate.SnapshotKey(id), snap); err != nil {
			return fmt.Errorf("persist snapshot for %s: %w", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) loadBindings(ctx context.Context, runID string) (model.Bindings, error) {
	var bindings model.Bindings
	if err := o.states.GetJSON(ctx, runID, runstate.KeyBindings, &bindings); err != nil {
		return nil, fmt.Errorf("load bindings for %s: %w", runID, err)
	}
	return bindings, nil
}

func (o *Orchestrator) audit(ctx context.Context, runID, kind string, step int, msg string) {
	e := &model.AuditEvent{
		ID:      model.NewID(),
		RunID:   runID,
		Kind:    kind,
		Step:    step,
		Message: msg,
		At:      time.Now().UTC(),
	}
	if err := o.store.AppendAudit(ctx, e); err != nil {
		o.logger.Warn("audit append failed", "run_id", runID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) publish(runID, typ, status string, step int, msg string) {
	o.broker.Publish(Event{
		RunID:   runID,
		Type:    typ,
		Status:  status,
		Step:    step,
		Message: msg,
		At:      time.Now().UTC(),
	})
}

// resolveArgs replaces "@slot" argument values with the slot's bound asset
// ID and reports which assets the arguments touch.
func resolveArgs(args map[string]any, bindings model.Bindings) (map[string]any, []string, error) {
	resolved := make(map[string]any, len(args))
	var touched []string
	for k, v := range args {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "@") {
			resolved[k] = v
			continue
		}
		slot := strings.TrimPrefix(s, "@")
		id, ok := firstBound(bindings, slot)
		if !ok {
			return nil, nil, fmt.Errorf("argument %q references unbound slot %q", k, slot)
		}
		resolved[k] = id
		touched = append(touched, id)
	}
	return resolved, touched, nil
}

// touchedAssets collects every asset a step can disturb: the target, assets
// referenced by arguments, and assets of slots named in the effect
// contract.
func touchedAssets(step model.Step, target string, argAssets []string, bindings model.Bindings) []string {
	seen := map[string]bool{target: true}
	for _, id := range argAssets {
		seen[id] = true
	}
	for _, eff := range step.Effects {
		if slot, _, ok := strings.Cut(eff.StateKey, "."); ok {
			if id, bound := firstBound(bindings, slot); bound {
				seen[id] = true
			}
		}
	}
	return sortedKeys(seen)
}

// firstBound returns the primary asset bound to a slot.
func firstBound(bindings model.Bindings, slot string) (string, bool) {
	bound := bindings[slot]
	if len(bound) == 0 {
		return "", false
	}
	return bound[0], true
}

// slotFor returns the first slot (in lexical order) an asset is bound to.
func slotFor(bindings model.Bindings, assetID string) string {
	for _, slot := range sortedKeys(bindings) {
		for _, id := range bindings[slot] {
			if id == assetID {
				return slot
			}
		}
	}
	return ""
}

func boundAssets(bindings model.Bindings) []string {
	seen := make(map[string]bool)
	for _, bound := range bindings {
		for _, id := range bound {
			seen[id] = true
		}
	}
	return sortedKeys(seen)
}

func sortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// floatVal coerces the number representations JSON decoding produces.
func floatVal(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
