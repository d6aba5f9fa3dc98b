package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/seqlab/benchd/internal/device"
	"github.com/seqlab/benchd/internal/engine"
	"github.com/seqlab/benchd/internal/lock"
	"github.com/seqlab/benchd/internal/model"
	"github.com/seqlab/benchd/internal/queue"
	"github.com/seqlab/benchd/internal/resource"
	"github.com/seqlab/benchd/internal/runstate"
	"github.com/seqlab/benchd/internal/scheduler"
	"github.com/seqlab/benchd/internal/store"
)

type rig struct {
	orch      *engine.Orchestrator
	sched     *scheduler.Scheduler
	store     store.Store
	states    runstate.Store
	queue     queue.Queue
	locks     lock.Manager
	resources *resource.Manager
	runtime   *device.Runtime
	broker    *engine.Broker
}

// newRigAt wires a full orchestration stack over the database at path.
// Opening a second rig on the same path simulates a separate process after
// a crash: fresh sessions over shared durable state.
func newRigAt(t *testing.T, path string) *rig {
	t.Helper()
	db, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := store.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	states, err := runstate.NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("runstate.NewSQLiteStore: %v", err)
	}
	q, err := queue.NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	locks, err := lock.NewSQLiteManager(db)
	if err != nil {
		t.Fatalf("NewSQLiteManager: %v", err)
	}

	registry := device.NewRegistry()
	registry.Register(device.DriverSim, device.NewSimAdapter())
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	runtime := device.NewRuntime(registry, logger)
	t.Cleanup(func() { runtime.TeardownAll(context.Background()) })

	resources := resource.NewManager(st, locks, runtime, 2*time.Second, logger)
	broker := engine.NewBroker()

	return &rig{
		orch:      engine.NewOrchestrator(st, states, q, resources, runtime, broker, logger),
		sched:     scheduler.NewScheduler(st, states, q, resources, 25*time.Millisecond, logger),
		store:     st,
		states:    states,
		queue:     q,
		locks:     locks,
		resources: resources,
		runtime:   runtime,
		broker:    broker,
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigAt(t, filepath.Join(t.TempDir(), "benchd.db"))
}

func (r *rig) seedPlate(t *testing.T, id string, latencyMS int) *model.Asset {
	t.Helper()
	asset := &model.Asset{
		ID:       id,
		Name:     id,
		Category: model.CategoryPlate,
		Status:   model.AssetAvailable,
		Driver:   device.DriverSim,
		Config: map[string]any{
			"latency_ms":    latencyMS,
			"initial_state": map[string]any{"well_a": 200.0, "well_b": 0.0},
		},
		MutableProps: []string{"well_a", "well_b"},
	}
	if err := r.store.PutAsset(context.Background(), asset); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	return asset
}

// submit creates and admits a run; admission is synchronous when the assets
// are free, so the returned run is already preparing with a queued task.
func (r *rig) submit(t *testing.T, def *model.ProtocolDefinition) *model.Run {
	t.Helper()
	if err := r.store.PutProtocol(context.Background(), def); err != nil {
		t.Fatalf("PutProtocol: %v", err)
	}
	run, err := r.sched.Submit(context.Background(), def.ID, nil, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if run.Status != model.RunPreparing {
		t.Fatalf("run not admitted, status = %q", run.Status)
	}
	return run
}

func (r *rig) getRun(t *testing.T, id string) *model.Run {
	t.Helper()
	run, err := r.store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func (r *rig) snapshot(t *testing.T, runID, assetID string) map[string]any {
	t.Helper()
	var snap map[string]any
	if err := r.states.GetJSON(context.Background(), runID, runstate.SnapshotKey(assetID), &snap); err != nil {
		t.Fatalf("load snapshot for %s: %v", assetID, err)
	}
	return snap
}

func (r *rig) auditKinds(t *testing.T, runID string) []string {
	t.Helper()
	events, err := r.store.ListAudit(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	return kinds
}

// waitForAudit polls until an audit event of the given kind appears.
func (r *rig) waitForAudit(t *testing.T, runID, kind string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, k := range r.auditKinds(t, runID) {
			if k == kind {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s produced no %q audit event within %v", runID, kind, timeout)
}

func contains(kinds []string, kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func f64(v float64) *float64 { return &v }

// transferProtocol moves 50 from well_a to well_b on one plate, with a read
// step after so resumption past the transfer is observable.
func transferProtocol() *model.ProtocolDefinition {
	return &model.ProtocolDefinition{
		ID:      "proto-transfer",
		Name:    "two-well transfer",
		Version: 1,
		Requirements: []model.AssetRequirement{
			{Name: "plate", Category: model.CategoryPlate},
		},
		Steps: []model.Step{
			{Name: "mix", Target: "plate", Op: "noop"},
			{
				Name:   "move volume",
				Target: "plate",
				Op:     "transfer",
				Args:   map[string]any{"from": "well_a", "to": "well_b", "volume": 50.0},
				Effects: []model.Effect{
					{StateKey: "plate.well_a", Delta: f64(-50)},
					{StateKey: "plate.well_b", Delta: f64(50)},
				},
			},
			{Name: "read result", Target: "plate", Op: "read", Args: map[string]any{"key": "well_b"}},
		},
	}
}

func TestResumeCompletesRun(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	run := r.submit(t, transferProtocol())

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.CurrentStep != 3 {
		t.Errorf("current_step = %d, want 3", got.CurrentStep)
	}

	snap := r.snapshot(t, run.ID, "plate-1")
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("final snapshot = %v, want well_a=150 well_b=50", snap)
	}

	// The read step's output is kept for later steps and callers.
	var out map[string]any
	if err := r.states.GetJSON(context.Background(), run.ID, "output.2", &out); err != nil {
		t.Fatalf("load step output: %v", err)
	}
	if out["value"] != 50.0 {
		t.Errorf("step output = %v, want value=50", out)
	}

	// Completion returns the asset to the pool and drops the lease.
	asset, err := r.store.GetAsset(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Status != model.AssetAvailable {
		t.Errorf("asset status = %q, want available", asset.Status)
	}
	if _, err := r.locks.Get(context.Background(), "plate-1"); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("lease still present after completion: %v", err)
	}

	kinds := r.auditKinds(t, run.ID)
	for _, want := range []string{model.EventStepStarted, model.EventStepFinished, model.EventCompleted} {
		if !contains(kinds, want) {
			t.Errorf("audit trail missing %q: %v", want, kinds)
		}
	}
}

func TestResumeIsIdempotent(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	run := r.submit(t, transferProtocol())

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	before := len(r.auditKinds(t, run.ID))

	// Redelivery of the task after completion must change nothing.
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("duplicate Resume: %v", err)
	}
	got := r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Errorf("status = %q after duplicate delivery, want completed", got.Status)
	}
	if after := len(r.auditKinds(t, run.ID)); after != before {
		t.Errorf("duplicate delivery added audit events: %d -> %d", before, after)
	}

	snap := r.snapshot(t, run.ID, "plate-1")
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("duplicate delivery disturbed state: %v", snap)
	}
}

func TestResumeOnUnadmittedRunIsNoop(t *testing.T) {
	r := newRig(t)
	run := &model.Run{
		ID:         model.NewID(),
		ProtocolID: "proto-transfer",
		Status:     model.RunPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := r.getRun(t, run.ID); got.Status != model.RunPending {
		t.Errorf("status = %q, want pending untouched", got.Status)
	}
}

func TestPauseParksRunAndResumeContinues(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	run := r.submit(t, transferProtocol())

	// Queued before the worker starts, the pause applies at the first step
	// boundary.
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandPause, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand pause: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunPaused {
		t.Fatalf("status = %q, want paused", got.Status)
	}
	if got.CurrentStep != 0 {
		t.Errorf("current_step = %d, want 0", got.CurrentStep)
	}

	// Paused runs keep their reservations; the device session is suspended.
	res, err := r.locks.Get(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("lease gone while paused: %v", err)
	}
	if res.HolderID != run.ID {
		t.Errorf("lease holder = %q, want %q", res.HolderID, run.ID)
	}
	asset, err := r.store.GetAsset(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Status != model.AssetReserved {
		t.Errorf("asset status = %q while paused, want reserved", asset.Status)
	}
	if _, live := r.runtime.Session("plate-1"); live {
		t.Error("session still live while paused")
	}

	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume after pause: %v", err)
	}

	got = r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q after resume, want completed", got.Status)
	}
	snap := r.snapshot(t, run.ID, "plate-1")
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("state lost across pause: %v", snap)
	}
}

func TestCancelOnParkedRunAppliesInline(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	run := r.submit(t, transferProtocol())

	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandPause, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand pause: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// No step is in flight on a paused run, so the cancel needs no worker.
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandCancel, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand cancel: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	asset, err := r.store.GetAsset(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Status != model.AssetAvailable {
		t.Errorf("asset status = %q, want available after cancel", asset.Status)
	}
	if _, err := r.locks.Get(context.Background(), "plate-1"); !errors.Is(err, lock.ErrNotHeld) {
		t.Errorf("lease still present after cancel: %v", err)
	}
}

func TestCancelIsCooperative(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 100)
	run := r.submit(t, transferProtocol())

	done := make(chan error, 1)
	go func() {
		done <- r.orch.Resume(context.Background(), run.ID)
	}()

	// The cancel lands while step 0 is executing; it must not interrupt
	// the step, only stop the run at the next boundary.
	r.waitForAudit(t, run.ID, model.EventStepStarted, 5*time.Second)
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandCancel, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand cancel: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	kinds := r.auditKinds(t, run.ID)
	if !contains(kinds, model.EventStepFinished) {
		t.Errorf("in-flight step was not allowed to finish: %v", kinds)
	}
	if !contains(kinds, model.EventCancelled) {
		t.Errorf("audit trail missing cancellation: %v", kinds)
	}
	if got.CurrentStep < 1 {
		t.Errorf("current_step = %d, want at least 1 (step 0 ran to completion)", got.CurrentStep)
	}
}

func TestDeclaredEffectsProduceExactUncertainty(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	def := &model.ProtocolDefinition{
		ID:      "proto-contract",
		Name:    "transfer with contract",
		Version: 1,
		Requirements: []model.AssetRequirement{
			{Name: "plate", Category: model.CategoryPlate},
		},
		Steps: []model.Step{
			{Name: "prep", Target: "plate", Op: "noop"},
			{
				Name:   "dispense",
				Target: "plate",
				// The driver dies mid-operation: no failure report, only
				// the declared contract says what may have changed.
				Op:   "fail",
				Args: map[string]any{"message": "arm fault", "ambiguous": true},
				Effects: []model.Effect{
					{StateKey: "plate.well_a", Delta: f64(-50)},
					{StateKey: "plate.well_b", Delta: f64(50)},
				},
			},
			{Name: "verify", Target: "plate", Op: "read", Args: map[string]any{"key": "well_b"}},
		},
	}
	run := r.submit(t, def)

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := r.getRun(t, run.ID)
	if got.Status != model.RunAwaitingResolution {
		t.Fatalf("status = %q, want awaiting_resolution", got.Status)
	}
	if got.CurrentStep != 1 {
		t.Errorf("current_step = %d, want 1 (failed step not advanced)", got.CurrentStep)
	}

	changes, err := r.store.ListUncertainChanges(context.Background(), run.ID, true)
	if err != nil {
		t.Fatalf("ListUncertainChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d uncertain changes, want exactly 2", len(changes))
	}
	keys := []string{changes[0].StateKey, changes[1].StateKey}
	sort.Strings(keys)
	if keys[0] != "plate.well_a" || keys[1] != "plate.well_b" {
		t.Fatalf("state keys = %v, want [plate.well_a plate.well_b]", keys)
	}
	for _, c := range changes {
		var wantPrior, wantExpected float64
		switch c.StateKey {
		case "plate.well_a":
			wantPrior, wantExpected = 200, 150
		case "plate.well_b":
			wantPrior, wantExpected = 0, 50
		}
		if c.PriorValue != wantPrior {
			t.Errorf("%s prior = %v, want %v", c.StateKey, c.PriorValue, wantPrior)
		}
		if c.ExpectedValue != wantExpected {
			t.Errorf("%s expected = %v, want %v", c.StateKey, c.ExpectedValue, wantExpected)
		}
		if c.StepIndex != 1 {
			t.Errorf("%s step_index = %d, want 1", c.StateKey, c.StepIndex)
		}
	}

	// Resume is rejected until every change is resolved.
	_, err = r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, nil, "tester")
	if !errors.Is(err, engine.ErrUnresolved) {
		t.Fatalf("resume with unresolved changes: err = %v, want ErrUnresolved", err)
	}

	resolutions := []model.StateResolution{
		{ChangeID: changes[0].ID, Resolution: model.ResolutionConfirmedSuccess, ResolvedBy: "tester"},
		{ChangeID: changes[1].ID, Resolution: model.ResolutionConfirmedSuccess, ResolvedBy: "tester"},
	}
	if err := r.orch.SubmitResolutions(context.Background(), run.ID, resolutions); err != nil {
		t.Fatalf("SubmitResolutions: %v", err)
	}

	// Confirmed success applies the expected values to the live session.
	live, err := r.runtime.Snapshot(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("live snapshot: %v", err)
	}
	if live["well_a"] != 150.0 || live["well_b"] != 50.0 {
		t.Errorf("live state after resolution = %v, want well_a=150 well_b=50", live)
	}

	// Resolved entries are immutable.
	err = r.orch.SubmitResolutions(context.Background(), run.ID, resolutions[:1])
	if !errors.Is(err, store.ErrAlreadyResolved) {
		t.Fatalf("re-resolving: err = %v, want ErrAlreadyResolved", err)
	}

	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume after resolution: %v", err)
	}

	got = r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed (resumed past failed step)", got.Status)
	}
	if got.CurrentStep != 3 {
		t.Errorf("current_step = %d, want 3", got.CurrentStep)
	}
	var out map[string]any
	if err := r.states.GetJSON(context.Background(), run.ID, "output.2", &out); err != nil {
		t.Fatalf("load verify output: %v", err)
	}
	if out["value"] != 50.0 {
		t.Errorf("verify read %v, want the resolved well_b=50", out["value"])
	}
}

func TestCleanFailureOpensNoUncertainty(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	def := &model.ProtocolDefinition{
		ID:      "proto-clean-fail",
		Name:    "clean failure",
		Version: 1,
		Requirements: []model.AssetRequirement{
			{Name: "plate", Category: model.CategoryPlate},
		},
		Steps: []model.Step{
			// The driver reports the failure itself and vouches that
			// nothing changed.
			{Name: "doomed", Target: "plate", Op: "fail", Args: map[string]any{"message": "tip missing"}},
			{Name: "after", Target: "plate", Op: "noop"},
		},
	}
	run := r.submit(t, def)

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := r.getRun(t, run.ID)
	if got.Status != model.RunAwaitingResolution {
		t.Fatalf("status = %q, want awaiting_resolution", got.Status)
	}

	changes, err := r.store.ListUncertainChanges(context.Background(), run.ID, false)
	if err != nil {
		t.Fatalf("ListUncertainChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Fatalf("clean failure produced %d uncertain changes, want 0", len(changes))
	}

	// Nothing to resolve, so the operator may resume straight away; the
	// failed step is skipped.
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got = r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.CurrentStep != 2 {
		t.Errorf("current_step = %d, want 2", got.CurrentStep)
	}
}

func TestFallbackEnumeratesMutableProps(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	def := &model.ProtocolDefinition{
		ID:      "proto-no-contract",
		Name:    "no contract",
		Version: 1,
		Requirements: []model.AssetRequirement{
			{Name: "plate", Category: model.CategoryPlate},
		},
		Steps: []model.Step{
			// The driver dies with no effect contract declared: every
			// mutable property of the touched asset becomes suspect.
			{Name: "mystery", Target: "plate", Op: "fail", Args: map[string]any{"message": "comms lost", "ambiguous": true}},
		},
	}
	run := r.submit(t, def)

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	changes, err := r.store.ListUncertainChanges(context.Background(), run.ID, true)
	if err != nil {
		t.Fatalf("ListUncertainChanges: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("got %d uncertain changes, want 2 (one per mutable prop)", len(changes))
	}
	byKey := map[string]*model.UncertainStateChange{}
	for _, c := range changes {
		byKey[c.StateKey] = c
		if c.ExpectedValue != nil {
			t.Errorf("%s expected = %v, want nil (no contract to predict from)", c.StateKey, c.ExpectedValue)
		}
	}
	if byKey["plate.well_a"] == nil || byKey["plate.well_b"] == nil {
		t.Fatalf("state keys = %v, want plate.well_a and plate.well_b", byKey)
	}

	// A partial resolution carries the operator's physically verified
	// value, and requires one.
	err = r.orch.SubmitResolutions(context.Background(), run.ID, []model.StateResolution{
		{ChangeID: byKey["plate.well_a"].ID, Resolution: model.ResolutionPartial, ResolvedBy: "tester"},
	})
	if !errors.Is(err, engine.ErrBadCommand) {
		t.Fatalf("partial without value: err = %v, want ErrBadCommand", err)
	}

	err = r.orch.SubmitResolutions(context.Background(), run.ID, []model.StateResolution{
		{ChangeID: byKey["plate.well_a"].ID, Resolution: model.ResolutionPartial, Value: 180.0, ResolvedBy: "tester"},
		{ChangeID: byKey["plate.well_b"].ID, Resolution: model.ResolutionUnknown, ResolvedBy: "tester"},
	})
	if err != nil {
		t.Fatalf("SubmitResolutions: %v", err)
	}

	live, err := r.runtime.Snapshot(context.Background(), "plate-1")
	if err != nil {
		t.Fatalf("live snapshot: %v", err)
	}
	if live["well_a"] != 180.0 {
		t.Errorf("well_a = %v, want the verified 180", live["well_a"])
	}
	if live["well_b"] != 0.0 {
		t.Errorf("well_b = %v, want prior 0 (unknown keeps the prior value)", live["well_b"])
	}
}

func TestInterveneSubstitutesAsset(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	r.seedPlate(t, "plate-2", 0)
	run := r.submit(t, transferProtocol())

	// Park the run, flag it for intervention, then resume onto plate-2.
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandPause, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand pause: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandIntervene, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand intervene: %v", err)
	}
	if got := r.getRun(t, run.ID); !got.Intervention {
		t.Fatal("intervention flag not set on paused run")
	}

	payload := map[string]any{"substitutions": map[string]any{"plate": "plate-2"}}
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, payload, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.Intervention {
		t.Error("intervention flag not cleared by resume")
	}

	var bindings model.Bindings
	if err := r.states.GetJSON(context.Background(), run.ID, runstate.KeyBindings, &bindings); err != nil {
		t.Fatalf("load bindings: %v", err)
	}
	if len(bindings["plate"]) != 1 || bindings["plate"][0] != "plate-2" {
		t.Fatalf("bindings = %v, want plate bound to plate-2", bindings)
	}

	// The steps ran on the replacement.
	snap := r.snapshot(t, run.ID, "plate-2")
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("plate-2 snapshot = %v, want well_a=150 well_b=50", snap)
	}

	for _, id := range []string{"plate-1", "plate-2"} {
		asset, err := r.store.GetAsset(context.Background(), id)
		if err != nil {
			t.Fatalf("GetAsset: %v", err)
		}
		if asset.Status != model.AssetAvailable {
			t.Errorf("%s status = %q, want available", id, asset.Status)
		}
	}
}

func TestSubstitutionRejectedKeepsRunPaused(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	reader := &model.Asset{
		ID:       "reader-1",
		Name:     "reader-1",
		Category: model.CategoryPlateReader,
		Status:   model.AssetAvailable,
		Driver:   device.DriverSim,
	}
	if err := r.store.PutAsset(context.Background(), reader); err != nil {
		t.Fatalf("PutAsset: %v", err)
	}
	run := r.submit(t, transferProtocol())

	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandPause, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand pause: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// A plate slot cannot be filled with a plate reader.
	payload := map[string]any{"substitutions": map[string]any{"plate": "reader-1"}}
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, payload, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunPaused {
		t.Fatalf("status = %q, want still paused after rejected substitution", got.Status)
	}
	var bindings model.Bindings
	if err := r.states.GetJSON(context.Background(), run.ID, runstate.KeyBindings, &bindings); err != nil {
		t.Fatalf("load bindings: %v", err)
	}
	if bindings["plate"][0] != "plate-1" {
		t.Errorf("bindings = %v, want plate-1 untouched", bindings)
	}
	if asset, _ := r.store.GetAsset(context.Background(), "reader-1"); asset.Status != model.AssetAvailable {
		t.Errorf("reader-1 status = %q, want available (never kept)", asset.Status)
	}
}

func TestCrashRecoveryRestoresResolvedState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "benchd.db")
	r := newRigAt(t, path)
	r.seedPlate(t, "plate-1", 0)
	def := &model.ProtocolDefinition{
		ID:      "proto-interrupt",
		Name:    "interrupted transfer",
		Version: 1,
		Requirements: []model.AssetRequirement{
			{Name: "plate", Category: model.CategoryPlate},
		},
		Steps: []model.Step{
			{
				Name:   "move volume",
				Target: "plate",
				// The withdraw side applies, then the driver reports the
				// deposit as ambiguous.
				Op:   "transfer",
				Args: map[string]any{"from": "well_a", "to": "well_b", "volume": 50.0, "interrupt": true},
			},
			{Name: "read", Target: "plate", Op: "read", Args: map[string]any{"key": "well_a"}},
		},
	}
	run := r.submit(t, def)

	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	changes, err := r.store.ListUncertainChanges(context.Background(), run.ID, true)
	if err != nil {
		t.Fatalf("ListUncertainChanges: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d uncertain changes, want 1 (only the deposit is ambiguous)", len(changes))
	}
	if changes[0].StateKey != "plate.well_b" {
		t.Errorf("state key = %q, want plate.well_b", changes[0].StateKey)
	}

	// The operator checked the plate: the deposit never happened.
	err = r.orch.SubmitResolutions(context.Background(), run.ID, []model.StateResolution{
		{ChangeID: changes[0].ID, Resolution: model.ResolutionConfirmedFailure, ResolvedBy: "tester"},
	})
	if err != nil {
		t.Fatalf("SubmitResolutions: %v", err)
	}
	if _, err := r.orch.SubmitCommand(context.Background(), run.ID, model.CommandResume, nil, "tester"); err != nil {
		t.Fatalf("SubmitCommand resume: %v", err)
	}

	// Crash: every live session dies with the process. A new process sees
	// only the shared database.
	r.runtime.TeardownAll(context.Background())
	r2 := newRigAt(t, path)

	if err := r2.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume after crash: %v", err)
	}
	got := r2.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	// The applied withdraw survived; the ambiguous deposit rolled back.
	snap := r2.snapshot(t, run.ID, "plate-1")
	if snap["well_a"] != 150.0 {
		t.Errorf("well_a = %v, want 150 (withdraw applied before the failure)", snap["well_a"])
	}
	if snap["well_b"] != 0.0 {
		t.Errorf("well_b = %v, want 0 (deposit confirmed failed)", snap["well_b"])
	}
	var out map[string]any
	if err := r2.states.GetJSON(context.Background(), run.ID, "output.1", &out); err != nil {
		t.Fatalf("load read output: %v", err)
	}
	if out["value"] != 150.0 {
		t.Errorf("read after recovery = %v, want 150", out["value"])
	}
}

func TestDuplicateDeliveryWhileDrivingIsIgnored(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 100)
	run := r.submit(t, transferProtocol())

	done := make(chan error, 1)
	go func() {
		done <- r.orch.Resume(context.Background(), run.ID)
	}()
	r.waitForAudit(t, run.ID, model.EventStepStarted, 5*time.Second)

	// A second delivery while the first is mid-run must not double-drive.
	if err := r.orch.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("duplicate Resume: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := r.getRun(t, run.ID)
	if got.Status != model.RunCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	snap := r.snapshot(t, run.ID, "plate-1")
	if snap["well_a"] != 150.0 || snap["well_b"] != 50.0 {
		t.Errorf("snapshot = %v, want a single application of the transfer", snap)
	}

	var completions int
	for _, k := range r.auditKinds(t, run.ID) {
		if k == model.EventCompleted {
			completions++
		}
	}
	if completions != 1 {
		t.Errorf("completed %d times, want once", completions)
	}
}

func TestCommandValidation(t *testing.T) {
	r := newRig(t)
	r.seedPlate(t, "plate-1", 0)
	run := r.submit(t, transferProtocol())
	ctx := context.Background()

	if _, err := r.orch.SubmitCommand(ctx, run.ID, "explode", nil, "tester"); !errors.Is(err, engine.ErrBadCommand) {
		t.Errorf("unknown command: err = %v, want ErrBadCommand", err)
	}
	if _, err := r.orch.SubmitCommand(ctx, run.ID, model.CommandResume, nil, "tester"); !errors.Is(err, engine.ErrBadCommand) {
		t.Errorf("resume on unparked run: err = %v, want ErrBadCommand", err)
	}
	if _, err := r.orch.SubmitCommand(ctx, "no-such-run", model.CommandPause, nil, "tester"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown run: err = %v, want ErrNotFound", err)
	}
	if err := r.orch.SubmitResolutions(ctx, run.ID, []model.StateResolution{{ChangeID: "x", Resolution: model.ResolutionUnknown}}); !errors.Is(err, engine.ErrNotAwaiting) {
		t.Errorf("resolutions on active run: err = %v, want ErrNotAwaiting", err)
	}

	if err := r.orch.Resume(ctx, run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, err := r.orch.SubmitCommand(ctx, run.ID, model.CommandPause, nil, "tester"); !errors.Is(err, engine.ErrRunDone) {
		t.Errorf("command on terminal run: err = %v, want ErrRunDone", err)
	}
}
