package model

import "time"

// Run status constants.
const (
	RunPending            = "pending"
	RunPreparing          = "preparing"
	RunRunning            = "running"
	RunPaused             = "paused"
	RunAwaitingResolution = "awaiting_resolution"
	RunCompleted          = "completed"
	RunFailed             = "failed"
	RunCancelled          = "cancelled"
)

// runTransitions maps each run status to the set of statuses it may
// transition to. Terminal statuses have no outgoing edges.
//
// preparing→pending is the stale-lock requeue path: a run whose worker died
// loses its reservations and goes back through admission.
var runTransitions = map[string]map[string]bool{
	RunPending: {
		RunPreparing: true,
		RunCancelled: true,
		RunFailed:    true,
	},
	RunPreparing: {
		RunRunning:   true,
		RunPending:   true,
		RunCancelled: true,
		RunFailed:    true,
	},
	RunRunning: {
		RunPaused:             true,
		RunAwaitingResolution: true,
		RunCompleted:          true,
		RunCancelled:          true,
		RunFailed:             true,
		RunPending:            true,
	},
	RunPaused: {
		RunRunning:   true,
		RunCancelled: true,
		RunFailed:    true,
	},
	RunAwaitingResolution: {
		RunRunning:   true,
		RunCancelled: true,
		RunFailed:    true,
	},
}

// ValidRunTransition reports whether transitioning a run from one status to
// another is allowed.
func ValidRunTransition(from, to string) bool {
	targets, ok := runTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// RunTerminal reports whether a run status is terminal (immutable).
func RunTerminal(status string) bool {
	switch status {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// RunParked reports whether a run is suspended waiting on an external
// decision (operator resume or resolution). Parked runs keep their
// reservations; the scheduler stewards their leases.
func RunParked(status string) bool {
	return status == RunPaused || status == RunAwaitingResolution
}

// Params holds the caller-supplied run parameters. Values are restricted to
// JSON-serializable primitives and collections.
type Params map[string]any

// Bindings maps a requirement slot name to the asset IDs bound to it at
// admission. Written once by the scheduler, read by every resume.
type Bindings map[string][]string

// Run is one execution instance of a protocol definition. CurrentStep is the
// index of the next step to execute (0-based). Exactly one live orchestrator
// drives a given run at a time; terminal runs are immutable.
type Run struct {
	ID           string     `json:"id"`
	ProtocolID   string     `json:"protocol_id"`
	Parameters   Params     `json:"parameters,omitempty"`
	Status       string     `json:"status"`
	CurrentStep  int        `json:"current_step"`
	Priority     int        `json:"priority"`
	Intervention bool       `json:"intervention,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}
