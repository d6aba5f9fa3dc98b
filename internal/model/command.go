package model

import "time"

// Control command kinds. Commands are consumed by the orchestrator at step
// boundaries only; in-flight device operations are never interrupted.
const (
	CommandPause     = "pause"
	CommandResume    = "resume"
	CommandCancel    = "cancel"
	CommandIntervene = "intervene"
)

// ValidCommand reports whether kind names a known control command.
func ValidCommand(kind string) bool {
	switch kind {
	case CommandPause, CommandResume, CommandCancel, CommandIntervene:
		return true
	}
	return false
}

// ControlCommand is one queued operator instruction for a run. Payload
// carries command-specific data: for resume-after-intervene it may hold
// parameter substitutions applied before execution continues.
type ControlCommand struct {
	ID       string         `json:"id"`
	RunID    string         `json:"run_id"`
	Command  string         `json:"command"`
	Payload  map[string]any `json:"payload,omitempty"`
	IssuedBy string         `json:"issued_by,omitempty"`
	IssuedAt time.Time      `json:"issued_at"`
}
