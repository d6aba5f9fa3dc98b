package model

import "time"

// Audit event kinds emitted over a run's lifetime.
const (
	EventSubmitted    = "submitted"
	EventAdmitted     = "admitted"
	EventWaiting      = "waiting"
	EventStepStarted  = "step_started"
	EventStepFinished = "step_finished"
	EventStepFailed   = "step_failed"
	EventPaused       = "paused"
	EventResumed      = "resumed"
	EventCancelled    = "cancelled"
	EventIntervention = "intervention"
	EventUncertainty  = "uncertainty"
	EventResolved     = "resolved"
	EventCompleted    = "completed"
	EventFailed       = "failed"
	EventRequeued     = "requeued"
	EventRecovered    = "recovered"
)

// AuditEvent is one append-only audit trail entry for a run.
type AuditEvent struct {
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	Kind    string    `json:"kind"`
	Step    int       `json:"step,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}
