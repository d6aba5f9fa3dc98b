package model

import "time"

// Resolution outcomes for an uncertain state change.
const (
	ResolutionConfirmedSuccess = "confirmed_success"
	ResolutionConfirmedFailure = "confirmed_failure"
	ResolutionPartial          = "partial"
	ResolutionUnknown          = "unknown"
)

// ValidResolution reports whether kind names a known resolution outcome.
func ValidResolution(kind string) bool {
	switch kind {
	case ResolutionConfirmedSuccess, ResolutionConfirmedFailure, ResolutionPartial, ResolutionUnknown:
		return true
	}
	return false
}

// UncertainStateChange records one state key whose value became ambiguous
// when a step failed mid-flight. PriorValue is the pre-step snapshot value,
// CurrentValue the unconfirmed post-failure reading (when one could be
// taken), ExpectedValue what a fully applied step would have produced.
// Property is the asset-local key (StateKey minus the slot prefix).
// Resolution is empty until an operator resolves it; resolved entries are
// immutable.
type UncertainStateChange struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	StepIndex     int        `json:"step_index"`
	AssetID       string     `json:"asset_id"`
	StateKey      string     `json:"state_key"`
	Property      string     `json:"property"`
	PriorValue    any        `json:"prior_value"`
	CurrentValue  any        `json:"current_value,omitempty"`
	ExpectedValue any        `json:"expected_value,omitempty"`
	Description   string     `json:"description,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
	ResolvedValue any        `json:"resolved_value,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the change has been resolved.
func (u *UncertainStateChange) Resolved() bool {
	return u.Resolution != ""
}

// StateResolution is one operator verdict on an uncertain change. Value is
// the physically verified value; required for partial resolutions, optional
// for the confirmed outcomes (which default to the expected or prior value).
type StateResolution struct {
	ChangeID   string `json:"change_id"`
	Resolution string `json:"resolution"`
	Value      any    `json:"value,omitempty"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// OperationFailure is the structured failure report a device operation
// returns instead of an error when the physical outcome is ambiguous.
// Applied lists effects known applied, Ambiguous the declared effects whose
// outcome is unknown. An empty Ambiguous list means a clean failure: nothing
// changed, no uncertainty records are needed.
type OperationFailure struct {
	Reason    string   `json:"reason"`
	Applied   []Effect `json:"applied,omitempty"`
	Ambiguous []Effect `json:"ambiguous,omitempty"`
}
