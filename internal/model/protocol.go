package model

import "time"

// AssetRequirement is one slot a protocol needs filled at admission. Name is
// the slot label steps refer to ("@pipettor"); Category constrains which
// assets can fill it. Count and CountParam are mutually exclusive: a fixed
// count, or the name of a run parameter holding the count.
type AssetRequirement struct {
	Name       string `json:"name" yaml:"name"`
	Category   string `json:"category" yaml:"category"`
	Count      int    `json:"count,omitempty" yaml:"count,omitempty"`
	CountParam string `json:"count_param,omitempty" yaml:"count_param,omitempty"`
}

// Effect declares one state change a step intends to make: the state key it
// touches and either a relative delta or an absolute set value. Steps with a
// complete effect list get the fast uncertainty path on ambiguous failure.
type Effect struct {
	StateKey string   `json:"state_key" yaml:"state_key"`
	Delta    *float64 `json:"delta,omitempty" yaml:"delta,omitempty"`
	Set      any      `json:"set,omitempty" yaml:"set,omitempty"`
}

// Step is one instruction in a protocol. Target names the slot whose bound
// asset executes it; Op and Args are interpreted by the asset's adapter.
// Args values of the form "@slot" are resolved to bound asset IDs before
// dispatch.
type Step struct {
	Name    string         `json:"name" yaml:"name"`
	Target  string         `json:"target" yaml:"target"`
	Op      string         `json:"op" yaml:"op"`
	Args    map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
	Effects []Effect       `json:"effects,omitempty" yaml:"effects,omitempty"`
}

// ProtocolDefinition is an ordered list of steps plus the asset slots they
// need. ParamSchema is an optional CUE schema source validated against run
// parameters at submission.
type ProtocolDefinition struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Version      int                `json:"version" yaml:"version"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Requirements []AssetRequirement `json:"requirements" yaml:"requirements"`
	Steps        []Step             `json:"steps" yaml:"steps"`
	ParamSchema  string             `json:"param_schema,omitempty" yaml:"param_schema,omitempty"`
	CreatedAt    time.Time          `json:"created_at" yaml:"-"`
}
