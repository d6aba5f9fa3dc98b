// Package protocol ingests the catalog: protocol definitions and asset
// inventories from YAML files, structural validation of slots, steps, and
// effect contracts, and CUE validation of run parameters at submission.
package protocol

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/seqlab/benchd/internal/model"
)

// Load reads and validates one protocol definition from a YAML file.
func Load(path string) (*model.ProtocolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read protocol file: %w", err)
	}
	var def model.ProtocolDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := Validate(&def); err != nil {
		return nil, fmt.Errorf("protocol %s: %w", filepath.Base(path), err)
	}
	return &def, nil
}

// LoadDir loads every .yaml/.yml file under dir, recursively, and returns
// the definitions sorted by ID. Two files declaring the same protocol ID is
// an error.
func LoadDir(dir string) ([]*model.ProtocolDefinition, error) {
	var defs []*model.ProtocolDefinition
	seen := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		def, err := Load(path)
		if err != nil {
			return err
		}
		if prev, ok := seen[def.ID]; ok {
			return fmt.Errorf("protocol %s declared in both %s and %s", def.ID, prev, filepath.Base(path))
		}
		seen[def.ID] = filepath.Base(path)
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Validate checks a definition's internal consistency: step targets, "@slot"
// args, and effect state keys must all name declared requirement slots.
func Validate(def *model.ProtocolDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("id is required")
	}
	if def.Name == "" {
		return fmt.Errorf("name is required")
	}
	if def.Version < 1 {
		return fmt.Errorf("version must be at least 1")
	}
	if len(def.Requirements) == 0 {
		return fmt.Errorf("at least one asset requirement is required")
	}
	slots := make(map[string]bool, len(def.Requirements))
	for i, req := range def.Requirements {
		if req.Name == "" {
			return fmt.Errorf("requirement %d: name is required", i)
		}
		if slots[req.Name] {
			return fmt.Errorf("requirement %q: duplicate slot name", req.Name)
		}
		slots[req.Name] = true
		if !model.KnownCategory(req.Category) {
			return fmt.Errorf("requirement %q: unknown category %q", req.Name, req.Category)
		}
		if req.Count < 0 {
			return fmt.Errorf("requirement %q: count must not be negative", req.Name)
		}
		if req.Count > 0 && req.CountParam != "" {
			return fmt.Errorf("requirement %q: count and count_param are mutually exclusive", req.Name)
		}
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	for i, step := range def.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if step.Op == "" {
			return fmt.Errorf("step %q: op is required", step.Name)
		}
		if step.Target == "" {
			return fmt.Errorf("step %q: target is required", step.Name)
		}
		if !slots[step.Target] {
			return fmt.Errorf("step %q: target %q is not a declared slot", step.Name, step.Target)
		}
		for arg, v := range step.Args {
			ref, ok := v.(string)
			if !ok || !strings.HasPrefix(ref, "@") {
				continue
			}
			if !slots[ref[1:]] {
				return fmt.Errorf("step %q: arg %q references undeclared slot %q", step.Name, arg, ref[1:])
			}
		}
		for _, eff := range step.Effects {
			slot, _, found := strings.Cut(eff.StateKey, ".")
			if !found {
				return fmt.Errorf("step %q: effect state key %q must be of the form slot.property", step.Name, eff.StateKey)
			}
			if !slots[slot] {
				return fmt.Errorf("step %q: effect state key %q references undeclared slot %q", step.Name, eff.StateKey, slot)
			}
			if eff.Delta != nil && eff.Set != nil {
				return fmt.Errorf("step %q: effect %q declares both delta and set", step.Name, eff.StateKey)
			}
			if eff.Delta == nil && eff.Set == nil {
				return fmt.Errorf("step %q: effect %q declares neither delta nor set", step.Name, eff.StateKey)
			}
		}
	}
	if def.ParamSchema != "" {
		if err := compileSchema(def.ParamSchema); err != nil {
			return fmt.Errorf("param_schema: %w", err)
		}
	}
	return nil
}
