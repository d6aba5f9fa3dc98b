package protocol

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/seqlab/benchd/internal/model"
)

type assetFile struct {
	Assets []*model.Asset `yaml:"assets"`
}

// LoadAssetFile reads an asset inventory from a YAML file. Name defaults to
// the asset ID and status to available; a seed may pre-park an instrument
// offline, but no other status can be seeded.
func LoadAssetFile(path string) ([]*model.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read asset file: %w", err)
	}
	var f assetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse asset file: %w", err)
	}
	if len(f.Assets) == 0 {
		return nil, fmt.Errorf("asset file declares no assets")
	}
	seen := make(map[string]bool, len(f.Assets))
	for i, a := range f.Assets {
		if a.ID == "" {
			return nil, fmt.Errorf("asset %d: id is required", i)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("asset %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.Name == "" {
			a.Name = a.ID
		}
		if !model.KnownCategory(a.Category) {
			return nil, fmt.Errorf("asset %s: unknown category %q", a.ID, a.Category)
		}
		if a.Driver == "" {
			return nil, fmt.Errorf("asset %s: driver is required", a.ID)
		}
		switch a.Status {
		case "":
			a.Status = model.AssetAvailable
		case model.AssetAvailable, model.AssetOffline:
		default:
			return nil, fmt.Errorf("asset %s: status %q cannot be seeded", a.ID, a.Status)
		}
	}
	return f.Assets, nil
}
