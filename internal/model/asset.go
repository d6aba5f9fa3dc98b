package model

import "time"

// Asset categories. A protocol requirement names a category; the scheduler
// binds concrete assets of that category at admission time.
const (
	CategoryLiquidHandler = "liquid_handler"
	CategoryThermocycler  = "thermocycler"
	CategoryPlateReader   = "plate_reader"
	CategoryIncubator     = "incubator"
	CategoryPlate         = "plate"
	CategoryTipRack       = "tip_rack"
	CategoryReservoir     = "reservoir"
)

// KnownCategory reports whether c is one of the asset categories above.
func KnownCategory(c string) bool {
	switch c {
	case CategoryLiquidHandler, CategoryThermocycler, CategoryPlateReader,
		CategoryIncubator, CategoryPlate, CategoryTipRack, CategoryReservoir:
		return true
	}
	return false
}

// Asset status constants.
const (
	AssetAvailable = "available"
	AssetReserved  = "reserved"
	AssetInUse     = "in_use"
	AssetError     = "error"
	AssetOffline   = "offline"
)

// assetTransitions maps each asset status to its allowed successors.
// error and offline both recover to available only.
var assetTransitions = map[string]map[string]bool{
	AssetAvailable: {
		AssetReserved: true,
		AssetOffline:  true,
		AssetError:    true,
	},
	AssetReserved: {
		AssetInUse:     true,
		AssetAvailable: true,
		AssetError:     true,
	},
	AssetInUse: {
		AssetReserved:  true,
		AssetAvailable: true,
		AssetError:     true,
	},
	AssetError: {
		AssetAvailable: true,
	},
	AssetOffline: {
		AssetAvailable: true,
	},
}

// ValidAssetTransition reports whether transitioning an asset from one status
// to another is allowed.
func ValidAssetTransition(from, to string) bool {
	targets, ok := assetTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Asset is a physical device or labware item in the catalog. Driver selects
// the device adapter used to open sessions against it; Config is passed to
// the adapter verbatim. MutableProps lists the state keys an operation on
// this asset could conceivably disturb; the conservative uncertainty path
// enumerates them.
type Asset struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Category     string         `json:"category" yaml:"category"`
	Status       string         `json:"status" yaml:"status,omitempty"`
	Driver       string         `json:"driver" yaml:"driver"`
	Config       map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	MutableProps []string       `json:"mutable_props,omitempty" yaml:"mutable_props,omitempty"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"-"`
}
