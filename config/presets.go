package config

import "github.com/vidfleet/vidfleet/errors"

// OfferPreset is a named tuple of offer-filter parameters, resolved from
// `batch.preset`. The named preset is used as is: the config document's
// `batch` mapping has no keys for overriding its individual fields.
type OfferPreset struct {
	MinVRAMGB       int
	MaxPricePerHour float64
	MinReliability  float64
	GPUNameFilter   string
}

var builtinPresets = map[string]OfferPreset{
	"cheap": {
		MinVRAMGB:       8,
		MaxPricePerHour: 0.20,
		MinReliability:  0.90,
	},
	"balanced": {
		MinVRAMGB:       16,
		MaxPricePerHour: 0.60,
		MinReliability:  0.95,
	},
	"fast": {
		MinVRAMGB:       24,
		MaxPricePerHour: 2.00,
		MinReliability:  0.95,
		GPUNameFilter:   "A100",
	},
}

// ResolvePreset looks up a named preset from the built-in table. An unknown
// preset name is a PermanentConfig error: nothing should be launched
// against filters nobody defined.
func ResolvePreset(name string) (OfferPreset, error) {
	preset, ok := builtinPresets[name]
	if !ok {
		return OfferPreset{}, errors.PermanentConfig("unknown batch.preset %q", name)
	}
	return preset, nil
}
