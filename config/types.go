package config

import "github.com/vidfleet/vidfleet/errors"

const (
	ModeUpscale = "upscale"
	ModeInterp  = "interp"
	ModeBoth    = "both"

	StrategyInterpThenUpscale = "interp-then-upscale"
	StrategyUpscaleThenInterp = "upscale-then-interp"
)

// VideoConfig holds the per-batch processing parameters resolved from the
// config document's `video.*` keys.
type VideoConfig struct {
	InputDir     string   `mapstructure:"input_dir"`
	Mode         string   `mapstructure:"mode"`
	Scale        float64  `mapstructure:"scale"`
	InterpFactor int      `mapstructure:"interp_factor"`
	Strategy     string   `mapstructure:"strategy"`
	TargetFPS    *float64 `mapstructure:"target_fps"`
}

// BatchConfig holds the `batch.*` keys controlling enumeration and offer
// selection.
type BatchConfig struct {
	Preset       string `mapstructure:"preset"`
	SkipExisting bool   `mapstructure:"skip_existing"`
	MaxFiles     int    `mapstructure:"max_files"`
	DryRun       bool   `mapstructure:"dry_run"`
}

// PipelineConfig is the typed record decoded from the merged baseline+remote
// config map. Unknown keys are preserved on UnrecognizedConfig rather than
// being dropped, per the deep-merge passthrough requirement.
type PipelineConfig struct {
	Video     VideoConfig    `mapstructure:"video"`
	Batch     BatchConfig    `mapstructure:"batch"`
	GitBranch string         `mapstructure:"git_branch"`
	ConfigURL string         `mapstructure:"config_url"`

	// UnrecognizedConfig retains every top-level key not mapped onto a
	// PipelineConfig field above, so the worker can still see operator
	// extensions the controller binary doesn't know about.
	UnrecognizedConfig map[string]any `mapstructure:"-"`
}

// Validate checks the enum/numeric-bound invariants that spec.md requires
// to happen once at load time, not scattered across use sites.
func (c PipelineConfig) Validate() error {
	switch c.Video.Mode {
	case ModeUpscale, ModeInterp, ModeBoth:
	default:
		return errors.PermanentConfig("invalid video.mode %q", c.Video.Mode)
	}
	if c.Video.Mode != ModeInterp && c.Video.Scale <= 0 {
		return errors.PermanentConfig("video.scale must be positive for mode %q", c.Video.Mode)
	}
	if c.Video.Mode != ModeUpscale && c.Video.InterpFactor < 2 {
		return errors.PermanentConfig("video.interp_factor must be >= 2 for mode %q", c.Video.Mode)
	}
	if c.Video.Mode == ModeBoth {
		switch c.Video.Strategy {
		case StrategyInterpThenUpscale, StrategyUpscaleThenInterp:
		default:
			return errors.PermanentConfig("invalid video.strategy %q", c.Video.Strategy)
		}
	}
	return nil
}

// recognizedTopLevelKeys lists the keys the typed struct above maps onto,
// used by the resolver to split the merged map into typed fields plus
// passthrough.
var recognizedTopLevelKeys = map[string]bool{
	"video":      true,
	"batch":      true,
	"git_branch": true,
	"config_url": true,
}
