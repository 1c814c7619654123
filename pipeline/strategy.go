package pipeline

import "fmt"

// Step is one stage of a mode=both strategy: either "interpolate" or
// "upscale".
type Step string

const (
	StepInterpolate Step = "interpolate"
	StepUpscale     Step = "upscale"
)

// StrategySteps returns the ordered steps for a mode=both job.
// interp-then-upscale is the default: the upscaler dominates cost, so
// it should run on as few pixels as the job permits by running it
// last, after interpolation has already produced the final frame
// count at the original resolution.
func StrategySteps(strategy string) ([]Step, error) {
	switch strategy {
	case StrategyInterpThenUpscale:
		return []Step{StepInterpolate, StepUpscale}, nil
	case StrategyUpscaleThenInterp:
		return []Step{StepUpscale, StepInterpolate}, nil
	default:
		return nil, fmt.Errorf("unrecognized strategy %q", strategy)
	}
}
