package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vidfleet/vidfleet/config"
)

const (
	ModeUpscale = config.ModeUpscale
	ModeInterp  = config.ModeInterp
	ModeBoth    = config.ModeBoth

	StrategyInterpThenUpscale = config.StrategyInterpThenUpscale
	StrategyUpscaleThenInterp = config.StrategyUpscaleThenInterp
)

// CompletionMarker is the single in-band success signal a worker
// emits on stdout exactly once per successful job. The Worker Log
// Watcher never looks for anything else.
const CompletionMarker = "VASTAI_PIPELINE_COMPLETED_SUCCESSFULLY"

// SuppressUploadEnvVar suppresses a frame-batch processor's own
// auto-upload/completion-marker behavior for a non-final stage
// invocation in mode=both.
const SuppressUploadEnvVar = "VIDFLEET_SUPPRESS_UPLOAD"

// Job is the immutable description of one processing request,
// created by the fleet orchestrator and consumed by the local
// pipeline orchestrator.
type Job struct {
	JobID        string
	InputRef     string
	OutputKey    string
	Mode         string
	Scale        float64
	InterpFactor int
	Strategy     string
	TargetFPS    *float64

	UnrecognizedConfig map[string]any
}

func (j Job) Validate() error {
	switch j.Mode {
	case ModeUpscale:
		if j.Scale <= 0 {
			return fmt.Errorf("job %s: mode=upscale requires a positive scale", j.JobID)
		}
	case ModeInterp:
		if j.InterpFactor < 2 {
			return fmt.Errorf("job %s: mode=interp requires interp_factor >= 2", j.JobID)
		}
	case ModeBoth:
		if j.Scale <= 0 || j.InterpFactor < 2 {
			return fmt.Errorf("job %s: mode=both requires scale > 0 and interp_factor >= 2", j.JobID)
		}
		if j.Strategy != StrategyInterpThenUpscale && j.Strategy != StrategyUpscaleThenInterp {
			return fmt.Errorf("job %s: mode=both requires a valid strategy", j.JobID)
		}
	default:
		return fmt.Errorf("job %s: unrecognized mode %q", j.JobID, j.Mode)
	}
	return nil
}

// VideoMeta is the immutable result of probing an input at extract
// time. FPS is the original fps as parsed by the frame codec's probe
// step (already resolved from ffprobe's exact num/den rational).
type VideoMeta struct {
	FPS        float64
	FrameCount int
	Width      int
	Height     int
	HasAudio   bool
}

// Result is what the worker produces on success; written to
// result.json at the workspace root in addition to the completion
// marker on stdout.
type Result struct {
	JobID          string                   `json:"job_id"`
	OutputURL      string                   `json:"output_url"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
}

// Workspace is the worker-owned temporary directory tree for exactly
// one Job.
type Workspace struct {
	Root string
}

func NewWorkspace(root string) (*Workspace, error) {
	for _, sub := range []string{"input", "frames", "interp", "upscale", "output"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace subdir %q: %w", sub, err)
		}
	}
	return &Workspace{Root: root}, nil
}

func (w *Workspace) Path(parts ...string) string {
	return filepath.Join(append([]string{w.Root}, parts...)...)
}

// Cleanup removes the entire workspace tree; callers only invoke this
// on success per the worker's retain-on-failure contract.
func (w *Workspace) Cleanup() error {
	return os.RemoveAll(w.Root)
}
