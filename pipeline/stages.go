package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/progress"
	"github.com/vidfleet/vidfleet/video"
)

// Deps bundles the external clients the orchestrator drives the
// state machine through. All of them must be safe for concurrent use
// since the fleet orchestrator may run many jobs' worker processes in
// parallel across instances (each worker, however, runs exactly one
// job single-threaded).
type Deps struct {
	ObjectStore *clients.ObjectStoreClient
	Codec       *video.Codec
	Processor   *ProcessorClient
	Bucket      string

	// ForceSoftwareEncode skips the hardware encoder attempt entirely,
	// set from the worker's --force-software-encode flag for
	// operators running on instances with no usable GPU encoder.
	ForceSoftwareEncode bool
}

// downloadInput fetches the job's input into the workspace.
func downloadInput(ctx context.Context, deps Deps, job Job, ws *Workspace) (string, error) {
	inputPath := ws.Path("input", filepath.Base(job.InputRef))
	if err := deps.ObjectStore.Download(ctx, deps.Bucket, job.InputRef, inputPath); err != nil {
		return "", fmt.Errorf("failed to download input: %w", err)
	}
	return inputPath, nil
}

// probeInput extracts VideoMeta from the downloaded input.
func probeInput(requestID, inputPath string, prober video.Prober) (VideoMeta, error) {
	probed, err := prober.ProbeFile(requestID, inputPath)
	if err != nil {
		return VideoMeta{}, fmt.Errorf("failed to probe input: %w", err)
	}
	track, err := probed.GetTrack(video.TrackTypeVideo)
	if err != nil {
		return VideoMeta{}, fmt.Errorf("probed input has no video track: %w", err)
	}
	_, hasAudio := tryGetTrack(probed, video.TrackTypeAudio)
	return VideoMeta{
		FPS:      track.FPS,
		Width:    int(track.Width),
		Height:   int(track.Height),
		HasAudio: hasAudio,
	}, nil
}

func tryGetTrack(iv video.InputVideo, trackType string) (video.InputTrack, bool) {
	track, err := iv.GetTrack(trackType)
	return track, err == nil
}

// extractFrames runs the frame codec's extraction step.
func extractFrames(ctx context.Context, deps Deps, requestID, inputPath string, ws *Workspace) error {
	return deps.Codec.ExtractFrames(ctx, requestID, inputPath, ws.Path("frames"))
}

// runProcessing applies the job's mode (and, for mode=both, its
// strategy order) to the extracted frames, returning the directory
// holding the final processed frame set.
func runProcessing(ctx context.Context, deps Deps, requestID string, job Job, ws *Workspace) (string, error) {
	switch job.Mode {
	case ModeUpscale:
		out := ws.Path("upscale")
		if err := deps.Processor.Upscale(ctx, requestID, ws.Path("frames"), out, job.Scale, false); err != nil {
			return "", err
		}
		return out, nil

	case ModeInterp:
		out := ws.Path("interp")
		if err := deps.Processor.Interpolate(ctx, requestID, ws.Path("frames"), out, job.InterpFactor, false); err != nil {
			return "", err
		}
		return out, nil

	case ModeBoth:
		steps, err := StrategySteps(job.Strategy)
		if err != nil {
			return "", err
		}
		current := ws.Path("frames")
		for i, step := range steps {
			isFinalStep := i == len(steps)-1
			switch step {
			case StepInterpolate:
				out := ws.Path("interp")
				if err := deps.Processor.Interpolate(ctx, requestID, current, out, job.InterpFactor, !isFinalStep); err != nil {
					return "", err
				}
				current = out
			case StepUpscale:
				out := ws.Path("upscale")
				if err := deps.Processor.Upscale(ctx, requestID, current, out, job.Scale, !isFinalStep); err != nil {
					return "", err
				}
				current = out
			}
		}
		return current, nil

	default:
		return "", fmt.Errorf("unrecognized mode %q", job.Mode)
	}
}

// assembleOutput extracts an audio sidecar (best-effort), assembles
// the processed frames at the job's target fps, and returns the
// output file path.
func assembleOutput(ctx context.Context, deps Deps, requestID, inputPath, framesDir string, meta VideoMeta, job Job, ws *Workspace) (string, error) {
	var sidecar string
	if meta.HasAudio {
		candidate := ws.Path("output", "audio.aac")
		if ok, _ := deps.Codec.ExtractAudio(ctx, requestID, inputPath, candidate); ok {
			sidecar = candidate
		}
	}

	outputPath := ws.Path("output", filepath.Base(job.OutputKey))
	targetFPS := TargetFPS(meta.FPS, job)

	err := deps.Codec.Assemble(ctx, requestID, video.AssembleOptions{
		FramesDir:     framesDir,
		AudioSidecar:  sidecar,
		TargetFPS:     targetFPS,
		OutputPath:    outputPath,
		ForceSoftware: deps.ForceSoftwareEncode,
	})
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

// uploadFinal uploads the assembled output; on failure the caller is
// responsible for writing a PendingUploadRecord via the journal
// package. The upload is hashed in-flight so a corrupted transfer is
// logged even though the object store has already acknowledged it.
func uploadFinal(ctx context.Context, deps Deps, requestID, outputPath string, job Job) (clients.UploadResult, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return clients.UploadResult{}, fmt.Errorf("failed to open assembled output for upload: %w", err)
	}
	defer f.Close()

	hashed := progress.NewReadHasher(f)
	result, err := deps.ObjectStore.Upload(ctx, deps.Bucket, job.OutputKey, hashed)
	if err != nil {
		return clients.UploadResult{}, err
	}
	log.Log(requestID, "uploaded output", "sha256", hashed.SHA256(), "size", result.Size)
	return result, nil
}

// stageTimer records how long a stage took into durations[name], using
// clock to read the current time so stage-duration tests can inject a
// FixedTimestampGenerator instead of depending on wall-clock time.
func stageTimer(clock config.TimestampGenerator, durations map[string]time.Duration, name string) func() {
	start := clock.GetTime()
	return func() {
		durations[name] = clock.GetTime().Sub(start)
	}
}
