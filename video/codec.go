package video

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/subprocess"
)

// MinAssembledSizeBytes is the minimum size threshold for an
// assembled output file; ffmpeg's hardware encoder path sometimes
// produces a metadata-only stub on failure rather than exiting
// non-zero, so size is checked explicitly.
const MinAssembledSizeBytes = 50 * 1024

// FramePattern is the forced 8-bit RGB frame naming convention shared
// by extraction and assembly.
const FramePattern = "frame_%06d.png"

// Codec shells out to ffmpeg via the subprocess supervisor to
// extract, audio-sidecar, and assemble frame sequences. It never
// decodes or encodes in-process.
type Codec struct {
	Supervisor *subprocess.Supervisor
	Prober     Prober
}

func NewCodec() *Codec {
	return &Codec{Supervisor: subprocess.NewSupervisor(), Prober: Probe{}}
}

// ExtractFrames decodes inputPath and writes sequentially numbered
// 8-bit RGB frames under framesDir, starting at index 1. Rotation
// metadata is baked into the frames by ffmpeg's default autorotate.
// No padding is computed here, and VideoTrack.Rotated90 is not
// consulted.
func (c *Codec) ExtractFrames(ctx context.Context, requestID, inputPath, framesDir string) error {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return fmt.Errorf("failed to create frames dir: %w", err)
	}

	result, err := c.Supervisor.Run(ctx, subprocess.Command{
		RequestID: requestID,
		Argv: []string{
			"ffmpeg", "-y",
			"-i", inputPath,
			"-pix_fmt", "rgb24",
			"-vsync", "0",
			filepath.Join(framesDir, FramePattern),
		},
		MaxOutputLines: 200,
	})
	if err != nil {
		return fmt.Errorf("failed to run ffmpeg frame extraction: %w", err)
	}
	if result.ExitCode != 0 {
		return errors.ProcessingFailed(fmt.Errorf("ffmpeg frame extraction exited %d: %s", result.ExitCode, result.Stderr))
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil || len(entries) == 0 {
		return errors.ProcessingFailed(fmt.Errorf("ffmpeg frame extraction produced no frames"))
	}
	return nil
}

// ExtractAudio best-effort copies the first audio stream of inputPath
// to sidecarPath. Absence of an audio stream is not a failure; the
// caller gets a (false, nil) result and proceeds without a sidecar.
func (c *Codec) ExtractAudio(ctx context.Context, requestID, inputPath, sidecarPath string) (bool, error) {
	result, err := c.Supervisor.Run(ctx, subprocess.Command{
		RequestID: requestID,
		Argv: []string{
			"ffmpeg", "-y",
			"-i", inputPath,
			"-vn", "-acodec", "copy",
			sidecarPath,
		},
		MaxOutputLines: 100,
	})
	if err != nil {
		return false, nil
	}
	if result.ExitCode != 0 {
		return false, nil
	}
	info, err := os.Stat(sidecarPath)
	if err != nil || info.Size() == 0 {
		return false, nil
	}
	return true, nil
}

// AssembleOptions parameterizes one assembly run.
type AssembleOptions struct {
	FramesDir      string
	AudioSidecar   string // empty if none
	TargetFPS      float64
	OutputPath     string
	ForceSoftware  bool // skip hardware encoder attempt entirely
}

// Assemble combines a contiguous frame sequence (and optional audio
// sidecar) into outputPath at the target fps. It tries a hardware
// encoder first and falls back to software (libx264, CRF 18,
// yuv420p) if the hardware path fails or produces a file under
// MinAssembledSizeBytes — a common failure mode of the hardware path
// is a metadata-only stub rather than a non-zero exit.
func (c *Codec) Assemble(ctx context.Context, requestID string, opts AssembleOptions) error {
	if !opts.ForceSoftware {
		if err := c.assembleWith(ctx, requestID, opts, hardwareEncoderArgs); err == nil {
			if ok, _ := c.meetsMinSize(opts.OutputPath); ok {
				return nil
			}
		}
	}

	if err := c.assembleWith(ctx, requestID, opts, softwareEncoderArgs); err != nil {
		return errors.ProcessingFailed(fmt.Errorf("software assembly failed: %w", err))
	}
	ok, err := c.meetsMinSize(opts.OutputPath)
	if err != nil {
		return errors.ProcessingFailed(fmt.Errorf("failed to stat assembled output: %w", err))
	}
	if !ok {
		return errors.ProcessingFailed(fmt.Errorf("assembled output %q is under the %d byte minimum", opts.OutputPath, MinAssembledSizeBytes))
	}
	return nil
}

func (c *Codec) meetsMinSize(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.Size() >= MinAssembledSizeBytes, nil
}

type encoderArgsFunc func(opts AssembleOptions) []string

func (c *Codec) assembleWith(ctx context.Context, requestID string, opts AssembleOptions, encoderArgs encoderArgsFunc) error {
	result, err := c.Supervisor.Run(ctx, subprocess.Command{
		RequestID:      requestID,
		Argv:           encoderArgs(opts),
		MaxOutputLines: 200,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("ffmpeg assembly exited %d: %s", result.ExitCode, result.Stderr)
	}
	return nil
}

func hardwareEncoderArgs(opts AssembleOptions) []string {
	argv := []string{
		"ffmpeg", "-y",
		"-framerate", fmt.Sprint(opts.TargetFPS),
		"-i", filepath.Join(opts.FramesDir, FramePattern),
	}
	if opts.AudioSidecar != "" {
		argv = append(argv, "-i", opts.AudioSidecar, "-c:a", "copy")
	}
	argv = append(argv,
		"-c:v", "h264_nvenc",
		"-pix_fmt", "yuv420p",
		opts.OutputPath,
	)
	return argv
}

func softwareEncoderArgs(opts AssembleOptions) []string {
	argv := []string{
		"ffmpeg", "-y",
		"-framerate", fmt.Sprint(opts.TargetFPS),
		"-i", filepath.Join(opts.FramesDir, FramePattern),
	}
	if opts.AudioSidecar != "" {
		argv = append(argv, "-i", opts.AudioSidecar, "-c:a", "copy")
	}
	argv = append(argv,
		"-c:v", "libx264",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		opts.OutputPath,
	)
	return argv
}
