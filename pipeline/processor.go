package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/subprocess"
)

// Capabilities describes what a frame-batch processor binary can do
// on the accelerator it finds itself running on. The worker queries
// this once per job and logs it; it is never silently swallowed.
type Capabilities struct {
	BatchSize int
	UsesGPU   bool
	VRAMBytes int64
}

// ProcessorClient is the opaque contract for both frame-batch
// processor variants. The actual model kernel lives in a separate
// binary invoked through the subprocess supervisor — this client only
// knows the process contract (argv, env, directory-in/directory-out),
// never the model internals.
type ProcessorClient struct {
	Supervisor    *subprocess.Supervisor
	UpscaleBinary string
	InterpBinary  string
	ProbeBinary   string
}

func NewProcessorClient() *ProcessorClient {
	return &ProcessorClient{
		Supervisor:    subprocess.NewSupervisor(),
		UpscaleBinary: "frame-upscaler",
		InterpBinary:  "frame-interpolator",
		ProbeBinary:   "frame-processor-probe",
	}
}

// ProbeCapabilities runs a small test tensor on the accelerator via
// the probe binary and falls back to CPU if the kernel is rejected —
// a common failure mode on newer compute capabilities paired with an
// older runtime.
func (p *ProcessorClient) ProbeCapabilities(ctx context.Context, requestID string) (Capabilities, error) {
	result, err := p.Supervisor.Run(ctx, subprocess.Command{
		RequestID: requestID,
		Argv:      []string{p.ProbeBinary, "--probe-compatibility"},
	})
	if err != nil {
		return Capabilities{}, fmt.Errorf("failed to run capability probe: %w", err)
	}
	if result.ExitCode != 0 {
		// Kernel rejected on this accelerator; fall back to a
		// conservative CPU-only batch size rather than failing the job.
		return Capabilities{BatchSize: 1, UsesGPU: false}, nil
	}
	return parseCapabilities(result.Stdout)
}

func parseCapabilities(stdout string) (Capabilities, error) {
	var caps Capabilities
	caps.BatchSize = 8
	caps.UsesGPU = true

	for _, line := range splitLines(stdout) {
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		switch key {
		case "batch_size":
			if n, err := strconv.Atoi(value); err == nil {
				caps.BatchSize = n
			}
		case "vram_bytes":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				caps.VRAMBytes = n
			}
		case "uses_gpu":
			caps.UsesGPU = value == "true"
		}
	}
	return caps, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func splitKV(line string) (key, value string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

// Upscale produces a FrameSet with identical frame count and
// per-frame dimensions (w*scale, h*scale).
func (p *ProcessorClient) Upscale(ctx context.Context, requestID, framesIn, framesOut string, scale float64, suppressUpload bool) error {
	if err := os.MkdirAll(framesOut, 0o755); err != nil {
		return fmt.Errorf("failed to create upscale output dir: %w", err)
	}
	return p.run(ctx, requestID, p.UpscaleBinary, []string{
		"--frames-in", framesIn,
		"--frames-out", framesOut,
		"--scale", fmt.Sprint(scale),
	}, suppressUpload)
}

// Interpolate produces a FrameSet containing every input frame plus
// factor-1 synthesized frames between each adjacent input pair.
// Internal padding to a multiple of 64 is the processor binary's own
// concern; it must crop back to the input dimensions before writing,
// or the assembled video visibly jumps at every frame boundary.
func (p *ProcessorClient) Interpolate(ctx context.Context, requestID, framesIn, framesOut string, factor int, suppressUpload bool) error {
	if factor < 2 {
		return errors.PermanentConfig("interpolation factor must be >= 2, got %d", factor)
	}
	if err := os.MkdirAll(framesOut, 0o755); err != nil {
		return fmt.Errorf("failed to create interpolation output dir: %w", err)
	}
	inputFrameCount := countFrames(framesIn)
	if err := p.run(ctx, requestID, p.InterpBinary, []string{
		"--frames-in", framesIn,
		"--frames-out", framesOut,
		"--factor", fmt.Sprint(factor),
	}, suppressUpload); err != nil {
		return err
	}
	verifyInterpolatedFrameCount(requestID, inputFrameCount, factor, countFrames(framesOut))
	return nil
}

// verifyInterpolatedFrameCount logs (rather than fails the job) when
// the processor binary's actual output deviates from the frame-count
// law, since the binary's own exit code is authoritative for
// success/failure; this is a canary for silent kernel regressions.
func verifyInterpolatedFrameCount(requestID string, inputFrameCount, factor, actualFrameCount int) {
	expected := InterpolatedFrameCount(inputFrameCount, factor)
	if expected != actualFrameCount {
		log.Log(requestID, "interpolated frame count deviates from expected",
			"input_frames", inputFrameCount, "factor", factor,
			"expected_frames", expected, "actual_frames", actualFrameCount)
	}
}

func countFrames(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	return len(entries)
}

func (p *ProcessorClient) run(ctx context.Context, requestID, binary string, args []string, suppressUpload bool) error {
	env := map[string]string{}
	if suppressUpload {
		env[SuppressUploadEnvVar] = "1"
	}

	result, err := p.Supervisor.Run(ctx, subprocess.Command{
		RequestID:      requestID,
		Argv:           append([]string{binary}, args...),
		Env:            env,
		MaxOutputLines: 200,
	})
	if err != nil {
		return fmt.Errorf("failed to run %s: %w", binary, err)
	}
	if result.ExitCode != 0 {
		return errors.ProcessingFailed(fmt.Errorf("%s exited %d: %s", binary, result.ExitCode, result.Stderr))
	}
	return nil
}
