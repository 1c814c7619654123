package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/journal"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
)

// Orchestrator drives one Job through the full worker-side state
// machine: retry_pending_upload -> download -> probe -> extract ->
// process -> assemble -> upload -> completion marker -> cleanup.
// Per §5, the worker's control flow is strictly single-threaded: no
// stage begins before the prior stage has persisted its outputs.
type Orchestrator struct {
	Deps              Deps
	WorkspaceRoot     string
	MaxUploadAttempts int
	Clock             config.TimestampGenerator

	// SuppressUpload skips the final upload and completion marker,
	// retaining the assembled output in the workspace instead. Set
	// from the worker's --suppress-upload flag for an operator-driven
	// multi-invocation split of a mode=both job across two launches.
	SuppressUpload bool
}

func NewOrchestrator(deps Deps, workspaceRoot string) *Orchestrator {
	return &Orchestrator{
		Deps:              deps,
		WorkspaceRoot:     workspaceRoot,
		MaxUploadAttempts: journal.DefaultMaxAttempts,
		Clock:             config.RealTimestampGenerator{},
	}
}

// RetryPendingUpload re-attempts a prior unfinished upload recorded
// by a previous worker run, before any new job starts. Failure here
// does not abort the primary job: attempts is incremented and the
// record rewritten, and control proceeds regardless.
func (o *Orchestrator) RetryPendingUpload(ctx context.Context) error {
	j := journal.New(o.WorkspaceRoot)
	record, found, err := j.Read()
	if err != nil {
		log.LogNoRequestID("failed to read pending upload journal", "error", err)
		return nil
	}
	if !found {
		return nil
	}
	if !journal.ShouldRetry(record, o.MaxUploadAttempts) {
		log.LogNoRequestID("pending upload exceeded max attempts, leaving in place", "key", record.Key, "attempts", record.Attempts)
		return nil
	}

	f, err := os.Open(record.FilePath)
	if err != nil {
		record.Attempts++
		_ = j.Write(record)
		log.LogNoRequestID("pending upload artifact missing, will not retry again this start", "path", record.FilePath, "error", err)
		return nil
	}
	defer f.Close()

	_, uploadErr := o.Deps.ObjectStore.Upload(ctx, record.Bucket, record.Key, f)
	if uploadErr != nil {
		record.Attempts++
		if err := j.Write(record); err != nil {
			log.LogNoRequestID("failed to rewrite pending upload journal", "error", err)
		}
		log.LogNoRequestID("pending upload retry failed", "key", record.Key, "attempts", record.Attempts, "error", uploadErr)
		return nil
	}

	if err := j.Clear(); err != nil {
		log.LogNoRequestID("failed to clear pending upload journal after success", "error", err)
	}
	log.LogNoRequestID("pending upload retry succeeded", "key", record.Key)
	return nil
}

// Run executes one job to completion. On success it returns a Result
// and deletes the workspace. On failure it retains the workspace root
// and writes a diagnostics bundle beneath it.
func (o *Orchestrator) Run(ctx context.Context, requestID string, job Job) (Result, error) {
	if err := job.Validate(); err != nil {
		return Result{}, errors.PermanentConfig("%s", err)
	}

	ws, err := NewWorkspace(filepath.Join(o.WorkspaceRoot, job.JobID))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create workspace: %w", err)
	}

	durations := map[string]time.Duration{}
	result, err := o.run(ctx, requestID, job, ws, durations)
	if err != nil {
		o.writeDiagnostics(requestID, ws, err)
		log.LogError(requestID, "job failed, retaining workspace for diagnostics", err, "workspace", ws.Root)
		return Result{}, err
	}

	if o.SuppressUpload {
		return result, nil
	}
	if err := ws.Cleanup(); err != nil {
		log.LogError(requestID, "failed to clean up workspace after success", err, "workspace", ws.Root)
	}
	return result, nil
}

func (o *Orchestrator) run(ctx context.Context, requestID string, job Job, ws *Workspace, durations map[string]time.Duration) (Result, error) {
	metrics.Metrics.JobsInFlight.Inc()
	defer metrics.Metrics.JobsInFlight.Dec()

	stop := stageTimer(o.Clock, durations, "download")
	inputPath, err := downloadInput(ctx, o.Deps, job, ws)
	stop()
	if err != nil {
		return Result{}, err
	}

	stop = stageTimer(o.Clock, durations, "probe")
	meta, err := probeInput(requestID, inputPath, o.Deps.Codec.Prober)
	stop()
	if err != nil {
		return Result{}, err
	}

	stop = stageTimer(o.Clock, durations, "extract_frames")
	err = extractFrames(ctx, o.Deps, requestID, inputPath, ws)
	stop()
	if err != nil {
		return Result{}, err
	}

	if caps, err := o.Deps.Processor.ProbeCapabilities(ctx, requestID); err != nil {
		log.LogError(requestID, "frame processor capability probe failed", err)
	} else {
		log.Log(requestID, "frame processor capabilities", "batch_size", caps.BatchSize, "uses_gpu", caps.UsesGPU, "vram_bytes", caps.VRAMBytes)
	}

	stop = stageTimer(o.Clock, durations, "process")
	framesDir, err := runProcessing(ctx, o.Deps, requestID, job, ws)
	stop()
	if err != nil {
		return Result{}, err
	}

	stop = stageTimer(o.Clock, durations, "assemble")
	outputPath, err := assembleOutput(ctx, o.Deps, requestID, inputPath, framesDir, meta, job, ws)
	stop()
	if err != nil {
		return Result{}, err
	}

	if o.SuppressUpload {
		log.Log(requestID, "suppressing upload and completion marker per operator override", "output_path", outputPath)
		return Result{JobID: job.JobID, StageDurations: durations}, nil
	}

	stop = stageTimer(o.Clock, durations, "upload")
	_, err = uploadFinal(ctx, o.Deps, requestID, outputPath, job)
	stop()
	if err != nil {
		return o.recordPendingUpload(outputPath, job, durations)
	}

	for stage, d := range durations {
		metrics.Metrics.PipelineStageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}

	outputURL, _ := o.Deps.ObjectStore.PresignGet(ctx, o.Deps.Bucket, job.OutputKey, 24*time.Hour)
	log.Log(requestID, "uploaded final output", "url", outputURL)

	result := Result{JobID: job.JobID, OutputURL: outputURL, StageDurations: durations}
	o.writeResultFile(ws, result)

	fmt.Println(CompletionMarker)
	return result, nil
}

func (o *Orchestrator) recordPendingUpload(outputPath string, job Job, durations map[string]time.Duration) (Result, error) {
	j := journal.New(o.WorkspaceRoot)
	record := journal.Record{
		FilePath: outputPath,
		Bucket:   o.Deps.Bucket,
		Key:      job.OutputKey,
		Endpoint: o.Deps.ObjectStore.Host(),
		Attempts: 1,
	}
	if err := j.Write(record); err != nil {
		log.LogNoRequestID("failed to persist pending upload record", "error", err)
	}
	return Result{}, errors.UploadFailed(fmt.Errorf("upload of %q failed after internal retries", job.OutputKey))
}

func (o *Orchestrator) writeResultFile(ws *Workspace, result Result) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(ws.Path("result.json"), data, 0o644)
}

// writeDiagnostics records the failing error and a snapshot of how far
// each stage got, so an operator pulling a retained workspace doesn't
// have to re-run ffmpeg/the processor to see what was produced. The
// error text itself already carries the failing stage's captured
// stderr tail: ProcessingFailedError wraps the subprocess.Result error,
// which embeds up to MaxOutputLines of stderr.
func (o *Orchestrator) writeDiagnostics(requestID string, ws *Workspace, runErr error) {
	var b strings.Builder
	fmt.Fprintf(&b, "job failed: %s\n\n", runErr)
	fmt.Fprintln(&b, "workspace contents:")
	for _, sub := range []string{"input", "frames", "interp", "upscale", "output"} {
		entries, err := os.ReadDir(ws.Path(sub))
		if err != nil {
			fmt.Fprintf(&b, "  %s: unreadable (%s)\n", sub, err)
			continue
		}
		fmt.Fprintf(&b, "  %s: %d entries\n", sub, len(entries))
	}

	if err := os.WriteFile(ws.Path("diagnostics.txt"), []byte(b.String()), 0o644); err != nil {
		log.LogError(requestID, "failed to write diagnostics bundle", err)
	}
}
