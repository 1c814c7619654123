// Package watcher implements the Worker Log Watcher: a per-instance
// polling supervisor that tails a rented worker's log API, detects
// the completion marker, extracts the result URL, and stops the
// instance once the job is done — while never exiting on its own.
package watcher

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
	"github.com/vidfleet/vidfleet/pipeline"
)

// State names the watcher's explicit states. The only forward
// transition out of terminalPendingInterrupt is the operator's
// cancellation of the supervising context.
type State string

const (
	StateInitializing             State = "initializing"
	StateStreaming                State = "streaming"
	StateBackingOff               State = "backing_off"
	StateTerminalPendingInterrupt State = "terminal_pending_interrupt"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultLogTailLines = 1000
	maxBackoff          = 60 * time.Second
)

// Options configures one instance's watcher.
type Options struct {
	InstanceID   string
	PollInterval time.Duration
	LogTailLines int
	Bucket       string
	OutputKey    string
}

// Watcher polls a single spot-market instance's logs until the
// operator interrupts it. It is safe to run many Watchers
// concurrently over the same SpotMarketClient.
type Watcher struct {
	client *clients.SpotMarketClient
	opts   Options

	state           State
	baseline        int
	lastSeenTail    string
	consecutiveErrs int
	resultURL       string
}

func New(client *clients.SpotMarketClient, opts Options) *Watcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LogTailLines <= 0 {
		opts.LogTailLines = DefaultLogTailLines
	}
	return &Watcher{client: client, opts: opts, state: StateInitializing}
}

// State returns the watcher's current state, useful for tests and
// for a controller-side status dashboard.
func (w *Watcher) State() State {
	return w.state
}

// ResultURL returns the extracted output URL once observed, or "" if
// not yet found.
func (w *Watcher) ResultURL() string {
	return w.resultURL
}

// Run polls until ctx is cancelled. It never returns on its own —
// the only exit path is operator interrupt (per the watcher's
// single mandated terminal transition).
func (w *Watcher) Run(ctx context.Context) {
	requestID := w.opts.InstanceID
	log.Log(requestID, "starting log watcher", "instance_id", w.opts.InstanceID)

	for {
		select {
		case <-ctx.Done():
			log.Log(requestID, "log watcher stopped by operator interrupt", "instance_id", w.opts.InstanceID)
			return
		default:
		}

		if err := w.tick(ctx); err != nil {
			w.consecutiveErrs++
			delay := backoffDelay(w.opts.PollInterval, w.consecutiveErrs)
			resume := w.state
			if resume != StateTerminalPendingInterrupt {
				w.state = StateBackingOff
			}
			metrics.Metrics.WatcherBackoffSeconds.WithLabelValues(w.opts.InstanceID).Observe(delay.Seconds())
			log.LogError(requestID, "log watcher tick failed, backing off", err, "delay", delay, "consecutive_errors", w.consecutiveErrs)
			if !sleepOrDone(ctx, delay) {
				return
			}
			w.state = resume
			continue
		}

		if w.consecutiveErrs > 0 {
			log.Log(requestID, "log watcher recovered after errors", "consecutive_errors", w.consecutiveErrs)
			w.consecutiveErrs = 0
		}

		if !sleepOrDone(ctx, w.opts.PollInterval) {
			return
		}
	}
}

// backoffDelay implements delay = min(base * 2^(n-1), maxBackoff).
func backoffDelay(base time.Duration, consecutiveErrs int) time.Duration {
	if consecutiveErrs < 1 {
		consecutiveErrs = 1
	}
	delay := base * time.Duration(1<<uint(consecutiveErrs-1))
	if delay > maxBackoff || delay <= 0 {
		return maxBackoff
	}
	return delay
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	instance, err := w.client.GetInstance(w.opts.InstanceID)
	if err != nil {
		return fmt.Errorf("failed to fetch instance status: %w", err)
	}
	if instance == nil {
		// Instance-not-found is benign: the spot market may have
		// already reaped a destroyed instance. Nothing further to do
		// this tick.
		return nil
	}

	w.noteStatusChange(instance.Status)

	tail, err := w.client.GetLogs(w.opts.InstanceID, w.opts.LogTailLines)
	if err != nil {
		return fmt.Errorf("failed to fetch log tail: %w", err)
	}

	if w.state == StateInitializing {
		w.baseline = strings.Count(tail, pipeline.CompletionMarker)
		w.lastSeenTail = tail
		w.state = StateStreaming
		log.Log(w.opts.InstanceID, "log watcher baseline established", "baseline_marker_count", w.baseline)
		return nil
	}

	w.printNewLines(tail)

	current := strings.Count(tail, pipeline.CompletionMarker)
	if current > w.baseline && w.state != StateTerminalPendingInterrupt {
		w.onCompletion(ctx, tail)
	}

	w.lastSeenTail = tail
	return nil
}

func (w *Watcher) noteStatusChange(status string) {
	switch status {
	case clients.InstanceExited, clients.InstanceStopped, clients.InstanceDestroyed:
		log.Log(w.opts.InstanceID, "instance status changed", "status", status)
	}
}

// printNewLines prints only the tail content not already seen. The
// log API returns the full cumulative tail each call, so new content
// is whatever follows the previously observed suffix.
func (w *Watcher) printNewLines(tail string) {
	if w.lastSeenTail == "" {
		fmt.Print(tail)
		return
	}
	idx := strings.LastIndex(tail, w.lastSeenTail)
	if idx < 0 {
		fmt.Print(tail)
		return
	}
	newContent := tail[idx+len(w.lastSeenTail):]
	if newContent != "" {
		fmt.Print(newContent)
	}
}

func (w *Watcher) onCompletion(ctx context.Context, tail string) {
	log.Log(w.opts.InstanceID, "completion marker observed")

	if url, ok := extractResultURL(tail, w.opts.Bucket, w.opts.OutputKey); ok {
		w.resultURL = url
		log.Log(w.opts.InstanceID, "result url extracted", "url", url)
	}

	if err := w.client.StopInstance(w.opts.InstanceID); err != nil {
		log.LogError(w.opts.InstanceID, "failed to stop completed instance", err)
	}

	w.state = StateTerminalPendingInterrupt
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// extractResultURL scans tail for a URL whose path contains the
// configured bucket and key prefix. Absence is not an error: the
// caller may have suppressed the completion-marker upload entirely.
func extractResultURL(tail, bucket, keyPrefix string) (string, bool) {
	for _, candidate := range urlPattern.FindAllString(tail, -1) {
		if bucket != "" && !strings.Contains(candidate, bucket) {
			continue
		}
		if keyPrefix != "" && !strings.Contains(candidate, keyPrefix) {
			continue
		}
		return candidate, true
	}
	return "", false
}
