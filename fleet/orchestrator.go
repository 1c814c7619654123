// Package fleet implements the Fleet Orchestrator: the controller-side
// component that enumerates inputs, plans jobs, rents spot-market
// instances to run them, supervises each instance's log watcher, and
// reclaims the instance once its job is done.
package fleet

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidfleet/vidfleet/cache"
	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/errors"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
	"github.com/vidfleet/vidfleet/pipeline"
	"github.com/vidfleet/vidfleet/watcher"
)

// Options configures one batch run.
type Options struct {
	Bucket            string
	InputPrefix       string
	OutputPrefix      string
	GitRepo           string
	GitBranch         string
	BootstrapScript   string
	WorkerImage       string
	DiskGB            int
	MaxConcurrentJobs int
	PollInterval      time.Duration
}

// Orchestrator drives one batch of jobs end to end.
type Orchestrator struct {
	ObjectStore *clients.ObjectStoreClient
	SpotMarket  *clients.SpotMarketClient
	ResultsDB   *ResultsDB

	Opts  Options
	Video config.VideoConfig
	Batch config.BatchConfig

	// inFlight tracks the job each rented instance is running, for
	// operator-facing status introspection during a batch run.
	inFlight *cache.Cache[pipeline.Job]
}

func New(objectStore *clients.ObjectStoreClient, spotMarket *clients.SpotMarketClient, video config.VideoConfig, batch config.BatchConfig, opts Options) *Orchestrator {
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = watcher.DefaultPollInterval
	}
	return &Orchestrator{
		ObjectStore: objectStore,
		SpotMarket:  spotMarket,
		Opts:        opts,
		Video:       video,
		Batch:       batch,
		inFlight:    cache.New[pipeline.Job](),
	}
}

// InFlightJob returns the job running on instanceID, if any is
// currently tracked.
func (o *Orchestrator) InFlightJob(instanceID string) (pipeline.Job, bool) {
	job := o.inFlight.Get(instanceID)
	return job, job.JobID != ""
}

// Enumerate lists candidate inputs under the configured prefix,
// skipping inputs whose output already exists when batch.skip_existing
// is set.
func (o *Orchestrator) Enumerate(ctx context.Context) ([]clients.ObjectInfo, error) {
	objects, err := o.ObjectStore.List(ctx, o.Opts.Bucket, o.Opts.InputPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list inputs: %w", err)
	}

	if !o.Batch.SkipExisting {
		return applyMaxFiles(objects, o.Batch.MaxFiles), nil
	}

	var pending []clients.ObjectInfo
	for _, obj := range objects {
		outputKey := o.outputKeyFor(obj.Key)
		exists, err := o.ObjectStore.Exists(ctx, o.Opts.Bucket, outputKey)
		if err != nil {
			log.LogNoRequestID("failed to check existing output, treating as pending", "key", outputKey, "error", err)
			pending = append(pending, obj)
			continue
		}
		if !exists {
			pending = append(pending, obj)
		}
	}
	return applyMaxFiles(pending, o.Batch.MaxFiles), nil
}

func applyMaxFiles(objects []clients.ObjectInfo, maxFiles int) []clients.ObjectInfo {
	if maxFiles <= 0 || len(objects) <= maxFiles {
		return objects
	}
	return objects[:maxFiles]
}

func (o *Orchestrator) outputKeyFor(inputKey string) string {
	base := strings.TrimSuffix(path.Base(inputKey), path.Ext(inputKey))
	return path.Join(o.Opts.OutputPrefix, base+".mp4")
}

// Plan builds one Job per input object.
func (o *Orchestrator) Plan(inputs []clients.ObjectInfo) []pipeline.Job {
	jobs := make([]pipeline.Job, 0, len(inputs))
	for i, obj := range inputs {
		jobs = append(jobs, pipeline.Job{
			JobID:        fmt.Sprintf("job-%04d-%s", i, sanitizeJobID(path.Base(obj.Key))),
			InputRef:     obj.Key,
			OutputKey:    o.outputKeyFor(obj.Key),
			Mode:         o.Video.Mode,
			Scale:        o.Video.Scale,
			InterpFactor: o.Video.InterpFactor,
			Strategy:     o.Video.Strategy,
			TargetFPS:    o.Video.TargetFPS,
		})
	}
	return jobs
}

func sanitizeJobID(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '-'
		}
	}, name)
}

// SelectOffer searches for offers matching preset and returns the
// cheapest sufficiently-reliable one. SearchOffers already sorts
// ascending by price then descending by reliability, so the first
// result is the orchestrator's pick.
func (o *Orchestrator) SelectOffer(preset config.OfferPreset) (clients.Offer, error) {
	offers, err := o.SpotMarket.SearchOffers(clients.SearchOffersParams{
		MinVRAMGB:       float64(preset.MinVRAMGB),
		MaxPricePerHour: preset.MaxPricePerHour,
		MinReliability:  preset.MinReliability,
		GPUNameFilter:   preset.GPUNameFilter,
	})
	if err != nil {
		return clients.Offer{}, fmt.Errorf("failed to search offers: %w", err)
	}
	if len(offers) == 0 {
		return clients.Offer{}, errors.PermanentConfig("no spot-market offers matched the configured preset")
	}
	return offers[0], nil
}

// Launch rents an instance for the given offer and bakes a launch
// command that clones the configured repo at the configured branch,
// runs the bootstrap script, and passes the job plus object-store
// credentials through the environment.
func (o *Orchestrator) Launch(job pipeline.Job, offer clients.Offer, env map[string]string) (string, error) {
	script := o.buildLaunchScript()

	instanceID, err := o.SpotMarket.CreateInstance(clients.CreateInstanceParams{
		OfferID:       offer.OfferID,
		Image:         o.Opts.WorkerImage,
		Env:           mergeJobEnv(env, job),
		LaunchCommand: script,
		DiskGB:        o.Opts.DiskGB,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create instance for job %s: %w", job.JobID, err)
	}
	metrics.Metrics.InstancesInFlight.Inc()
	o.inFlight.Store(instanceID, job)
	return instanceID, nil
}

func (o *Orchestrator) buildLaunchScript() string {
	return fmt.Sprintf(
		"set -euo pipefail && git clone --branch %s --depth 1 %s /opt/vidfleet && /opt/vidfleet/%s",
		o.Opts.GitBranch, o.Opts.GitRepo, o.Opts.BootstrapScript,
	)
}

func mergeJobEnv(base map[string]string, job pipeline.Job) map[string]string {
	env := make(map[string]string, len(base)+8)
	for k, v := range base {
		env[k] = v
	}
	env["VIDFLEET_JOB_ID"] = job.JobID
	env["VIDFLEET_INPUT_REF"] = job.InputRef
	env["VIDFLEET_OUTPUT_KEY"] = job.OutputKey
	env["VIDFLEET_MODE"] = job.Mode
	return env
}

// Supervise watches instanceID's log until its watcher reaches
// terminal_pending_interrupt, then destroys the instance. Supervise
// itself plays the role of "operator" for the watcher's context
// contract: it cancels the watcher once the job is observably done,
// rather than leaving it polling forever.
func (o *Orchestrator) Supervise(ctx context.Context, instanceID string, job pipeline.Job) error {
	w := watcher.New(o.SpotMarket, watcher.Options{
		InstanceID:   instanceID,
		PollInterval: o.Opts.PollInterval,
		Bucket:       o.Opts.Bucket,
		OutputKey:    job.OutputKey,
	})

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	done := make(chan struct{})
	go func() {
		w.Run(watchCtx)
		close(done)
	}()

	ticker := time.NewTicker(o.Opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-ticker.C:
			if w.State() == watcher.StateTerminalPendingInterrupt {
				cancelWatch()
				<-done
				return o.reclaim(instanceID, job, w.ResultURL())
			}
		}
	}
}

// reclaim destroys the instance and, if a results database is
// configured, records the batch-level outcome.
func (o *Orchestrator) reclaim(instanceID string, job pipeline.Job, resultURL string) error {
	if err := o.SpotMarket.DestroyInstance(instanceID); err != nil {
		log.LogError(job.JobID, "failed to destroy reclaimed instance", err, "instance_id", instanceID)
	}
	metrics.Metrics.InstancesInFlight.Dec()
	o.inFlight.Remove(job.JobID, instanceID)
	o.ResultsDB.recordJobOutcome(job, resultURL)
	return nil
}

// Run plans and executes an entire batch with bounded concurrency.
func (o *Orchestrator) Run(ctx context.Context, preset config.OfferPreset) error {
	inputs, err := o.Enumerate(ctx)
	if err != nil {
		return err
	}
	jobs := o.Plan(inputs)
	if o.Batch.DryRun {
		for _, job := range jobs {
			log.LogNoRequestID("dry run: would process", "job_id", job.JobID, "input_ref", job.InputRef, "output_key", job.OutputKey)
		}
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.Opts.MaxConcurrentJobs)

	for _, job := range jobs {
		job := job
		group.Go(func() error {
			offer, err := o.SelectOffer(preset)
			if err != nil {
				return err
			}
			instanceID, err := o.Launch(job, offer, nil)
			if err != nil {
				return err
			}
			return o.Supervise(groupCtx, instanceID, job)
		})
	}

	return group.Wait()
}
