package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
	"github.com/vidfleet/vidfleet/pipeline"
	"github.com/vidfleet/vidfleet/video"
)

func main() {
	cli, err := config.ParseWorkerCli(os.Args[1:])
	if err != nil {
		glog.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.RecordVersion("vidfleet-worker", config.Version)

	objectStore, err := clients.NewObjectStoreClient(clients.ObjectStoreConfig{
		Region:          cli.ObjectStoreRegion,
		Endpoint:        cli.ObjectStoreURL,
		AccessKeyID:     cli.ObjectStoreKeyID,
		SecretAccessKey: cli.ObjectStoreSecret,
		UsePathStyle:    cli.ObjectStoreURL != "",
	})
	if err != nil {
		glog.Fatalf("failed to construct object store client: %v", err)
	}

	deps := pipeline.Deps{
		ObjectStore:         objectStore,
		Codec:               video.NewCodec(),
		Processor:           pipeline.NewProcessorClient(),
		Bucket:              cli.ObjectStoreBucket,
		ForceSoftwareEncode: cli.ForceSoftwareEnc,
	}

	orchestrator := pipeline.NewOrchestrator(deps, cli.WorkspaceRoot)
	orchestrator.SuppressUpload = cli.SuppressUpload

	// invocationID distinguishes this worker process's log lines from
	// a retry of the same job on a fresh instance; job.JobID alone is
	// shared across every retry attempt of the same job.
	invocationID := uuid.New().String()

	if err := orchestrator.RetryPendingUpload(ctx); err != nil {
		log.LogError(invocationID, "pending-upload retry pass failed", err)
	}

	job := pipeline.Job{
		JobID:     cli.JobID,
		InputRef:  cli.InputRef,
		OutputKey: cli.OutputKey,
	}
	if resolved, err := resolveJobParams(ctx, cli); err == nil {
		job.Mode = resolved.Mode
		job.Scale = resolved.Scale
		job.InterpFactor = resolved.InterpFactor
		job.Strategy = resolved.Strategy
		job.TargetFPS = resolved.TargetFPS
	} else {
		log.LogError(invocationID, "failed to resolve job video parameters", err)
		os.Exit(1)
	}

	if _, err := orchestrator.Run(ctx, invocationID, job); err != nil {
		log.LogError(invocationID, "job failed", err)
		os.Exit(1)
	}
}

// resolveJobParams reads the video processing parameters a worker
// needs but a bare CLI flag set doesn't carry: it fetches the same
// config document the controller resolved, via cli.ConfigURL, using
// the Resolver's baseline+remote merge so operator overrides reach
// the worker the same way they reach planning.
func resolveJobParams(ctx context.Context, cli config.WorkerCli) (config.VideoConfig, error) {
	resolver := config.NewResolver()
	baseline := map[string]any{"config_url": cli.ConfigURL}
	cfg, err := resolver.Resolve(cli.JobID, baseline)
	if err != nil {
		return config.VideoConfig{}, err
	}
	return cfg.Video, nil
}
