package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/fleet"
	"github.com/vidfleet/vidfleet/log"
	"github.com/vidfleet/vidfleet/metrics"
)

func main() {
	cli, err := config.ParseControllerCli(os.Args[1:])
	if err != nil {
		glog.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.RecordVersion("vidfleet-controller", config.Version)

	baseline, err := readBaseline(cli.ConfigBaselinePath)
	if err != nil {
		glog.Fatalf("failed to read config baseline: %v", err)
	}

	resolver := config.NewResolver()
	pipelineCfg, err := resolver.Resolve("controller", baseline)
	if err != nil {
		glog.Fatalf("failed to resolve config: %v", err)
	}

	preset, err := config.ResolvePreset(pipelineCfg.Batch.Preset)
	if err != nil {
		glog.Fatalf("failed to resolve offer preset: %v", err)
	}

	objectStore, err := clients.NewObjectStoreClient(clients.ObjectStoreConfig{
		Region:          cli.ObjectStoreRegion,
		Endpoint:        cli.ObjectStoreURL,
		AccessKeyID:     os.Getenv("VIDFLEET_OBJECT_STORE_KEY_ID"),
		SecretAccessKey: os.Getenv("VIDFLEET_OBJECT_STORE_SECRET"),
		UsePathStyle:    cli.ObjectStoreURL != "",
	})
	if err != nil {
		glog.Fatalf("failed to construct object store client: %v", err)
	}
	spotMarket := clients.NewSpotMarketClient(cli.SpotMarketURL, cli.SpotMarketAPIKey)

	orchestrator := fleet.New(objectStore, spotMarket, pipelineCfg.Video, pipelineCfg.Batch, fleet.Options{
		Bucket:            cli.ObjectStoreBucket,
		InputPrefix:       pipelineCfg.Video.InputDir,
		OutputPrefix:      "output",
		GitRepo:           fmt.Sprintf("%v", pipelineCfg.UnrecognizedConfig["git_repo"]),
		GitBranch:         pipelineCfg.GitBranch,
		BootstrapScript:   "bootstrap.sh",
		WorkerImage:       fmt.Sprintf("%v", pipelineCfg.UnrecognizedConfig["worker_image"]),
		MaxConcurrentJobs: cli.MaxConcurrentJobs,
	})

	go func() {
		if err := metrics.ListenAndServe(cli.MetricsAddr); err != nil {
			log.LogError("controller", "metrics server exited", err)
		}
	}()

	if err := orchestrator.Run(ctx, preset); err != nil {
		log.LogError("controller", "batch run failed", err)
		os.Exit(1)
	}
	log.LogNoRequestID("batch run completed")
}

func readBaseline(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var baseline map[string]any
	if err := json.Unmarshal(data, &baseline); err != nil {
		return nil, fmt.Errorf("parsing config baseline %q: %w", path, err)
	}
	return baseline, nil
}
