package config

import (
	"flag"
	"fmt"

	"github.com/golang/glog"
	"github.com/peterbourgon/ff/v3"
)

// ControllerCli holds the flags parsed by cmd/controller.
type ControllerCli struct {
	ConfigBaselinePath string
	ObjectStoreBucket  string
	ObjectStoreRegion  string
	ObjectStoreURL     string
	SpotMarketURL      string
	SpotMarketAPIKey   string
	MaxConcurrentJobs  int
	MetricsAddr        string
	Verbosity          string
}

// ParseControllerCli parses flags (and VIDFLEET_-prefixed env vars) for the
// controller binary, following teacher's `ff.Parse(fs, args,
// ff.WithEnvVarPrefix(...))` idiom.
func ParseControllerCli(args []string) (ControllerCli, error) {
	var cli ControllerCli
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)

	fs.StringVar(&cli.ConfigBaselinePath, "config-baseline", "", "path to the local baseline config document")
	fs.StringVar(&cli.ObjectStoreBucket, "object-store-bucket", "", "S3-compatible bucket name")
	fs.StringVar(&cli.ObjectStoreRegion, "object-store-region", "us-east-1", "S3-compatible region")
	fs.StringVar(&cli.ObjectStoreURL, "object-store-url", "", "S3-compatible endpoint URL, empty for AWS default")
	fs.StringVar(&cli.SpotMarketURL, "spot-market-url", "", "spot-market API base URL")
	fs.StringVar(&cli.SpotMarketAPIKey, "spot-market-api-key", "", "spot-market API key")
	fs.IntVar(&cli.MaxConcurrentJobs, "max-concurrent-jobs", 4, "bound on jobs launched in parallel")
	fs.StringVar(&cli.MetricsAddr, "metrics-addr", "0.0.0.0:9091", "address to serve /metrics on")
	fs.StringVar(&cli.Verbosity, "v", "0", "glog verbosity level")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("VIDFLEET")); err != nil {
		return ControllerCli{}, fmt.Errorf("parsing controller flags: %w", err)
	}
	applyVerbosity(cli.Verbosity)
	return cli, nil
}

// WorkerCli holds the flags parsed by cmd/worker, sourced primarily from
// the environment variables the launch command bakes in (§6).
type WorkerCli struct {
	ConfigURL         string
	WorkspaceRoot     string
	ObjectStoreBucket string
	ObjectStoreRegion string
	ObjectStoreURL    string
	ObjectStoreKeyID  string
	ObjectStoreSecret string
	JobID             string
	InputRef          string
	OutputKey         string
	ForceSoftwareEnc  bool
	SuppressUpload    bool
	Verbosity         string
}

// ParseWorkerCli parses flags and VIDFLEET_-prefixed env vars for the
// worker binary.
func ParseWorkerCli(args []string) (WorkerCli, error) {
	var cli WorkerCli
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)

	fs.StringVar(&cli.ConfigURL, "config-url", "", "remote config document URL")
	fs.StringVar(&cli.WorkspaceRoot, "workspace-root", "/tmp/vidfleet-workspace", "root directory for the job workspace")
	fs.StringVar(&cli.ObjectStoreBucket, "object-store-bucket", "", "S3-compatible bucket name")
	fs.StringVar(&cli.ObjectStoreRegion, "object-store-region", "us-east-1", "S3-compatible region")
	fs.StringVar(&cli.ObjectStoreURL, "object-store-url", "", "S3-compatible endpoint URL, empty for AWS default")
	fs.StringVar(&cli.ObjectStoreKeyID, "object-store-key-id", "", "S3-compatible access key id")
	fs.StringVar(&cli.ObjectStoreSecret, "object-store-secret", "", "S3-compatible secret access key")
	fs.StringVar(&cli.JobID, "job-id", "", "job identifier, unique within a batch")
	fs.StringVar(&cli.InputRef, "input-ref", "", "object-store key or URL of the input video")
	fs.StringVar(&cli.OutputKey, "output-key", "", "object-store key to upload the result to")
	fs.BoolVar(&cli.ForceSoftwareEnc, "force-software-encode", false, "skip the hardware encoder and always use libx264")
	fs.BoolVar(&cli.SuppressUpload, "suppress-upload", false, "suppress auto-upload and completion marker for a mode=both first stage")
	fs.StringVar(&cli.Verbosity, "v", "0", "glog verbosity level")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("VIDFLEET")); err != nil {
		return WorkerCli{}, fmt.Errorf("parsing worker flags: %w", err)
	}
	applyVerbosity(cli.Verbosity)
	return cli, nil
}

func applyVerbosity(v string) {
	_ = flag.Set("logtostderr", "true")
	if v == "" {
		return
	}
	if f := glog.Lookup("v"); f != nil {
		_ = f.Value.Set(v)
	}
}
