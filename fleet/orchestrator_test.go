package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/pipeline"
)

func newTestObjectStore(t *testing.T, handler http.HandlerFunc) *clients.ObjectStoreClient {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)
	c, err := clients.NewObjectStoreClient(clients.ObjectStoreConfig{
		Region:          "us-east-1",
		Endpoint:        svr.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return c
}

func newTestSpotMarket(t *testing.T, handler http.HandlerFunc) *clients.SpotMarketClient {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)
	return clients.NewSpotMarketClient(svr.URL, "test-key")
}

func TestEnumerateSkipsExistingOutputs(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>jobs</Name>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>in/a.mp4</Key><Size>10</Size><LastModified>2026-01-01T00:00:00.000Z</LastModified></Contents>
  <Contents><Key>in/b.mp4</Key><Size>10</Size><LastModified>2026-01-01T00:00:00.000Z</LastModified></Contents>
</ListBucketResult>`)
		case http.MethodHead:
			if r.URL.Path == "/jobs/out/a.mp4" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}
	})

	o := New(store, nil, config.VideoConfig{Mode: "upscale", Scale: 2}, config.BatchConfig{SkipExisting: true}, Options{
		Bucket: "jobs", InputPrefix: "in/", OutputPrefix: "out",
	})

	objects, err := o.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, "in/b.mp4", objects[0].Key)
}

func TestPlanBuildsOneJobPerInput(t *testing.T) {
	o := New(nil, nil, config.VideoConfig{Mode: "both", Scale: 2, InterpFactor: 2, Strategy: "interp-then-upscale"}, config.BatchConfig{}, Options{
		OutputPrefix: "out",
	})

	jobs := o.Plan([]clients.ObjectInfo{{Key: "in/a.mp4"}, {Key: "in/b.mp4"}})
	require.Len(t, jobs, 2)
	require.Equal(t, "out/a.mp4", jobs[0].OutputKey)
	require.Equal(t, "both", jobs[0].Mode)
	require.NotEqual(t, jobs[0].JobID, jobs[1].JobID)
}

func TestSelectOfferFailsPermanentlyWhenNoneMatch(t *testing.T) {
	market := newTestSpotMarket(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]clients.Offer{})
	})

	o := New(nil, market, config.VideoConfig{}, config.BatchConfig{}, Options{})
	_, err := o.SelectOffer(config.OfferPreset{MinVRAMGB: 16})
	require.Error(t, err)
}

func TestSelectOfferReturnsCheapestMatch(t *testing.T) {
	market := newTestSpotMarket(t, func(w http.ResponseWriter, r *http.Request) {
		offers := []clients.Offer{
			{OfferID: "expensive", PricePerHour: 1.0, Reliability: 0.99},
			{OfferID: "cheap", PricePerHour: 0.25, Reliability: 0.95},
		}
		_ = json.NewEncoder(w).Encode(offers)
	})

	o := New(nil, market, config.VideoConfig{}, config.BatchConfig{}, Options{})
	offer, err := o.SelectOffer(config.OfferPreset{MinVRAMGB: 16})
	require.NoError(t, err)
	require.Equal(t, "cheap", offer.OfferID)
}

func TestSuperviseReclaimsOnceWatcherGoesTerminal(t *testing.T) {
	baseline := pipeline.CompletionMarker + "\n"
	completed := baseline + "some work\n" + pipeline.CompletionMarker + "\n"
	var destroyed bool
	var fetches int

	market := newTestSpotMarket(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/instances/inst-1" && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(clients.Instance{InstanceID: "inst-1", Status: clients.InstanceRunning})
		case r.URL.Path == "/instances/inst-1/stop":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/instances/inst-1/destroy":
			destroyed = true
			w.WriteHeader(http.StatusOK)
		default:
			fetches++
			logs := baseline
			if fetches > 1 {
				logs = completed
			}
			_ = json.NewEncoder(w).Encode(struct {
				Logs string `json:"logs"`
			}{Logs: logs})
		}
	})

	o := New(nil, market, config.VideoConfig{}, config.BatchConfig{}, Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := o.Supervise(ctx, "inst-1", pipeline.Job{JobID: "job-1", OutputKey: "out/a.mp4"})
	require.NoError(t, err)
	require.True(t, destroyed)
}

func TestLaunchTracksAndReclaimClearsInFlightJob(t *testing.T) {
	market := newTestSpotMarket(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/instances" && r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(struct {
				InstanceID string `json:"instance_id"`
			}{InstanceID: "inst-1"})
		case r.URL.Path == "/instances/inst-1/destroy":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusOK)
		}
	})

	o := New(nil, market, config.VideoConfig{}, config.BatchConfig{}, Options{})
	job := pipeline.Job{JobID: "job-1", OutputKey: "out/a.mp4"}

	instanceID, err := o.Launch(job, clients.Offer{OfferID: "offer-1"}, nil)
	require.NoError(t, err)
	require.Equal(t, "inst-1", instanceID)

	tracked, ok := o.InFlightJob(instanceID)
	require.True(t, ok)
	require.Equal(t, job.JobID, tracked.JobID)

	require.NoError(t, o.reclaim(instanceID, job, ""))

	_, ok = o.InFlightJob(instanceID)
	require.False(t, ok)
}

func TestDryRunSkipsLaunching(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>jobs</Name>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>in/a.mp4</Key><Size>10</Size><LastModified>2026-01-01T00:00:00.000Z</LastModified></Contents>
</ListBucketResult>`)
	})
	market := newTestSpotMarket(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("dry run must not call the spot market")
	})

	o := New(store, market, config.VideoConfig{Mode: "upscale", Scale: 2}, config.BatchConfig{DryRun: true}, Options{
		Bucket: "jobs", InputPrefix: "in/", OutputPrefix: "out",
	})

	require.NoError(t, o.Run(context.Background(), config.OfferPreset{}))
}
