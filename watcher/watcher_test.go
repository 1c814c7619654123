package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/pipeline"
)

func newTestSpotMarketClient(t *testing.T, handler http.HandlerFunc) *clients.SpotMarketClient {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)
	return clients.NewSpotMarketClient(svr.URL, "test-key")
}

func TestBackoffDelayLadder(t *testing.T) {
	base := 5 * time.Second
	require.Equal(t, 5*time.Second, backoffDelay(base, 1))
	require.Equal(t, 10*time.Second, backoffDelay(base, 2))
	require.Equal(t, 20*time.Second, backoffDelay(base, 3))
	require.Equal(t, 40*time.Second, backoffDelay(base, 4))
	require.Equal(t, 60*time.Second, backoffDelay(base, 5), "delay must cap at max_backoff even though base*2^4=80s")
	require.Equal(t, 60*time.Second, backoffDelay(base, 10))
}

func TestExtractResultURLMatchesBucketAndKeyPrefix(t *testing.T) {
	tail := "uploading...\nfinal at https://store.example.test/jobs/out/final.mp4 done\n"
	url, ok := extractResultURL(tail, "jobs", "out/")
	require.True(t, ok)
	require.Equal(t, "https://store.example.test/jobs/out/final.mp4", url)
}

func TestExtractResultURLNoMatchReturnsFalse(t *testing.T) {
	_, ok := extractResultURL("nothing here", "jobs", "out/")
	require.False(t, ok)
}

func TestBaselineMarkerCountIgnoresPreexistingMarkers(t *testing.T) {
	// The log API always returns the instance's full cumulative tail,
	// which may already contain markers from a previous container
	// restart. A watcher must establish those as baseline and only
	// fire on a strictly greater count thereafter.
	preexisting := pipeline.CompletionMarker + "\n" + pipeline.CompletionMarker + "\n"
	fresh := preexisting + "some new work\n" + pipeline.CompletionMarker + "\n"

	var tick int32
	client := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == fmt.Sprintf("/instances/%s", "inst-1"):
			_ = json.NewEncoder(w).Encode(clients.Instance{InstanceID: "inst-1", Status: clients.InstanceRunning})
		default:
			n := atomic.AddInt32(&tick, 1)
			logs := preexisting
			if n > 1 {
				logs = fresh
			}
			_ = json.NewEncoder(w).Encode(struct {
				Logs string `json:"logs"`
			}{Logs: logs})
		}
	})

	w := New(client, Options{InstanceID: "inst-1", PollInterval: time.Millisecond, Bucket: "jobs", OutputKey: "out/"})

	require.NoError(t, w.tick(context.Background()))
	require.Equal(t, StateStreaming, w.State())
	require.Equal(t, 2, w.baseline)

	require.NoError(t, w.tick(context.Background()))
	require.Equal(t, StateTerminalPendingInterrupt, w.State())
}

func TestTickDoesNotFireOnBaselineCountAlone(t *testing.T) {
	logs := pipeline.CompletionMarker + "\n"
	client := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/instances/inst-1" {
			_ = json.NewEncoder(w).Encode(clients.Instance{InstanceID: "inst-1", Status: clients.InstanceRunning})
			return
		}
		_ = json.NewEncoder(w).Encode(struct {
			Logs string `json:"logs"`
		}{Logs: logs})
	})

	w := New(client, Options{InstanceID: "inst-1", PollInterval: time.Millisecond})
	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()))
	require.NoError(t, w.tick(context.Background()))
	require.Equal(t, StateStreaming, w.State())
}

func TestTickHandlesInstanceNotFoundAsBenign(t *testing.T) {
	client := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	w := New(client, Options{InstanceID: "gone"})
	require.NoError(t, w.tick(context.Background()))
}

func TestTickReturnsErrorOnServerFailure(t *testing.T) {
	client := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	w := New(client, Options{InstanceID: "inst-1"})
	require.Error(t, w.tick(context.Background()))
}

func TestRunExitsPromptlyOnContextCancellation(t *testing.T) {
	client := newTestSpotMarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	w := New(client, Options{InstanceID: "inst-1", PollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not exit promptly after context cancellation")
	}
}
