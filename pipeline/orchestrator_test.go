package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vidfleet/vidfleet/clients"
	"github.com/vidfleet/vidfleet/config"
	"github.com/vidfleet/vidfleet/journal"
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

func TestRetryPendingUploadNoRecordIsNoOp(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to object store: %s %s", r.Method, r.URL.Path)
	})

	o := NewOrchestrator(Deps{ObjectStore: store, Bucket: "jobs"}, t.TempDir())
	require.NoError(t, o.RetryPendingUpload(context.Background()))
}

func TestRetryPendingUploadSucceedsAndClearsJournal(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.Header().Set("ETag", `"abc123"`)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	root := t.TempDir()
	artifact := filepath.Join(root, "out.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("finished video bytes"), 0o644))

	j := journal.New(root)
	require.NoError(t, j.Write(journal.Record{FilePath: artifact, Bucket: "jobs", Key: "out/final.mp4", Attempts: 1}))

	o := NewOrchestrator(Deps{ObjectStore: store, Bucket: "jobs"}, root)
	require.NoError(t, o.RetryPendingUpload(context.Background()))

	_, found, err := j.Read()
	require.NoError(t, err)
	require.False(t, found, "journal should be cleared after a successful retry")
}

func TestRetryPendingUploadFailureIncrementsAttempts(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	root := t.TempDir()
	artifact := filepath.Join(root, "out.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("finished video bytes"), 0o644))

	j := journal.New(root)
	require.NoError(t, j.Write(journal.Record{FilePath: artifact, Bucket: "jobs", Key: "out/final.mp4", Attempts: 1}))

	o := NewOrchestrator(Deps{ObjectStore: store, Bucket: "jobs"}, root)
	require.NoError(t, o.RetryPendingUpload(context.Background()))

	got, found, err := j.Read()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 2, got.Attempts)
}

func TestRetryPendingUploadStopsAfterMaxAttempts(t *testing.T) {
	store := newTestObjectStore(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("should not attempt upload once max attempts exceeded")
	})

	root := t.TempDir()
	artifact := filepath.Join(root, "out.mp4")
	require.NoError(t, os.WriteFile(artifact, []byte("finished video bytes"), 0o644))

	j := journal.New(root)
	require.NoError(t, j.Write(journal.Record{FilePath: artifact, Bucket: "jobs", Key: "out/final.mp4", Attempts: journal.DefaultMaxAttempts}))

	o := NewOrchestrator(Deps{ObjectStore: store, Bucket: "jobs"}, root)
	require.NoError(t, o.RetryPendingUpload(context.Background()))
}

func TestRunRejectsInvalidJob(t *testing.T) {
	o := NewOrchestrator(Deps{Bucket: "jobs"}, t.TempDir())
	_, err := o.Run(context.Background(), "req-1", Job{JobID: "job-1", Mode: "not-a-real-mode"})
	require.Error(t, err)
}

func TestWriteDiagnosticsRetainsWorkspace(t *testing.T) {
	o := NewOrchestrator(Deps{Bucket: "jobs"}, t.TempDir())
	ws, err := NewWorkspace(filepath.Join(o.WorkspaceRoot, "job-1"))
	require.NoError(t, err)

	o.writeDiagnostics("req-1", ws, require.AnError)

	data, err := os.ReadFile(ws.Path("diagnostics.txt"))
	require.NoError(t, err)
	require.Contains(t, string(data), require.AnError.Error())
}

func TestStageTimerUsesInjectedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}

	durations := map[string]time.Duration{}
	stop := stageTimer(clock, durations, "download")
	clock.now = start.Add(3 * time.Second)
	stop()

	require.Equal(t, 3*time.Second, durations["download"])
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) GetTime() time.Time { return c.now }

var _ config.TimestampGenerator = (*fakeClock)(nil)

func TestWriteResultFileProducesValidJSON(t *testing.T) {
	o := NewOrchestrator(Deps{Bucket: "jobs"}, t.TempDir())
	ws, err := NewWorkspace(filepath.Join(o.WorkspaceRoot, "job-1"))
	require.NoError(t, err)

	o.writeResultFile(ws, Result{JobID: "job-1", OutputURL: "https://example.test/out.mp4"})

	data, err := os.ReadFile(ws.Path("result.json"))
	require.NoError(t, err)
	require.Contains(t, string(data), "job-1")
	require.Contains(t, string(data), "output_url")
}
