package clients

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestObjectStoreClient(t *testing.T, handler http.HandlerFunc) *ObjectStoreClient {
	t.Helper()
	svr := httptest.NewServer(handler)
	t.Cleanup(svr.Close)

	c, err := NewObjectStoreClient(ObjectStoreConfig{
		Region:          "us-east-1",
		Endpoint:        svr.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
		UsePathStyle:    true,
	})
	require.NoError(t, err)
	return c
}

func TestObjectStoreList(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>jobs</Name>
  <Prefix>frames/</Prefix>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>frames/000001.png</Key>
    <Size>4096</Size>
    <LastModified>2026-01-01T00:00:00.000Z</LastModified>
  </Contents>
  <Contents>
    <Key>frames/000002.png</Key>
    <Size>4096</Size>
    <LastModified>2026-01-01T00:00:01.000Z</LastModified>
  </Contents>
</ListBucketResult>`

	c := newTestObjectStoreClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	})

	objs, err := c.List(context.Background(), "jobs", "frames/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "frames/000001.png", objs[0].Key)
	require.Equal(t, int64(4096), objs[0].Size)
}

func TestObjectStoreUploadAndDownload(t *testing.T) {
	const payload = "output-frame-bytes"
	stored := []byte(nil)

	c := newTestObjectStoreClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			buf := new(bytes.Buffer)
			_, _ = buf.ReadFrom(r.Body)
			stored = buf.Bytes()
			w.Header().Set("ETag", `"abc123"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			w.Header().Set("Content-Length", fmt.Sprint(len(stored)))
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(stored)
		}
	})

	result, err := c.Upload(context.Background(), "jobs", "out/final.mp4", bytes.NewBufferString(payload))
	require.NoError(t, err)
	require.Equal(t, "abc123", result.ETag)
	require.Equal(t, int64(len(payload)), result.Size)

	dst := filepath.Join(t.TempDir(), "final.mp4")
	err = c.Download(context.Background(), "jobs", "out/final.mp4", dst)
	require.NoError(t, err)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, payload, string(got))
}

func TestObjectStoreExists(t *testing.T) {
	c := newTestObjectStoreClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jobs/present.mp4" {
			w.Header().Set("Content-Length", "10")
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	found, err := c.Exists(context.Background(), "jobs", "present.mp4")
	require.NoError(t, err)
	require.True(t, found)

	found, err = c.Exists(context.Background(), "jobs", "absent.mp4")
	require.NoError(t, err)
	require.False(t, found)
}

func TestObjectStorePresignGet(t *testing.T) {
	c := newTestObjectStoreClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("presign must not make a network request, got %s %s", r.Method, r.URL.Path)
	})

	url, err := c.PresignGet(context.Background(), "jobs", "out/final.mp4", time.Hour)
	require.NoError(t, err)
	require.Contains(t, url, "out/final.mp4")
	require.Contains(t, url, "X-Amz-Signature")
}
