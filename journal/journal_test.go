package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadClearRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	_, found, err := j.Read()
	require.NoError(t, err)
	require.False(t, found)

	record := Record{FilePath: "/tmp/out.mp4", Bucket: "jobs", Key: "out/final.mp4", Attempts: 1}
	require.NoError(t, j.Write(record))

	got, found, err := j.Read()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, record, got)

	require.NoError(t, j.Clear())
	_, found, err = j.Read()
	require.NoError(t, err)
	require.False(t, found)
}

func TestClearWithNothingPendingIsNotAnError(t *testing.T) {
	j := New(t.TempDir())
	require.NoError(t, j.Clear())
}

func TestWriteLeavesNoTmpFileBehind(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	require.NoError(t, j.Write(Record{Bucket: "jobs", Key: "a"}))

	_, err := os.Stat(filepath.Join(dir, FileName+".tmp"))
	require.Error(t, err)
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	require.True(t, ShouldRetry(Record{Attempts: 0}, DefaultMaxAttempts))
	require.True(t, ShouldRetry(Record{Attempts: 2}, DefaultMaxAttempts))
	require.False(t, ShouldRetry(Record{Attempts: 3}, DefaultMaxAttempts))
}

func TestWriteOverwritesPriorRecord(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	require.NoError(t, j.Write(Record{Key: "first", Attempts: 1}))
	require.NoError(t, j.Write(Record{Key: "second", Attempts: 2}))

	got, found, err := j.Read()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "second", got.Key)
	require.Equal(t, 2, got.Attempts)
}
