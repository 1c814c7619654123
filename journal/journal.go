package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the fixed on-disk name of the pending-upload marker,
// written under the workspace root.
const FileName = "pending_upload.json"

// DefaultMaxAttempts bounds how many times a worker will
// auto-retry a pending upload at startup before leaving the record
// in place without further automatic retries.
const DefaultMaxAttempts = 3

// Record is the on-worker marker that a final upload was attempted
// and not yet confirmed. It exists iff such an upload is outstanding,
// and is cleared on confirmed success.
type Record struct {
	FilePath string `json:"file_path"`
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Endpoint string `json:"endpoint"`
	Attempts int    `json:"attempts"`
}

// Journal is a single-writer, single-file on-disk marker. Writes use
// an atomic rename via a ".tmp" sibling so a crash mid-write never
// leaves a corrupt or partially-written record behind.
type Journal struct {
	path string
}

func New(workspaceRoot string) *Journal {
	return &Journal{path: filepath.Join(workspaceRoot, FileName)}
}

// Write persists record, replacing any prior record.
func (j *Journal) Write(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode pending upload record: %w", err)
	}

	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write pending upload tmp file: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("failed to atomically rename pending upload record: %w", err)
	}
	return nil
}

// Read returns the current record and true if one exists, or the
// zero Record and false if no upload is outstanding.
func (j *Journal) Read() (Record, bool, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to read pending upload record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, false, fmt.Errorf("failed to parse pending upload record: %w", err)
	}
	return record, true, nil
}

// Clear removes the record; it is not an error to clear a journal
// with nothing pending.
func (j *Journal) Clear() error {
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear pending upload record: %w", err)
	}
	return nil
}

// ShouldRetry reports whether record.Attempts is still under
// maxAttempts; once it reaches the limit the record is left in place
// (for operator visibility) but no further auto-retry happens at
// worker start.
func ShouldRetry(record Record, maxAttempts int) bool {
	return record.Attempts < maxAttempts
}
