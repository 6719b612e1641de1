// Package dlq implements a dead letter queue for batches that failed delivery.
// Each event of a failed batch is written to an NDJSON file with metadata for
// later analysis or replay.
package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metrics"
)

// Entry represents one event of a failed batch in the dead letter queue.
// It contains the original event plus metadata about the failure.
type Entry struct {
	Timestamp string        `json:"timestamp"` // ISO 8601 timestamp of failure
	Tag       string        `json:"tag"`       // Tag of the failed batch
	Error     string        `json:"error"`     // Error message describing the failure
	Time      json.Number   `json:"time"`      // Event time in seconds since the epoch
	Record    *event.Record `json:"record"`    // Original record
}

// Writer handles writing failed batches to the dead letter queue.
// Files are rotated daily and named: dlq-YYYY-MM-DD.ndjson.
//
// Writer is safe for concurrent use by multiple goroutines.
type Writer struct {
	baseDir string
	file    *os.File
	curDay  string
	mu      sync.Mutex
}

// New creates a new DLQ Writer for the given directory.
// The directory is created if it does not exist.
// Returns an error if the directory cannot be created.
func New(baseDir string) (*Writer, error) {
	if err := ensureDir(baseDir); err != nil {
		return nil, err
	}

	return &Writer{
		baseDir: baseDir,
	}, nil
}

// Write records every entry of a failed batch together with the tag and the
// delivery error.
func (w *Writer) Write(tag string, entries []event.Entry, deliveryErr error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now().UTC()
	day := now.Format("2006-01-02")

	if day != w.curDay {
		if w.file != nil {
			if closeErr := w.file.Close(); closeErr != nil {
				return closeErr
			}
		}

		var openErr error
		w.file, openErr = w.openDayFile(day)
		if openErr != nil {
			metrics.DLQWrites.Add("failure", 1)
			return openErr
		}
		w.curDay = day
	}

	var buf []byte
	for _, e := range entries {
		record := e.Record
		if record == nil {
			record = event.NewRecord()
		}
		jsonData, marshalErr := json.Marshal(Entry{
			Timestamp: now.Format(time.RFC3339),
			Tag:       tag,
			Error:     deliveryErr.Error(),
			Time:      encoder.UnixTime(e.Time),
			Record:    record,
		})
		if marshalErr != nil {
			metrics.DLQWrites.Add("failure", 1)
			return fmt.Errorf("failed to marshal DLQ entry: %w", marshalErr)
		}
		buf = append(buf, jsonData...)
		buf = append(buf, '\n')
	}

	// One write per batch keeps a batch contiguous in the file
	if _, writeErr := w.file.Write(buf); writeErr != nil {
		metrics.DLQWrites.Add("failure", 1)
		return writeErr
	}

	metrics.DLQWrites.Add("success", 1)
	slog.Debug("wrote batch to DLQ", "tag", tag, "events", len(entries), "error", deliveryErr.Error())
	return nil
}

// Close closes the current day's file if open.
// Returns an error if the file cannot be closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// openDayFile opens or creates the DLQ file for the given day.
// Files are named: dlq-YYYY-MM-DD.ndjson
func (w *Writer) openDayFile(day string) (*os.File, error) {
	filename := filepath.Join(w.baseDir, fmt.Sprintf("dlq-%s.ndjson", day))
	// #nosec G304 -- baseDir is set during Writer construction from config.
	// The day parameter is generated from time.Now() and used for daily DLQ rotation.
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	slog.Info("opened DLQ file", "path", filename)
	return file, nil
}

// ensureDir creates the directory if it doesn't exist.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// CurrentFile returns the path to the current day's DLQ file.
// Returns empty string if no file is currently open.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}
	return w.file.Name()
}
