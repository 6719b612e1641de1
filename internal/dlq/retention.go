package dlq

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCheckInterval is how often the retention worker sweeps when no
// interval is configured.
const DefaultCheckInterval = time.Hour

// RetentionPolicy defines the automatic cleanup of old DLQ files.
type RetentionPolicy struct {
	MaxAgeDays      int           // Delete files older than N days (0 = keep forever)
	CompressAgeDays int           // Gzip files older than N days (0 = never)
	CheckInterval   time.Duration // How often to sweep
}

// Enabled reports whether the policy removes or compresses anything.
func (p RetentionPolicy) Enabled() bool {
	return p.MaxAgeDays > 0 || p.CompressAgeDays > 0
}

// SweepResult summarises one retention pass.
type SweepResult struct {
	Deleted    int
	Compressed int
	BytesFreed int64
}

// RetentionWorker applies a RetentionPolicy to the daily files of one DLQ
// directory.
type RetentionWorker struct {
	dir    string
	policy RetentionPolicy
	clock  clock.Clock
}

// RetentionOption configures a RetentionWorker.
type RetentionOption func(*RetentionWorker)

// WithRetentionClock replaces the wall clock used for file ages and the sweep ticker.
func WithRetentionClock(c clock.Clock) RetentionOption {
	return func(w *RetentionWorker) {
		w.clock = c
	}
}

// NewRetentionWorker creates a retention worker for dir.
func NewRetentionWorker(dir string, policy RetentionPolicy, opts ...RetentionOption) *RetentionWorker {
	if policy.CheckInterval <= 0 {
		policy.CheckInterval = DefaultCheckInterval
	}
	w := &RetentionWorker{
		dir:    dir,
		policy: policy,
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps immediately and then every CheckInterval until ctx is done. It
// returns nil on cancellation.
func (w *RetentionWorker) Run(ctx context.Context) error {
	if !w.policy.Enabled() {
		slog.Info("DLQ retention disabled")
		return nil
	}

	slog.Info("starting DLQ retention worker",
		"dir", w.dir,
		"max_age_days", w.policy.MaxAgeDays,
		"compress_age_days", w.policy.CompressAgeDays,
		"check_interval", w.policy.CheckInterval)

	w.Sweep()

	ticker := w.clock.Ticker(w.policy.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-ctx.Done():
			slog.Info("DLQ retention worker stopped")
			return nil
		}
	}
}

// Sweep deletes and compresses DLQ files according to the policy.
func (w *RetentionWorker) Sweep() SweepResult {
	var res SweepResult
	now := w.clock.Now().UTC()

	var deleteCutoff, compressCutoff time.Time
	if w.policy.MaxAgeDays > 0 {
		deleteCutoff = now.AddDate(0, 0, -w.policy.MaxAgeDays)
	}
	if w.policy.CompressAgeDays > 0 {
		compressCutoff = now.AddDate(0, 0, -w.policy.CompressAgeDays)
	}

	for _, pattern := range []string{"dlq-????-??-??.ndjson", "dlq-????-??-??.ndjson.gz"} {
		files, err := filepath.Glob(filepath.Join(w.dir, pattern))
		if err != nil {
			slog.Error("failed to list DLQ files", "dir", w.dir, "pattern", pattern, "error", err)
			continue
		}

		for _, file := range files {
			fileDate := dateFromFilename(file)
			if fileDate.IsZero() {
				slog.Warn("failed to parse date from DLQ filename", "file", file)
				continue
			}

			if !deleteCutoff.IsZero() && fileDate.Before(deleteCutoff) {
				size, err := deleteFile(file)
				if err != nil {
					slog.Error("failed to delete old DLQ file", "file", file, "error", err)
					continue
				}
				res.Deleted++
				res.BytesFreed += size
				slog.Info("deleted old DLQ file", "file", filepath.Base(file), "size_bytes", size)
				continue
			}

			if !compressCutoff.IsZero() && fileDate.Before(compressCutoff) && !strings.HasSuffix(file, ".gz") {
				origSize, compressedSize, err := compressFile(file)
				if err != nil {
					slog.Error("failed to compress DLQ file", "file", file, "error", err)
					continue
				}
				res.Compressed++
				res.BytesFreed += origSize - compressedSize
				slog.Info("compressed old DLQ file",
					"file", filepath.Base(file),
					"original_size", origSize,
					"compressed_size", compressedSize)
			}
		}
	}

	slog.Debug("DLQ retention sweep complete",
		"files_deleted", res.Deleted,
		"files_compressed", res.Compressed,
		"bytes_freed", res.BytesFreed)
	return res
}

// dateFromFilename extracts the day from dlq-YYYY-MM-DD.ndjson[.gz].
func dateFromFilename(path string) time.Time {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".ndjson")
	base = strings.TrimPrefix(base, "dlq-")

	day, err := time.Parse("2006-01-02", base)
	if err != nil {
		return time.Time{}
	}
	return day
}

// deleteFile removes the file and returns its size.
func deleteFile(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("failed to remove file: %w", err)
	}
	return info.Size(), nil
}

// compressFile gzips path to path.gz and removes the original on success.
func compressFile(path string) (origSize, compressedSize int64, err error) {
	// #nosec G304 -- path comes from a glob over the configured DLQ directory
	input, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer input.Close()

	outputPath := path + ".gz"
	// #nosec G304 -- path comes from a glob over the configured DLQ directory
	output, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create gzip file: %w", err)
	}

	gzWriter := gzip.NewWriter(output)
	origSize, err = io.Copy(gzWriter, input)
	if err == nil {
		err = gzWriter.Close()
	}
	if closeErr := output.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(outputPath)
		return 0, 0, fmt.Errorf("failed to write compressed data: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to stat compressed file: %w", err)
	}

	_ = input.Close()
	if err := os.Remove(path); err != nil {
		slog.Warn("compressed DLQ file but failed to delete original",
			"file", path,
			"compressed", outputPath,
			"error", err)
	}

	return origSize, info.Size(), nil
}
