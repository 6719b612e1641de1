package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottbrown/splunkout"
	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/dlq"
	"github.com/scottbrown/splunkout/internal/metrics"
	"github.com/scottbrown/splunkout/internal/processor"
	"github.com/scottbrown/splunkout/internal/server"
)

// shutdownTimeout bounds how long the forwarder may take to release its
// resources once input is exhausted or a signal arrives.
const shutdownTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   splunkout.AppName + " [file ...]",
	Short: "Forward NDJSON events to Splunk",
	Long: "Reads newline-delimited JSON events from files or stdin and delivers them in batches " +
		"to Splunk over the HTTP Event Collector or a raw TCP input.",
	Version:       splunkout.Version(),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          handleRootCmd,
}

// sendStats summarises one run of the host pipeline.
type sendStats struct {
	Batches int
	Events  int
	Failed  int
}

func handleRootCmd(cmd *cobra.Command, args []string) error {
	setupLogging(cmd.ErrOrStderr(), logLevel)

	metrics.Init(splunkout.Version())

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}
	if err := applyFlagOverrides(cfg, cmd); err != nil {
		slog.Error("invalid flag", "error", err)
		return err
	}

	metricsSrv, err := metrics.StartServer(cfg.MetricsAddr)
	if err != nil {
		slog.Error("failed to start metrics server", "error", err)
		return err
	}
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stats, err := run(ctx, cfg, args, cmd.InOrStdin())
	if err != nil {
		slog.Error("send failed", "error", err)
		return err
	}

	slog.Info("finished sending",
		"batches", stats.Batches,
		"events", stats.Events,
		"failed_batches", stats.Failed)

	if stats.Failed > 0 {
		return fmt.Errorf("%d of %d batches failed delivery", stats.Failed, stats.Batches)
	}
	return nil
}

// run builds the output described by cfg and sends every input through it.
// An empty input list or "-" reads stdin.
func run(ctx context.Context, cfg *config.Config, inputs []string, stdin io.Reader) (sendStats, error) {
	var total sendStats

	d, err := server.NewDispatcherFromConfig(cfg)
	if err != nil {
		return total, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := d.Close(shutdownCtx); err != nil {
			slog.Warn("failed to shutdown output", "error", err)
		}
	}()
	slog.Info("initialized output", "type", cfg.Output.Type, "host", cfg.Output.Host, "port", cfg.Output.Port)

	if cfg.Output.HealthCheck {
		slog.Info("testing Splunk connectivity")
		if err := d.HealthCheck(); err != nil {
			return total, fmt.Errorf("health check failed: %w", err)
		}
		slog.Info("Splunk connectivity verified")
	}

	if len(inputs) == 0 {
		inputs = []string{"-"}
	}

	for _, input := range inputs {
		stats, err := sendInput(ctx, d, cfg.Pipeline, input, stdin)
		total.Batches += stats.Batches
		total.Events += stats.Events
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
	}

	sweepDLQ(cfg.Pipeline)
	return total, nil
}

// sweepDLQ applies the retention policy once, so one-shot runs keep the DLQ
// directory bounded without a long-running worker.
func sweepDLQ(p config.PipelineConfig) {
	policy := p.RetentionPolicy()
	if p.DLQDir == "" || !policy.Enabled() {
		return
	}
	dlq.NewRetentionWorker(p.DLQDir, policy).Sweep()
}

func sendInput(ctx context.Context, d *server.Dispatcher, p config.PipelineConfig, input string, stdin io.Reader) (sendStats, error) {
	if input == "-" {
		slog.Info("reading events", "input", "stdin")
		return sendStream(ctx, d, p, server.Origin{Actor: "stdin"}, stdin)
	}

	// #nosec G304 -- input paths are given by the user on the command line.
	f, err := os.Open(input)
	if err != nil {
		return sendStats{}, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	slog.Info("reading events", "input", input)
	return sendStream(ctx, d, p, server.Origin{Actor: input}, f)
}

// sendStream delivers r in batches of p.BatchSize, one batch at a time. A
// failed batch goes through the dispatcher's drop policy and sending
// continues with the next batch. Cancelling ctx stops reading between batches.
func sendStream(ctx context.Context, d *server.Dispatcher, p config.PipelineConfig, origin server.Origin, r io.Reader) (sendStats, error) {
	var stats sendStats
	reader := processor.NewReader(r, p.MaxLineBytes)

	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		entries, err := reader.Next(p.BatchSize)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read input: %w", err)
		}

		stats.Batches++
		stats.Events += len(entries)

		if err := d.Dispatch(origin, entries); err != nil {
			stats.Failed++
		}
	}
}

// applyFlagOverrides copies explicitly set flags over the loaded configuration.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command) error {
	flags := cmd.Flags()
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("batch-size") {
		if batchSize <= 0 {
			return fmt.Errorf("--batch-size must be positive, got %d", batchSize)
		}
		cfg.Pipeline.BatchSize = batchSize
	}
	if flags.Changed("dlq-dir") {
		cfg.Pipeline.DLQDir = dlqDir
	}
	if flags.Changed("tag") {
		cfg.Pipeline.Tag = tag
	}
	if flags.Changed("health-check") {
		cfg.Output.HealthCheck = healthCheck
	}
	return nil
}

// parseLogLevel maps a --log-level value to a slog level. Unknown values fall
// back to info and report false.
func parseLogLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// setupLogging installs a JSON slog handler writing to w with UTC timestamps.
func setupLogging(w io.Writer, levelName string) {
	level, ok := parseLogLevel(levelName)
	if !ok {
		fmt.Fprintf(w, "invalid log level %q, using info\n", levelName)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Convert all timestamps to UTC
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.TimeValue(t.UTC())
				}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(handler))
}
