package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/scottbrown/splunkout"
	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/dlq"
	"github.com/scottbrown/splunkout/internal/healthcheck"
	"github.com/scottbrown/splunkout/internal/metrics"
	"github.com/scottbrown/splunkout/internal/server"
)

// listenShutdownTimeout bounds the final flush of open connections.
const listenShutdownTimeout = 30 * time.Second

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept NDJSON over TCP and forward it to Splunk",
	Long: "Runs a long-lived listener that accepts newline-delimited JSON over TCP or TLS, " +
		"batches each connection's events and delivers them to the configured Splunk output.",
	RunE: handleListenCmd,
}

func handleListenCmd(cmd *cobra.Command, args []string) error {
	setupLogging(cmd.ErrOrStderr(), logLevel)

	metrics.Init(splunkout.Version())

	cfg, err := loadListenConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
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

	host, err := newListenHost(cfg)
	if err != nil {
		slog.Error("failed to start listener", "error", err)
		return err
	}
	if err := host.run(ctx); err != nil {
		slog.Error("listener failed", "error", err)
		return err
	}
	return nil
}

// loadListenConfig loads the configuration, applies flags and checks the
// listen section.
func loadListenConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := applyFlagOverrides(cfg, cmd); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen-addr") {
		cfg.Listen.Addr = listenAddr
	}
	if flags.Changed("health-check-addr") {
		cfg.Listen.HealthCheckAddr = healthCheckAddr
	}

	if err := cfg.ValidateListen(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listenHost runs the listener with its health check and DLQ retention worker.
type listenHost struct {
	srv       *server.Server
	health    *healthcheck.Server
	retention *dlq.RetentionWorker
}

// newListenHost binds the listener and the health check port. Connections
// are not accepted until run.
func newListenHost(cfg *config.Config) (*listenHost, error) {
	srv, err := server.NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, multierr.Append(err, srv.Shutdown(context.Background()))
	}

	h := &listenHost{srv: srv}

	if addr := cfg.Listen.HealthCheckAddr; addr != "" {
		h.health = healthcheck.New(addr, srv.Dispatcher().HealthCheck)
		if err := h.health.Start(); err != nil {
			return nil, multierr.Append(err, srv.Shutdown(context.Background()))
		}
	} else {
		slog.Info("healthcheck disabled")
	}

	if policy := cfg.Pipeline.RetentionPolicy(); cfg.Pipeline.DLQDir != "" && policy.Enabled() {
		h.retention = dlq.NewRetentionWorker(cfg.Pipeline.DLQDir, policy)
	}

	return h, nil
}

// run serves until ctx is cancelled or the listener fails, then shuts every
// part down.
func (h *listenHost) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(h.srv.Serve)

	if h.retention != nil {
		g.Go(func() error {
			return h.retention.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), listenShutdownTimeout)
		defer cancel()

		var err error
		if h.health != nil {
			err = h.health.Stop()
		}
		if serr := h.srv.Shutdown(shutdownCtx); serr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown: %w", serr))
		}
		return err
	})

	return g.Wait()
}
