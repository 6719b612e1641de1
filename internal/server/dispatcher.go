package server

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/scottbrown/splunkout/internal/audit"
	"github.com/scottbrown/splunkout/internal/circuitbreaker"
	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/dlq"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/forwarder"
)

// DispatcherConfig holds the optional collaborators of a Dispatcher.
type DispatcherConfig struct {
	// Tag labels every batch in logs and DLQ entries.
	Tag string
	// Output describes the output in audit events, e.g. "hec://splunk:8088".
	Output string
	// DLQ receives failed batches. Nil drops them.
	DLQ *dlq.Writer
	// Audit records batch outcomes. Nil disables auditing.
	Audit *audit.Logger
}

// Origin identifies where a batch came from.
type Origin struct {
	ConnID string
	Actor  string
}

// Dispatcher hands batches to the output and applies the drop policy to
// failed ones: written to the DLQ when one is configured, dropped otherwise.
//
// Dispatch is safe for concurrent use.
type Dispatcher struct {
	fwd forwarder.Forwarder
	cfg DispatcherConfig
}

// NewDispatcher wraps fwd.
func NewDispatcher(fwd forwarder.Forwarder, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{fwd: fwd, cfg: cfg}
}

// NewDispatcherFromConfig builds the output, circuit breaker, DLQ and audit
// log described by cfg.
func NewDispatcherFromConfig(cfg *config.Config) (*Dispatcher, error) {
	fwd, err := forwarder.NewFromConfig(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s output: %w", cfg.Output.Type, err)
	}
	if cbConfig, ok := cfg.Pipeline.BreakerConfig(); ok {
		fwd = forwarder.WithBreaker(fwd, circuitbreaker.New(cbConfig))
		slog.Info("circuit breaker enabled",
			"failure_threshold", cbConfig.FailureThreshold,
			"timeout", cbConfig.Timeout)
	}

	dc := DispatcherConfig{
		Tag:    cfg.Pipeline.Tag,
		Output: fmt.Sprintf("%s://%s:%d", cfg.Output.Type, cfg.Output.Host, cfg.Output.Port),
	}

	if cfg.Pipeline.DLQDir != "" {
		dc.DLQ, err = dlq.New(cfg.Pipeline.DLQDir)
		if err != nil {
			return nil, multierr.Append(
				fmt.Errorf("failed to initialize DLQ: %w", err),
				fwd.Shutdown(context.Background()))
		}
		slog.Info("initialized DLQ", "dir", cfg.Pipeline.DLQDir)
	}

	dc.Audit, err = audit.New(audit.Config{
		Enabled: cfg.Audit.Enabled,
		LogFile: cfg.Audit.LogFile,
		Format:  cfg.Audit.Format,
	})
	if err != nil {
		d := NewDispatcher(fwd, dc)
		return nil, multierr.Append(
			fmt.Errorf("failed to initialize audit log: %w", err),
			d.Close(context.Background()))
	}
	if dc.Audit.Enabled() {
		slog.Info("audit logging enabled", "file", cfg.Audit.LogFile, "format", cfg.Audit.Format)
	}

	return NewDispatcher(fwd, dc), nil
}

// Dispatch delivers one batch. It returns the delivery error, after the
// batch has been dead-lettered or dropped. An empty batch is ignored.
func (d *Dispatcher) Dispatch(origin Origin, entries []event.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	deliverErr := d.fwd.Deliver(d.cfg.Tag, entries)
	if deliverErr == nil {
		d.audit(origin, audit.EventBatchDelivered, true, "deliver", "delivered", map[string]any{
			"events": len(entries),
		})
		return nil
	}

	d.audit(origin, audit.EventBatchFailed, false, "deliver", "failed", map[string]any{
		"events": len(entries),
		"error":  deliverErr.Error(),
	})

	if d.cfg.DLQ == nil {
		slog.Error("dropping failed batch",
			"tag", d.cfg.Tag,
			"conn_id", origin.ConnID,
			"events", len(entries),
			"error", deliverErr)
		return deliverErr
	}

	slog.Error("batch failed, writing to DLQ",
		"tag", d.cfg.Tag,
		"conn_id", origin.ConnID,
		"events", len(entries),
		"error", deliverErr)
	if err := d.cfg.DLQ.Write(d.cfg.Tag, entries, deliverErr); err != nil {
		slog.Error("failed to write batch to DLQ", "tag", d.cfg.Tag, "error", err)
		return deliverErr
	}
	d.audit(origin, audit.EventBatchDeadLettered, true, "dead_letter", "written", map[string]any{
		"events": len(entries),
		"file":   d.cfg.DLQ.CurrentFile(),
	})
	return deliverErr
}

// HealthCheck probes the output.
func (d *Dispatcher) HealthCheck() error {
	return d.fwd.HealthCheck()
}

// Audit returns the audit log, which may be nil.
func (d *Dispatcher) Audit() *audit.Logger {
	return d.cfg.Audit
}

// Close shuts the output down and closes the DLQ and audit log.
func (d *Dispatcher) Close(ctx context.Context) error {
	err := d.fwd.Shutdown(ctx)
	if d.cfg.DLQ != nil {
		err = multierr.Append(err, d.cfg.DLQ.Close())
	}
	return multierr.Append(err, d.cfg.Audit.Close())
}

func (d *Dispatcher) audit(origin Origin, typ audit.EventType, success bool, action, result string, details map[string]any) {
	err := d.cfg.Audit.Log(audit.Event{
		EventType:    typ,
		Success:      success,
		Actor:        origin.Actor,
		Resource:     d.cfg.Output,
		Action:       action,
		Result:       result,
		Details:      details,
		ConnectionID: origin.ConnID,
	})
	if err != nil {
		slog.Warn("failed to write audit event", "event_type", typ, "error", err)
	}
}
