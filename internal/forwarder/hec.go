package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/scottbrown/splunkout/internal/ack"
	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metadata"
	"github.com/scottbrown/splunkout/internal/transport"
)

const (
	// EventPath receives newline-delimited JSON envelopes.
	EventPath = "/services/collector"
	// RawPath receives raw lines; metadata travels in the query string.
	RawPath = "/services/collector/raw"
)

// HECConfig contains configuration for the Splunk HEC forwarder.
type HECConfig struct {
	HTTP transport.HTTPConfig
	// Encoder.Format is encoder.FormatEnvelope, or encoder.FormatRaw for raw mode.
	Encoder encoder.Config
	UseAck  bool
	Ack     ack.Config
}

// HEC delivers batches to a Splunk HTTP Event Collector.
type HEC struct {
	transport *transport.HTTP
	pipeline  pipeline
}

// NewHEC validates the configuration and builds the forwarder. Options are
// passed to the acknowledgement coordinator.
func NewHEC(cfg HECConfig, opts ...ack.Option) (*HEC, error) {
	if cfg.HTTP.Token == "" {
		return nil, errors.New("token is required")
	}
	if cfg.UseAck && cfg.HTTP.Channel == "" {
		return nil, errors.New("channel is required when use_ack is true")
	}

	path := EventPath
	switch cfg.Encoder.Format {
	case "", encoder.FormatEnvelope:
		cfg.Encoder.Format = encoder.FormatEnvelope
	case encoder.FormatRaw:
		path = rawPath(cfg.Encoder.Metadata)
	default:
		return nil, fmt.Errorf("format %q is not supported by the HEC output", cfg.Encoder.Format)
	}

	enc, err := encoder.New(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	tr, err := transport.NewHTTP(cfg.HTTP)
	if err != nil {
		return nil, err
	}

	h := &HEC{
		transport: tr,
		pipeline: pipeline{
			output:    "hec",
			encoder:   enc,
			transport: tr,
			path:      path,
		},
	}

	if cfg.UseAck {
		coord, err := ack.New(tr, cfg.Ack, opts...)
		if err != nil {
			return nil, err
		}
		h.pipeline.confirm = func(resp *transport.Response) error {
			return coord.Confirm(resp.Body)
		}
	}

	slog.Debug("HEC forwarder ready",
		"base_url", tr.BaseURL(),
		"path", path,
		"use_ack", cfg.UseAck,
	)
	return h, nil
}

// Deliver sends one batch to the collector.
func (h *HEC) Deliver(tag string, entries []event.Entry) error {
	return h.pipeline.deliver(tag, entries)
}

// HealthCheck verifies that the HEC endpoint and token are valid.
func (h *HEC) HealthCheck() error {
	return h.transport.HealthCheck()
}

// Shutdown closes idle collector connections.
func (h *HEC) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.transport.Close()
}

// Path returns the collector path batches are posted to.
func (h *HEC) Path() string {
	return h.pipeline.path
}

// rawPath builds the raw endpoint path. Raw bodies carry no per-event
// metadata, so only the configured defaults can be sent.
func rawPath(cfg metadata.Config) string {
	q := url.Values{}
	for name, rule := range map[string]metadata.Rule{
		"host":       cfg.Host,
		"source":     cfg.Source,
		"index":      cfg.Index,
		"sourcetype": cfg.SourceType,
	} {
		if rule.Default != "" {
			q.Set(name, rule.Default)
		}
	}
	if len(q) == 0 {
		return RawPath
	}
	return RawPath + "?" + q.Encode()
}
