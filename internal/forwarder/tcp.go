package forwarder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/transport"
)

// TCPConfig contains configuration for the raw TCP forwarder.
type TCPConfig struct {
	Socket transport.SocketConfig
	// Encoder.Format is one of raw, json or kv.
	Encoder encoder.Config
}

// TCP writes each batch to a Splunk TCP input over its own connection.
type TCP struct {
	socket   *transport.Socket
	pipeline pipeline
}

// NewTCP validates the configuration and builds the forwarder.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	switch cfg.Encoder.Format {
	case "":
		cfg.Encoder.Format = encoder.FormatRaw
	case encoder.FormatRaw, encoder.FormatJSON, encoder.FormatKV:
	default:
		return nil, fmt.Errorf("invalid format %q", cfg.Encoder.Format)
	}

	enc, err := encoder.New(cfg.Encoder)
	if err != nil {
		return nil, err
	}

	sock, err := transport.NewSocket(cfg.Socket)
	if err != nil {
		return nil, err
	}

	slog.Debug("TCP forwarder ready", "addr", sock.Addr(), "format", string(cfg.Encoder.Format))
	return &TCP{
		socket: sock,
		pipeline: pipeline{
			output:    "tcp",
			encoder:   enc,
			transport: sock,
		},
	}, nil
}

// Deliver writes one batch over a fresh connection.
func (t *TCP) Deliver(tag string, entries []event.Entry) error {
	return t.pipeline.deliver(tag, entries)
}

// HealthCheck opens a connection, including the TLS handshake, and closes it
// without writing.
func (t *TCP) HealthCheck() error {
	conn, err := t.socket.Connect()
	if err != nil {
		return err
	}
	return conn.Close()
}

// Shutdown is a no-op; no connection outlives a delivery.
func (t *TCP) Shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.socket.Close()
}
