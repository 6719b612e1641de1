// Package forwarder delivers batches of events to Splunk, over the HTTP Event
// Collector or a raw TCP socket.
package forwarder

import (
	"context"

	"github.com/scottbrown/splunkout/internal/event"
)

// Forwarder defines the interface for delivering batches to one Splunk output.
// Implementations are HEC (HTTP Event Collector) and TCP (raw socket).
type Forwarder interface {
	// Deliver encodes the entries in order, sends them as one payload and,
	// when acknowledgement is enabled, waits for the collector to confirm
	// indexing. The tag is used for logging. An empty payload is not sent.
	// Any failure is returned to the caller; nothing is retried here.
	Deliver(tag string, entries []event.Entry) error

	// HealthCheck verifies that the endpoint is reachable and, for HEC, that
	// the token is accepted.
	HealthCheck() error

	// Shutdown releases transport resources. The provided context bounds the
	// shutdown.
	Shutdown(ctx context.Context) error
}
