package forwarder

import (
	"errors"
	"log/slog"

	"github.com/scottbrown/splunkout/internal/ack"
	"github.com/scottbrown/splunkout/internal/batch"
	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metrics"
	"github.com/scottbrown/splunkout/internal/transport"
)

// pipeline is the assemble, send, confirm sequence shared by both outputs.
type pipeline struct {
	output    string
	encoder   encoder.Encoder
	transport transport.Transport
	path      string
	// confirm is nil when the output does not wait for acknowledgement.
	confirm func(resp *transport.Response) error
}

func (p *pipeline) deliver(tag string, entries []event.Entry) error {
	payload, err := batch.Assemble(entries, p.encoder)
	if err != nil {
		metrics.Deliveries.Add("failure", 1)
		return err
	}

	metrics.EventsEncoded.Add(int64(payload.Events))
	metrics.EventsDropped.Add(int64(payload.Dropped))

	if payload.Empty() {
		metrics.BatchesSkipped.Add(1)
		slog.Debug("nothing to send", "output", p.output, "tag", tag, "records", len(entries))
		return nil
	}

	resp, err := p.transport.Send(p.path, payload.Body)
	if err != nil {
		metrics.Deliveries.Add("failure", 1)
		return err
	}
	metrics.BytesSent.Add(int64(len(payload.Body)))

	if p.confirm != nil {
		if err := p.confirm(resp); err != nil {
			metrics.Acks.Add(ackOutcome(err), 1)
			metrics.Deliveries.Add("failure", 1)
			return err
		}
		metrics.Acks.Add("confirmed", 1)
	}

	metrics.Deliveries.Add("success", 1)
	slog.Debug("batch delivered",
		"output", p.output,
		"tag", tag,
		"events", payload.Events,
		"dropped", payload.Dropped,
		"bytes", len(payload.Body),
	)
	return nil
}

func ackOutcome(err error) string {
	switch {
	case errors.Is(err, ack.ErrAckIDMissing):
		return "missing"
	case errors.Is(err, ack.ErrAckExhausted):
		return "exhausted"
	default:
		return "error"
	}
}
