// Package encoder serializes records into the wire formats understood by Splunk:
// the HTTP Event Collector JSON envelope, raw lines, JSON lines and key-value lines.
package encoder

import (
	"fmt"

	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metadata"
)

// Format identifies a wire format.
type Format string

const (
	// FormatEnvelope is the collector JSON envelope carrying metadata and the record.
	FormatEnvelope Format = "hec"
	// FormatRaw emits the content of a single record key.
	FormatRaw Format = "raw"
	// FormatJSON emits the record as a JSON object.
	FormatJSON Format = "json"
	// FormatKV emits the record as space separated key=value pairs.
	FormatKV Format = "kv"
)

// DefaultLineBreaker terminates every encoded event unless configured otherwise.
const DefaultLineBreaker = "\n"

// DefaultTimeKey is the record key the event time is promoted to.
const DefaultTimeKey = "time"

// IsValid reports whether f names a known format.
func (f Format) IsValid() bool {
	switch f {
	case FormatEnvelope, FormatRaw, FormatJSON, FormatKV:
		return true
	}
	return false
}

// Config selects and parameterizes an encoder. It is fixed per output instance.
type Config struct {
	Format   Format
	Metadata metadata.Config

	// EventKey names the record key holding the content for FormatRaw.
	EventKey string

	TimeKey     string
	TimeFormat  string
	LocalTime   bool
	LineBreaker string
}

// Encoder turns one entry into its wire bytes, line terminator included.
// A nil result with a nil error means the entry contributes nothing.
type Encoder interface {
	Encode(e event.Entry) ([]byte, error)
}

// New builds the encoder described by cfg. Invalid combinations are reported
// here so that they surface at startup rather than at delivery time.
func New(cfg Config) (Encoder, error) {
	if cfg.LineBreaker == "" {
		cfg.LineBreaker = DefaultLineBreaker
	}
	if cfg.TimeKey == "" {
		cfg.TimeKey = DefaultTimeKey
	}

	switch cfg.Format {
	case FormatEnvelope:
		return &envelopeEncoder{cfg: cfg}, nil
	case FormatRaw:
		if cfg.EventKey == "" {
			return nil, fmt.Errorf("event_key is required for format %q", cfg.Format)
		}
		return &rawEncoder{cfg: cfg}, nil
	case FormatJSON, FormatKV:
		tf, err := NewTimeFormatter(cfg.TimeFormat, cfg.LocalTime)
		if err != nil {
			return nil, err
		}
		if cfg.Format == FormatJSON {
			return &jsonEncoder{cfg: cfg, formatTime: tf}, nil
		}
		return &kvEncoder{cfg: cfg, formatTime: tf}, nil
	default:
		return nil, fmt.Errorf("invalid format %q", cfg.Format)
	}
}

// promoteTime resolves the record and, when the event time is in use, places
// it under the time key as the first field.
func promoteTime(e event.Entry, cfg Config, formatTime TimeFormatter) *event.Record {
	res, rec := metadata.Resolve(e.Record, e.Time, cfg.Metadata)
	if rec == nil {
		rec = event.NewRecord()
	}
	if !res.HasTime {
		return rec
	}
	out := rec.Clone()
	out.Prepend(cfg.TimeKey, formatTime(res.Time))
	return out
}
