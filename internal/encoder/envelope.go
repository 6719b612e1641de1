package encoder

import (
	"bytes"
	"encoding/json"

	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metadata"
)

// envelope is the collector event object. Absent metadata is omitted.
type envelope struct {
	Time       json.Number `json:"time,omitempty"`
	SourceType string      `json:"sourcetype,omitempty"`
	Host       string      `json:"host,omitempty"`
	Source     string      `json:"source,omitempty"`
	Index      string      `json:"index,omitempty"`
	Event      any         `json:"event"`
}

type envelopeEncoder struct {
	cfg Config
}

func (e *envelopeEncoder) Encode(entry event.Entry) ([]byte, error) {
	res, rec := metadata.Resolve(entry.Record, entry.Time, e.cfg.Metadata)
	if rec == nil {
		rec = event.NewRecord()
	}

	env := envelope{
		SourceType: res.SourceType,
		Host:       res.Host,
		Source:     res.Source,
		Index:      res.Index,
		Event:      rec,
	}

	if res.HasTime {
		env.Time = UnixTime(res.Time)
	} else if v, ok := rec.Get(e.cfg.TimeKey); ok {
		// The record may carry its own numeric time.
		env.Time = numericTime(v)
	}

	return marshalLine(env, e.cfg.LineBreaker)
}

// numericTime returns v as a JSON number when it is numeric.
func numericTime(v any) json.Number {
	switch v.(type) {
	case json.Number, float64, float32, int, int64, int32, uint64, uint32:
		return json.Number(metadata.Stringify(v))
	}
	return ""
}

// marshalLine encodes v as compact JSON without HTML escaping and appends the
// line breaker.
func marshalLine(v any, lineBreaker string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	return append(out, lineBreaker...), nil
}
