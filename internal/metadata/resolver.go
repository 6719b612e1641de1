// Package metadata resolves the Splunk metadata fields of an event from a record
// and the static defaults of the output.
package metadata

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/scottbrown/splunkout/internal/event"
)

// Rule describes how one metadata field is resolved. A non-empty value found in
// the record under Key wins over Default. When Remove is set the key is dropped
// from the record once its value has been promoted.
type Rule struct {
	Key     string
	Remove  bool
	Default string
}

// Config holds the resolution rules for every metadata field.
type Config struct {
	Host       Rule
	Source     Rule
	Index      Rule
	SourceType Rule

	// UseEventTime makes the pipeline timestamp the event time.
	UseEventTime bool
}

// Resolved is the effective metadata of one event. Empty strings mean the
// field is absent and must be omitted from the wire output.
type Resolved struct {
	Host       string
	Source     string
	Index      string
	SourceType string

	Time    time.Time
	HasTime bool
}

// Resolve determines the metadata of rec. The record is never modified: when a
// rule asks for its key to be removed, the returned record is a copy without it.
func Resolve(rec *event.Record, ts time.Time, cfg Config) (Resolved, *event.Record) {
	var res Resolved
	out := rec
	cloned := false

	for _, f := range []struct {
		rule Rule
		dst  *string
	}{
		{cfg.Host, &res.Host},
		{cfg.Source, &res.Source},
		{cfg.Index, &res.Index},
		{cfg.SourceType, &res.SourceType},
	} {
		value, fromRecord := f.rule.lookup(out)
		*f.dst = value
		if fromRecord && f.rule.Remove {
			if !cloned {
				out = out.Clone()
				cloned = true
			}
			out.Delete(f.rule.Key)
		}
	}

	if cfg.UseEventTime {
		res.Time = ts
		res.HasTime = true
	}

	return res, out
}

// lookup returns the value for the rule and whether it came from the record.
func (r Rule) lookup(rec *event.Record) (string, bool) {
	if r.Key != "" && rec != nil {
		if v, ok := rec.Get(r.Key); ok {
			if s := Stringify(v); s != "" {
				return s, true
			}
		}
	}
	return r.Default, false
}

// Stringify renders a scalar record value as metadata text. Nulls, objects and
// arrays have no metadata representation and yield "".
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	default:
		return ""
	}
}
