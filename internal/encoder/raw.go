package encoder

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/scottbrown/splunkout/internal/event"
)

type rawEncoder struct {
	cfg Config
}

// Encode emits the value under the event key followed by the line breaker.
// Missing, empty and whitespace-only content is dropped.
func (e *rawEncoder) Encode(entry event.Entry) ([]byte, error) {
	content, err := RawContent(entry.Record, e.cfg.EventKey)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		slog.Debug("dropping record with empty raw content", "event_key", e.cfg.EventKey)
		return nil, nil
	}

	out := make([]byte, 0, len(content)+len(e.cfg.LineBreaker))
	out = append(out, content...)
	return append(out, e.cfg.LineBreaker...), nil
}

// RawContent returns the content stored under key. Strings are returned as is,
// other values as their JSON text, and missing or null values as "".
func RawContent(rec *event.Record, key string) (string, error) {
	if rec == nil {
		return "", nil
	}
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
