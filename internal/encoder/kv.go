package encoder

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/scottbrown/splunkout/internal/event"
)

var kvEscaper = strings.NewReplacer(`"`, `\"`, "\n", `\n`, "\r", `\r`)

type kvEncoder struct {
	cfg        Config
	formatTime TimeFormatter
}

func (e *kvEncoder) Encode(entry event.Entry) ([]byte, error) {
	rec := promoteTime(entry, e.cfg, e.formatTime)

	var b strings.Builder
	var err error
	first := true
	rec.Each(func(key string, value any) {
		if err != nil {
			return
		}
		if !first {
			b.WriteByte(' ')
		}
		first = false
		b.WriteString(key)
		b.WriteByte('=')
		err = writeKVValue(&b, value)
	})
	if err != nil {
		return nil, err
	}

	b.WriteString(e.cfg.LineBreaker)
	return []byte(b.String()), nil
}

// writeKVValue renders nulls as nothing, numbers bare, and everything else
// double quoted with embedded quotes escaped.
func writeKVValue(b *strings.Builder, value any) error {
	switch v := value.(type) {
	case nil:
		return nil
	case json.Number:
		b.WriteString(v.String())
	case int:
		b.WriteString(strconv.Itoa(v))
	case int64:
		b.WriteString(strconv.FormatInt(v, 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(v), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(v, 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	case float64:
		b.WriteString(formatFloat(v, 64))
	case float32:
		b.WriteString(formatFloat(float64(v), 32))
	case string:
		writeQuoted(b, v)
	case bool:
		writeQuoted(b, strconv.FormatBool(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeQuoted(b, string(data))
	}
	return nil
}

// formatFloat keeps a fractional part on whole floats so 1.0 stays 1.0.
func formatFloat(v float64, bitSize int) string {
	s := strconv.FormatFloat(v, 'f', -1, bitSize)
	if last := s[len(s)-1]; last >= '0' && last <= '9' && !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	b.WriteString(kvEscaper.Replace(s))
	b.WriteByte('"')
}
