// Package processor turns newline-delimited JSON input into batches of events
// for the output.
package processor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/scottbrown/splunkout/internal/event"
	"github.com/scottbrown/splunkout/internal/metrics"
)

// ErrLineTooLong is returned by ReadLineLimited for lines above the limit.
var ErrLineTooLong = errors.New("line exceeds limit")

// ReadLineLimited reads a line from the reader with a maximum byte limit
func ReadLineLimited(br *bufio.Reader, limit int) ([]byte, error) {
	var buf bytes.Buffer

	for {
		b, err := br.ReadBytes('\n')
		buf.Write(b)

		if buf.Len() > limit {
			// Drain the rest of the line so the next read starts on a line boundary
			if err == nil || !errors.Is(err, io.EOF) {
				for !bytes.Contains(b, []byte{'\n'}) {
					b, err = br.ReadBytes('\n')
					if err != nil {
						break
					}
				}
			}
			return nil, ErrLineTooLong
		}

		if err != nil {
			if errors.Is(err, io.EOF) && buf.Len() > 0 {
				return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
			}
			return nil, err
		}

		return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
	}
}

// ParseEntry decodes one input line. A line of the form
// {"time": <seconds or RFC 3339>, "record": {...}} carries its own timestamp;
// any other JSON object is the record itself, stamped with now.
func ParseEntry(line []byte, now time.Time) (event.Entry, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return event.Entry{}, fmt.Errorf("invalid JSON object: %w", err)
	}
	if fields == nil {
		return event.Entry{}, errors.New("invalid JSON object: null")
	}

	rawTime, hasTime := fields["time"]
	rawRecord, hasRecord := fields["record"]
	if len(fields) == 2 && hasTime && hasRecord && bytes.HasPrefix(bytes.TrimSpace(rawRecord), []byte("{")) {
		ts, err := parseTime(rawTime)
		if err != nil {
			return event.Entry{}, err
		}
		rec, err := event.Parse(rawRecord)
		if err != nil {
			return event.Entry{}, fmt.Errorf("invalid record: %w", err)
		}
		return event.Entry{Time: ts, Record: rec}, nil
	}

	rec, err := event.Parse(line)
	if err != nil {
		return event.Entry{}, fmt.Errorf("invalid record: %w", err)
	}
	return event.Entry{Time: now, Record: rec}, nil
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return time.Time{}, fmt.Errorf("invalid time: %w", err)
	}

	switch t := v.(type) {
	case json.Number:
		return unixSeconds(t.String())
	case string:
		ts, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time: %w", err)
		}
		return ts, nil
	default:
		return time.Time{}, fmt.Errorf("invalid time: %s", raw)
	}
}

func unixSeconds(s string) (time.Time, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time: %w", err)
	}
	sec := math.Floor(f)
	nsec := math.Round((f - sec) * 1e9)
	return time.Unix(int64(sec), int64(nsec)), nil
}

// Reader reads entries from NDJSON input in batches.
type Reader struct {
	br           *bufio.Reader
	maxLineBytes int
	now          func() time.Time
	line         int
}

// NewReader wraps r. Lines longer than maxLineBytes are skipped.
func NewReader(r io.Reader, maxLineBytes int) *Reader {
	return &Reader{
		br:           bufio.NewReader(r),
		maxLineBytes: maxLineBytes,
		now:          time.Now,
	}
}

// Read returns the next entry. Blank, invalid and oversized lines are logged
// and skipped. At the end of input Read returns io.EOF; other read errors are
// returned as they occur.
func (r *Reader) Read() (event.Entry, error) {
	for {
		if peek, err := r.br.Peek(1); len(peek) == 0 && err != nil {
			return event.Entry{}, err
		}

		data, err := ReadLineLimited(r.br, r.maxLineBytes)
		r.line++
		if errors.Is(err, ErrLineTooLong) {
			metrics.LinesRead.Add("oversized", 1)
			slog.Warn("skipping oversized line", "line", r.line, "max_line_bytes", r.maxLineBytes)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			return event.Entry{}, err
		}

		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}

		entry, err := ParseEntry(data, r.now())
		if err != nil {
			metrics.LinesRead.Add("invalid", 1)
			slog.Warn("skipping invalid line", "line", r.line, "error", err, "data", Truncate(data, 200))
			continue
		}

		metrics.LinesRead.Add("valid", 1)
		return entry, nil
	}
}

// Next returns up to n entries in input order, skipping lines as Read does.
// Once the input is exhausted Next returns the remaining entries, then io.EOF
// with no entries.
func (r *Reader) Next(n int) ([]event.Entry, error) {
	entries := make([]event.Entry, 0, n)

	for len(entries) < n {
		entry, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) && len(entries) > 0 {
				return entries, nil
			}
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int {
	return r.line
}

// Truncate truncates a byte slice to at most maxLen bytes, adding ellipsis if
// truncated. The cut never splits a UTF-8 sequence.
func Truncate(data []byte, maxLen int) string {
	if len(data) <= maxLen {
		return string(data)
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "…"
}
