// Package event defines the records handed to the output by its host pipeline.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is a mapping of string keys to JSON-compatible values that remembers
// insertion order. Key order drives the key-value line format and the position
// of promoted fields in JSON output.
type Record struct {
	fields *orderedmap.OrderedMap[string, any]
}

// Entry pairs a record with the timestamp assigned by the host pipeline.
type Entry struct {
	Time   time.Time
	Record *Record
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{fields: orderedmap.New[string, any]()}
}

// FromPairs builds a record from alternating keys and values.
// It panics if a key is not a string or if a key is missing its value.
func FromPairs(keyvals ...any) *Record {
	if len(keyvals)%2 != 0 {
		panic("event: odd number of arguments to FromPairs")
	}
	r := NewRecord()
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			panic("event: FromPairs key is not a string")
		}
		r.Set(key, keyvals[i+1])
	}
	return r
}

// Parse decodes a JSON object into a record, keeping the key order of the input.
func Parse(data []byte) (*Record, error) {
	r := NewRecord()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the value stored under key.
func (r *Record) Get(key string) (any, bool) {
	return r.fields.Get(key)
}

// Set stores value under key. Existing keys keep their position.
func (r *Record) Set(key string, value any) {
	r.fields.Set(key, value)
}

// Delete removes key and reports whether it was present.
func (r *Record) Delete(key string) bool {
	_, present := r.fields.Delete(key)
	return present
}

// Prepend stores value under key as the first field of the record.
// Any previous value under key is dropped.
func (r *Record) Prepend(key string, value any) {
	r.fields.Delete(key)
	r.fields.Set(key, value)
	_ = r.fields.MoveToFront(key)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return r.fields.Len()
}

// Keys returns the field names in order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Each calls fn for every field in order.
func (r *Record) Each(fn func(key string, value any)) {
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Key, pair.Value)
	}
}

// Clone returns a shallow copy of the record. Nested values are shared.
func (r *Record) Clone() *Record {
	c := NewRecord()
	r.Each(c.Set)
	return c
}

// MarshalJSON encodes the record as a JSON object in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	return r.fields.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, replacing the record's fields.
// Numbers are kept as json.Number so large integers survive unchanged, and
// nested objects are decoded as *Record to keep their key order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("event: expected JSON object, got %v", tok)
	}
	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("event: unexpected data after JSON object")
	}

	r.fields = parsed.fields
	return nil
}

// decodeObject reads the fields of an object whose opening brace has
// already been consumed, through the closing brace.
func decodeObject(dec *json.Decoder) (*Record, error) {
	r := NewRecord()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("event: expected object key, got %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		r.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		// string, json.Number, bool or nil
		return tok, nil
	}

	switch delim {
	case '{':
		return decodeObject(dec)
	case '[':
		values := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return values, nil
	default:
		return nil, fmt.Errorf("event: unexpected %v", delim)
	}
}
