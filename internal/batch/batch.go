// Package batch assembles the entries of one delivery into a single payload.
package batch

import (
	"bytes"
	"fmt"

	"github.com/scottbrown/splunkout/internal/encoder"
	"github.com/scottbrown/splunkout/internal/event"
)

// Payload is the concatenated wire form of a batch.
type Payload struct {
	Body    []byte
	Events  int // entries that contributed bytes
	Dropped int // entries that encoded to nothing
}

// Empty reports whether there is nothing to transmit.
func (p Payload) Empty() bool {
	return len(p.Body) == 0
}

// Assemble encodes entries in order and concatenates the results. An encoding
// error aborts the whole batch.
func Assemble(entries []event.Entry, enc encoder.Encoder) (Payload, error) {
	var p Payload
	if len(entries) == 0 {
		return p, nil
	}

	var buf bytes.Buffer
	for i, entry := range entries {
		data, err := enc.Encode(entry)
		if err != nil {
			return Payload{}, fmt.Errorf("encode entry %d: %w", i, err)
		}
		if len(data) == 0 {
			p.Dropped++
			continue
		}
		buf.Write(data)
		p.Events++
	}

	if buf.Len() > 0 {
		p.Body = buf.Bytes()
	}
	return p, nil
}
