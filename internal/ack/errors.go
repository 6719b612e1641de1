package ack

import (
	"errors"
	"fmt"
)

var (
	// ErrAckIDMissing means the collector accepted a submission without
	// returning an ackId, so the data can never be confirmed.
	ErrAckIDMissing = errors.New("collector response has no ackId")
	// ErrAckExhausted means every poll reported the ack id as not yet indexed.
	ErrAckExhausted = errors.New("acknowledgement not confirmed")
)

// Error reports data that reached the collector but was never confirmed as
// indexed. It names the ack id when one was issued.
type Error struct {
	AckID    string
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.AckID == "" {
		return fmt.Sprintf("failed to index the data: %v", e.Err)
	}
	return fmt.Sprintf("failed to index the data ack_id=%s after %d attempts: %v", e.AckID, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
