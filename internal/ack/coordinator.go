// Package ack implements the collector's indexer acknowledgement handshake:
// read the ackId from a submission response, then poll the ack endpoint until
// the id is confirmed or the retry budget runs out.
package ack

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scottbrown/splunkout/internal/transport"
)

// Path is the collector's acknowledgement status endpoint.
const Path = "/services/collector/ack"

const (
	DefaultRetryLimit = 3
	DefaultInterval   = time.Second
)

// Poster sends a request body to a collector path.
type Poster interface {
	Send(path string, body []byte) (*transport.Response, error)
}

// Config holds the per-output polling budget.
type Config struct {
	// RetryLimit is the number of polls allowed after the first one.
	RetryLimit int
	// Interval is the pause between polls. Zero polls back to back.
	Interval time.Duration
}

// Ticket identifies one submission awaiting confirmation. Ack ids are
// opaque: the id is echoed to the collector in the form it was issued and
// looked up in status responses by its text.
type Ticket struct {
	// ID is the text of the ack id, the key of the status response.
	ID string
	// raw is the id as the collector sent it; empty for hand-built tickets.
	raw json.RawMessage
}

// queryID returns the JSON form of the id sent in status queries. Hand-built
// tickets are sent as numbers when ID is one, and as strings otherwise.
func (t Ticket) queryID() (json.RawMessage, error) {
	if len(t.raw) > 0 {
		return t.raw, nil
	}
	if _, err := strconv.ParseUint(t.ID, 10, 64); err == nil {
		return json.RawMessage(t.ID), nil
	}
	return json.Marshal(t.ID)
}

// Coordinator runs the acknowledgement loop. It holds no per-batch state and
// may be shared by concurrent deliveries.
type Coordinator struct {
	poster Poster
	cfg    Config
	clock  clock.Clock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces the wall clock used for the pause between polls.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) {
		co.clock = c
	}
}

// New creates a coordinator. Negative budgets are rejected.
func New(poster Poster, cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.RetryLimit < 0 {
		return nil, fmt.Errorf("ack_retry_limit must be non-negative, got %d", cfg.RetryLimit)
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("ack_interval must be non-negative, got %s", cfg.Interval)
	}

	c := &Coordinator{poster: poster, cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ParseTicket extracts the ackId from a submission response body. Numeric
// and string ids are accepted; anything else counts as missing.
func ParseTicket(body []byte) (Ticket, error) {
	var resp struct {
		AckID json.RawMessage `json:"ackId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Ticket{}, &Error{Err: fmt.Errorf("decode submission response: %w", err)}
	}

	raw := json.RawMessage(bytes.TrimSpace(resp.AckID))
	if len(raw) == 0 {
		return Ticket{}, &Error{Err: ErrAckIDMissing}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var id any
	if err := dec.Decode(&id); err != nil {
		return Ticket{}, &Error{Err: fmt.Errorf("decode submission response: %w", err)}
	}

	switch v := id.(type) {
	case json.Number:
		return Ticket{ID: v.String(), raw: raw}, nil
	case string:
		if v != "" {
			return Ticket{ID: v, raw: raw}, nil
		}
	}
	return Ticket{}, &Error{Err: ErrAckIDMissing}
}

// Confirm reads the ticket out of a submission response and waits for it.
func (c *Coordinator) Confirm(submission []byte) error {
	ticket, err := ParseTicket(submission)
	if err != nil {
		return err
	}
	return c.Wait(ticket)
}

// Wait polls for the ticket. It makes at most RetryLimit+1 status queries,
// pausing Interval between them, and returns as soon as one reports the id
// as indexed.
func (c *Coordinator) Wait(t Ticket) error {
	id, err := t.queryID()
	if err != nil {
		return &Error{AckID: t.ID, Err: err}
	}
	query, err := json.Marshal(map[string][]json.RawMessage{"acks": {id}})
	if err != nil {
		return &Error{AckID: t.ID, Err: err}
	}

	for attempt := 1; ; attempt++ {
		confirmed, err := c.poll(t.ID, query)
		if err != nil {
			return &Error{AckID: t.ID, Attempts: attempt, Err: err}
		}
		if confirmed {
			slog.Debug("ack confirmed", "ack_id", t.ID, "attempt", attempt)
			return nil
		}
		if attempt > c.cfg.RetryLimit {
			return &Error{AckID: t.ID, Attempts: attempt, Err: ErrAckExhausted}
		}
		if c.cfg.Interval > 0 {
			c.clock.Sleep(c.cfg.Interval)
		}
	}
}

func (c *Coordinator) poll(id string, query []byte) (bool, error) {
	resp, err := c.poster.Send(Path, query)
	if err != nil {
		return false, err
	}
	slog.Debug("ack status response", "ack_id", id, "body", string(resp.Body))

	var status struct {
		Acks map[string]bool `json:"acks"`
	}
	if err := json.Unmarshal(resp.Body, &status); err != nil {
		return false, fmt.Errorf("decode ack response: %w", err)
	}
	if status.Acks == nil {
		return false, errors.New("ack response has no acks field")
	}
	return status.Acks[id], nil
}
