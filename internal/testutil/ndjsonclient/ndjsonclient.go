// Package ndjsonclient is a test client that streams NDJSON lines to the
// listen host over TCP or TLS.
package ndjsonclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Client writes newline-terminated lines over one connection.
type Client struct {
	Address   string
	TLSConfig *tls.Config

	// LineDelay pauses before every line.
	LineDelay time.Duration

	conn      net.Conn
	LinesSent int
	Errors    []error
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithTLS enables TLS with the provided configuration.
func WithTLS(config *tls.Config) Option {
	return func(c *Client) {
		c.TLSConfig = config
	}
}

// WithLineDelay sets the delay between sending lines.
func WithLineDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.LineDelay = delay
	}
}

// New creates a client for address.
func New(address string, opts ...Option) *Client {
	c := &Client{Address: address}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the listener and, with TLS, completes the handshake.
func (c *Client) Connect(ctx context.Context) error {
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	if c.TLSConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: c.TLSConfig}
		conn, err = td.DialContext(ctx, "tcp", c.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.Address)
	}
	if err != nil {
		c.recordError(err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.conn = conn
	slog.Debug("ndjson client connected",
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
		"tls", c.TLSConfig != nil)
	return nil
}

// SendLine sends one line, adding the trailing newline when missing.
func (c *Client) SendLine(line string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	if c.LineDelay > 0 {
		time.Sleep(c.LineDelay)
	}

	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.recordError(err)
		return fmt.Errorf("failed to send line: %w", err)
	}

	c.LinesSent++
	return nil
}

// SendLines sends lines in order and stops at the first error.
func (c *Client) SendLines(lines []string) error {
	for i, line := range lines {
		if err := c.SendLine(line); err != nil {
			return fmt.Errorf("failed to send line %d: %w", i, err)
		}
	}
	return nil
}

// Conn returns the underlying connection, nil when not connected.
func (c *Client) Conn() net.Conn {
	return c.conn
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		c.recordError(err)
		return err
	}

	slog.Debug("ndjson client closed", "lines_sent", c.LinesSent, "errors", len(c.Errors))
	return nil
}

func (c *Client) recordError(err error) {
	c.Errors = append(c.Errors, err)
}

// Event returns a wrapped input line {"time":..., "record":{...}} whose record
// carries msg "m<i>" and the sequence number.
func Event(i int) string {
	return fmt.Sprintf(`{"time":%d,"record":{"msg":"m%d","seq":%d}}`, 1700000000+i, i, i)
}

// Events returns Event(0) through Event(n-1).
func Events(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = Event(i)
	}
	return lines
}

// TruncatedJSON returns validJSON without its closing brace.
func TruncatedJSON(validJSON string) string {
	truncated := strings.TrimSuffix(validJSON, "\n")
	return strings.TrimSuffix(truncated, "}")
}

// OversizedLine returns a valid JSON object of exactly size bytes, or of the
// smallest possible size when size is below it.
func OversizedLine(size int) string {
	const frame = `{"payload":""}`
	if size < len(frame) {
		size = len(frame)
	}
	return `{"payload":"` + strings.Repeat("A", size-len(frame)) + `"}`
}

// InvalidJSON returns syntactically invalid JSON.
func InvalidJSON() string {
	return "{invalid json without quotes}"
}

// InvalidUTF8 returns a JSON object with invalid UTF-8 in a string value.
func InvalidUTF8() string {
	return "{\"data\":\"invalid\xff\xfe\"}"
}
