// Package audit records connection and delivery outcomes of the listen host to
// an append-only file, one JSON object or CEF line per event.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/benbjohnson/clock"
)

// EventType represents the type of audit event.
type EventType string

// Audit event types.
const (
	EventConnectionAccepted EventType = "connection.accepted"
	EventConnectionRejected EventType = "connection.rejected"
	EventConnectionClosed   EventType = "connection.closed"
	EventAuthFailure        EventType = "auth.failure"
	EventBatchDelivered     EventType = "batch.delivered"
	EventBatchFailed        EventType = "batch.failed"
	EventBatchDeadLettered  EventType = "batch.dead_lettered"
	EventServerStart        EventType = "server.start"
	EventServerStop         EventType = "server.stop"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp    string         `json:"timestamp"`               // RFC 3339, UTC
	EventType    EventType      `json:"event_type"`              // Type of event
	Success      bool           `json:"success"`                 // Whether the action succeeded
	Actor        string         `json:"actor"`                   // Client address or local listener
	Resource     string         `json:"resource,omitempty"`      // Output or file acted on
	Action       string         `json:"action"`                  // Action being performed
	Result       string         `json:"result"`                  // Result of the action
	Details      map[string]any `json:"details,omitempty"`       // Additional event details
	ConnectionID string         `json:"connection_id,omitempty"` // Connection correlation ID
}

// Config holds audit logging configuration.
type Config struct {
	Enabled bool   // Enable audit logging
	LogFile string // Path to audit log file
	Format  string // Output format: "json" or "cef"
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces the clock used to timestamp events.
func WithClock(c clock.Clock) Option {
	return func(l *Logger) {
		l.clock = c
	}
}

// Logger writes audit events to a dedicated audit log file. Each event is
// written with a single write and synced to disk.
//
// A nil or disabled Logger discards events, so callers need not check.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	cfg    Config
	clock  clock.Clock
	closed bool
}

// New creates a new audit logger with the given configuration.
// Returns a no-op logger if audit logging is disabled.
// The audit log file is created with restrictive permissions (0600).
func New(cfg Config, opts ...Option) (*Logger, error) {
	l := &Logger{cfg: cfg, clock: clock.New()}
	for _, opt := range opts {
		opt(l)
	}
	if !cfg.Enabled {
		return l, nil
	}

	// #nosec G304 -- LogFile comes from the operator's configuration
	f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

// Log timestamps and writes an audit event.
// Returns nil if audit logging is disabled or the logger is closed.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || l.closed {
		return nil
	}

	event.Timestamp = l.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00")

	var line []byte
	if l.cfg.Format == "cef" {
		line = formatCEF(event, l.clock.Now().UnixMilli())
	} else {
		var err error
		line, err = json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return l.file.Sync()
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil || l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Enabled returns whether audit logging is enabled.
func (l *Logger) Enabled() bool {
	return l != nil && l.cfg.Enabled && l.file != nil
}
