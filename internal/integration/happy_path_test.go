//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/scottbrown/splunkout/internal/testutil/fixtures"
	"github.com/scottbrown/splunkout/internal/testutil/hecmock"
	"github.com/scottbrown/splunkout/internal/testutil/listentest"
)

// TestHappyPath validates end-to-end forwarding of valid events.
func TestHappyPath(t *testing.T) {
	hec := hecmock.NewMockHECServer(testToken)
	defer hec.Close()

	instance := startListener(t, hec, false, listentest.WithAudit())
	logsOnFailure(t, instance)

	lines := fixtures.LoadFixture(t, "valid-events.ndjson")
	sendLines(t, instance.ListenAddr, nil, lines)

	received := waitForLines(t, hec, len(lines))
	if len(received) != len(lines) {
		t.Fatalf("Expected %d events, got %d", len(lines), len(received))
	}

	for i, line := range received {
		var envelope map[string]any
		if err := json.Unmarshal([]byte(line), &envelope); err != nil {
			t.Fatalf("Event %d is not valid JSON: %v", i, err)
		}
		if envelope["sourcetype"] != "_json" {
			t.Errorf("Event %d sourcetype = %v, want _json", i, envelope["sourcetype"])
		}
		if _, ok := envelope["event"].(map[string]any); !ok {
			t.Errorf("Event %d has no event object: %s", i, line)
		}
	}

	if !strings.HasPrefix(received[0], `{"time":1700000000,`) {
		t.Errorf("First event should carry its input time: %s", received[0])
	}

	requests := hec.GetRequests()
	if got := requests[0].Headers.Get("Authorization"); got != "Splunk "+testToken {
		t.Errorf("Authorization = %q", got)
	}

	if err := instance.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	audit, err := instance.ReadAuditLog()
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	for _, want := range []string{
		`"event_type":"server.start"`,
		`"event_type":"connection.accepted"`,
		`"event_type":"batch.delivered"`,
		`"event_type":"connection.closed"`,
		`"event_type":"server.stop"`,
	} {
		if !strings.Contains(audit, want) {
			t.Errorf("Audit log missing %s", want)
		}
	}
}

// TestShutdownFlushes checks that events buffered at shutdown are delivered.
func TestShutdownFlushes(t *testing.T) {
	hec := hecmock.NewMockHECServer(testToken)
	defer hec.Close()

	instance := listentest.New(t,
		listentest.WithHEC(hec.URL, testToken, "_json", false),
		listentest.WithBatchSize(1000),
	)
	instance.FlushSeconds = 3600
	defer instance.Stop()
	logsOnFailure(t, instance)
	instance.MustStart(context.Background())

	client := newOpenClient(t, instance.ListenAddr)
	if err := client.SendLines(fixtures.LoadFixture(t, "valid-events.ndjson")); err != nil {
		t.Fatalf("Failed to send lines: %v", err)
	}

	// Give the listener time to read the lines off the socket
	time.Sleep(500 * time.Millisecond)

	// Neither the batch size nor the interval is reached; only shutdown flushes
	if err := instance.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	client.Close()

	if got := len(receivedLines(hec)); got != 3 {
		t.Errorf("Expected 3 events flushed at shutdown, got %d", got)
	}
}
