package audit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scottbrown/splunkout"
)

// formatCEF formats an audit event in Common Event Format for SIEM ingestion:
// CEF:Version|Device Vendor|Device Product|Device Version|Signature ID|Name|Severity|Extension
func formatCEF(event Event, receiptMillis int64) []byte {
	header := fmt.Sprintf("CEF:0|%s|%s|%s|%s|%s|%d",
		splunkout.AppName,
		splunkout.AppName,
		cefEscapeHeader(splunkout.Version()),
		cefEscapeHeader(string(event.EventType)),
		cefEscapeHeader(event.Action),
		determineSeverity(event),
	)

	return []byte(header + "|" + buildCEFExtensions(event, receiptMillis))
}

// determineSeverity maps event outcomes to CEF severity levels (0-10).
func determineSeverity(event Event) int {
	if !event.Success {
		switch event.EventType {
		case EventAuthFailure:
			return 8
		case EventConnectionRejected:
			return 7
		case EventBatchFailed:
			return 6
		default:
			return 5
		}
	}

	switch event.EventType {
	case EventServerStart, EventServerStop:
		return 4
	case EventBatchDeadLettered:
		return 5
	default:
		return 3
	}
}

// buildCEFExtensions creates the extension field string using CEF standard
// keys where one fits.
func buildCEFExtensions(event Event, receiptMillis int64) string {
	parts := []string{
		"act=" + cefEscape(event.Action),
		"src=" + cefEscape(event.Actor),
		"outcome=" + cefEscape(event.Result),
	}

	if event.Resource != "" {
		parts = append(parts, "dvc="+cefEscape(event.Resource))
	}

	if event.ConnectionID != "" {
		parts = append(parts, "cs2="+cefEscape(event.ConnectionID), "cs2Label=Connection ID")
	}

	if len(event.Details) > 0 {
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, event.Details[k]))
		}
		parts = append(parts, "cs1="+cefEscape(strings.Join(pairs, ";")), "cs1Label=Details")
	}

	parts = append(parts, fmt.Sprintf("rt=%d", receiptMillis))

	return strings.Join(parts, " ")
}

// cefEscape escapes extension values: backslash, equals, newline and carriage return.
func cefEscape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\") // Backslash must be escaped first
	s = strings.ReplaceAll(s, "=", "\\=")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	return s
}

// cefEscapeHeader escapes header fields, where pipe is the separator.
func cefEscapeHeader(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "|", "\\|")
	return s
}
