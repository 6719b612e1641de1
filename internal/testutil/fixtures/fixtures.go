// Package fixtures provides NDJSON input fixtures for tests.
//
//	valid-events.ndjson    3 wrapped events, numeric and RFC 3339 times
//	malformed-json.ndjson  3 valid events among 4 unparseable lines
//	edge-cases.ndjson      4 valid events, blank lines, a bare record and an empty one
package fixtures

import (
	"embed"
	"strings"
	"testing"
)

//go:embed testdata/*.ndjson
var files embed.FS

// LoadFixture loads a fixture file and returns its content as a slice of lines.
// The name parameter is the file name, e.g. "valid-events.ndjson".
func LoadFixture(t testing.TB, name string) []string {
	t.Helper()

	content := LoadFixtureBytes(t, name)
	lines := strings.Split(string(content), "\n")

	// Remove trailing empty line if present
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	return lines
}

// LoadFixtureBytes loads a fixture file and returns its raw content as bytes.
func LoadFixtureBytes(t testing.TB, name string) []byte {
	t.Helper()

	content, err := files.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("Failed to load fixture %s: %v", name, err)
	}

	return content
}

// Names lists the available fixtures.
func Names() []string {
	entries, err := files.ReadDir("testdata")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
