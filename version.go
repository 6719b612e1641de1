// Package splunkout implements an event-forwarding client that delivers batches of
// structured log records to Splunk over the HTTP Event Collector or a raw TCP/TLS socket.
package splunkout

import (
	"fmt"
)

// AppName is the name of the command line application.
const AppName = "splunkout"

var (
	version string
	build   string
)

// Version returns the application version and build information.
// The version and build values are injected at compile time via ldflags.
func Version() string {
	return fmt.Sprintf("%s (%s)", version, build)
}
