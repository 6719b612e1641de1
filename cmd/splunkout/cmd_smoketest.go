package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/scottbrown/splunkout/internal/config"
	"github.com/scottbrown/splunkout/internal/forwarder"
)

var smokeTestCmd = &cobra.Command{
	Use:   "smoke-test",
	Short: "Test Splunk connectivity",
	Long:  "Test connectivity to the configured Splunk output and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cmd.ErrOrStderr(), logLevel)

		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		return performSmokeTest(cmd.OutOrStdout(), cfg)
	},
}

// performSmokeTest checks that the configured output is reachable. For HEC
// this also validates the token.
func performSmokeTest(w io.Writer, cfg *config.Config) error {
	out := cfg.Output
	fmt.Fprintf(w, "🔍 Testing Splunk %s connectivity...\n", out.Type)
	fmt.Fprintf(w, "Endpoint: %s:%d\n", out.Host, out.Port)

	fwd, err := forwarder.NewFromConfig(out)
	if err != nil {
		fmt.Fprintf(w, "❌ Error: %v\n", err)
		return err
	}

	if err := fwd.HealthCheck(); err != nil {
		fmt.Fprintf(w, "❌ Error: %v\n", err)
		if out.Type == config.TypeHEC {
			fmt.Fprintf(w, "Please verify your Splunk HEC host, port and token are correct\n")
		} else {
			fmt.Fprintf(w, "Please verify your Splunk TCP input host and port are correct\n")
		}
		return err
	}

	fmt.Fprintf(w, "✅ Success: Splunk %s output is reachable\n", out.Type)
	return nil
}
