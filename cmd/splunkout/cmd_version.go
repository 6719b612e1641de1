package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scottbrown/splunkout"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", splunkout.AppName, splunkout.Version())
	},
}
