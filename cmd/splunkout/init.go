package main

func init() {
	// Add subcommands
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(smokeTestCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(listenCmd)

	// Flags shared by every command that reads the configuration
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Root command flags
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the expvar metrics endpoint")
	rootCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Input lines delivered per batch")
	rootCmd.Flags().StringVar(&dlqDir, "dlq-dir", "", "Directory for batches that failed delivery")
	rootCmd.Flags().StringVar(&tag, "tag", "", "Tag attached to every batch in logs")
	rootCmd.Flags().BoolVar(&healthCheck, "health-check", false, "Check the collector health endpoint before sending")

	// Listen command flags
	listenCmd.Flags().StringVar(&listenAddr, "listen-addr", "", "Address to accept NDJSON connections on")
	listenCmd.Flags().StringVar(&healthCheckAddr, "health-check-addr", "", "Address for the TCP health check")
	listenCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for the expvar metrics endpoint")
	listenCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Events delivered per batch")
	listenCmd.Flags().StringVar(&dlqDir, "dlq-dir", "", "Directory for batches that failed delivery")
	listenCmd.Flags().StringVar(&tag, "tag", "", "Tag attached to every batch in logs")
}
