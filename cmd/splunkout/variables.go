package main

var (
	configFile  string
	logLevel    string
	metricsAddr string
	batchSize   int
	dlqDir      string
	tag         string
	healthCheck bool

	listenAddr      string
	healthCheckAddr string
)
