package metrics

import (
	"expvar"
	"time"
)

var (
	// Delivery metrics
	Deliveries     = expvar.NewMap("deliveries")
	BatchesSkipped = expvar.NewInt("batches_skipped_total")
	BytesSent      = expvar.NewInt("bytes_sent_total")

	// Encoding metrics
	EventsEncoded = expvar.NewInt("events_encoded_total")
	EventsDropped = expvar.NewInt("events_dropped_total")

	// Indexer acknowledgement outcomes: confirmed, exhausted, missing, error
	Acks = expvar.NewMap("acks")

	// Input metrics
	LinesRead = expvar.NewMap("lines_read")

	// Dead letter queue metrics
	DLQWrites = expvar.NewMap("dlq_writes")

	// Host metrics: batches rejected by the open circuit breaker and
	// listener connection counts keyed by outcome
	CircuitRejections = expvar.NewInt("circuit_rejections_total")
	Connections       = expvar.NewMap("connections")

	// System metrics
	StartTime = expvar.NewInt("start_time_seconds")
	Version   = expvar.NewString("version_info")
)

// Init initialises system metrics that should be set once at startup.
func Init(versionString string) {
	StartTime.Set(time.Now().Unix())
	Version.Set(versionString)
}

// MapValue returns the integer stored under key in an expvar map, or zero.
func MapValue(m *expvar.Map, key string) int64 {
	if v, ok := m.Get(key).(*expvar.Int); ok {
		return v.Value()
	}
	return 0
}
