// Package metrics provides performance tracking and observability for Relay
// using Prometheus metrics. It exposes counters for rows extracted and chunks
// committed or failed, histograms for chunk upload and query latency, and
// gauges for in-flight chunk writers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsExtracted counts rows drained from sources, labeled by source type
	RowsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rows_extracted_total",
			Help: "Total rows extracted from sources",
		},
		[]string{"source"},
	)

	// ChunksCommitted counts committed chunk writes, labeled by shard format
	ChunksCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chunks_committed_total",
			Help: "Total chunks committed to object storage",
		},
		[]string{"format"},
	)

	// ChunksFailed counts chunks whose write retries were exhausted
	ChunksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chunks_failed_total",
			Help: "Total chunks abandoned after exhausting write retries",
		},
		[]string{"format"},
	)

	// ChunkWriteRetries counts individual retry attempts
	ChunkWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_chunk_write_retries_total",
			Help: "Total chunk write retry attempts",
		},
	)

	// ChunkUploadDuration observes per-chunk serialize+upload latency
	ChunkUploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_chunk_upload_duration_seconds",
			Help:    "Chunk serialization and upload latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"format"},
	)

	// ChunkWritersInFlight gauges concurrently running chunk writers
	ChunkWritersInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_chunk_writers_in_flight",
			Help: "Chunk write operations currently in flight",
		},
	)

	// QueriesExecuted counts SQL statements run by the virtual table layer
	QueriesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queries_executed_total",
			Help: "Total SQL queries executed",
		},
		[]string{"status"},
	)

	// QueryDuration observes end-to-end query latency
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_query_duration_seconds",
			Help:    "SQL query execution latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
	)
)

// Timer measures a single operation's duration
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveChunkUpload records a chunk upload duration for the given format
func ObserveChunkUpload(format string, d time.Duration) {
	ChunkUploadDuration.WithLabelValues(format).Observe(d.Seconds())
}

// ObserveQuery records a query duration and outcome
func ObserveQuery(d time.Duration, failed bool) {
	status := "success"
	if failed {
		status = "error"
	}
	QueriesExecuted.WithLabelValues(status).Inc()
	QueryDuration.Observe(d.Seconds())
}
