package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsProducedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_produced_total",
			Help: "Total number of records published to a primary topic",
		},
		[]string{"kind"},
	)
	RecordsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_indexed_total",
			Help: "Total number of records upserted into the search index",
		},
		[]string{"kind"},
	)
	RecordsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_retried_total",
			Help: "Total number of records republished to a retry topic",
		},
		[]string{"kind"},
	)
	RecordsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_dead_lettered_total",
			Help: "Total number of records converted to dead-letter entries",
		},
		[]string{"kind", "reason"},
	)
	EnrichDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_enrich_duration_seconds",
			Help:    "Embedding/enrichment call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)
	BreakerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_breaker_rejected_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"name"},
	)
	RunnerItemsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runner_items_completed_total",
			Help: "Total number of job-runner items completed",
		},
		[]string{"partition"},
	)
	RunnerItemsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runner_items_failed_total",
			Help: "Total number of job-runner items recorded as permanently failed",
		},
		[]string{"partition"},
	)
	RunnerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runner_retries_total",
			Help: "Total number of job-runner item retries",
		},
		[]string{"partition"},
	)
	CheckpointWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_checkpoint_writes_total",
			Help: "Total number of durable checkpoint writes",
		},
		[]string{"partition"},
	)
)

// InitMetrics registers all pipeline metrics with the default registry.
// Call once per binary before serving /metrics.
func InitMetrics() {
	prometheus.MustRegister(RecordsProducedTotal)
	prometheus.MustRegister(RecordsIndexedTotal)
	prometheus.MustRegister(RecordsRetriedTotal)
	prometheus.MustRegister(RecordsDeadLetteredTotal)
	prometheus.MustRegister(EnrichDuration)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(BreakerRejectedTotal)
	prometheus.MustRegister(RunnerItemsCompletedTotal)
	prometheus.MustRegister(RunnerItemsFailedTotal)
	prometheus.MustRegister(RunnerRetriesTotal)
	prometheus.MustRegister(CheckpointWritesTotal)
}
