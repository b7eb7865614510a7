package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"queue"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"queue"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job attempts failed",
		},
		[]string{"queue"},
	)
	JobsDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dead_lettered_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests by operation",
		},
		[]string{"operation"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)
	LLMSchemaRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llm_schema_retries_total",
			Help: "Total number of self-correction retries after schema failures",
		},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events published",
		},
		[]string{"topic"},
	)
	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending",
			Help: "Unpublished outbox events at last poll",
		},
	)

	EvidenceSealedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evidence_sealed_total",
			Help: "Total number of evidence bundles sealed, by trigger",
		},
		[]string{"trigger"},
	)
	RelationshipsReconciled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relationships_reconciled_total",
			Help: "Total number of relationships reconciled, by outcome",
		},
		[]string{"state"},
	)
	FinalConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relationship_final_confidence",
			Help:    "Distribution of final confidence scores [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	GraphBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graph_batch_duration_seconds",
			Help:    "Graph ingestion batch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsDeadLetteredTotal)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(LLMSchemaRetriesTotal)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxPending)
	prometheus.MustRegister(EvidenceSealedTotal)
	prometheus.MustRegister(RelationshipsReconciled)
	prometheus.MustRegister(FinalConfidence)
	prometheus.MustRegister(GraphBatchDuration)
}
