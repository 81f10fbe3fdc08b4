package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts fetch outcomes per upstream and status.
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_fetch_total",
			Help: "Total number of fetch outcomes by upstream and status",
		},
		[]string{"upstream", "status"},
	)

	// FetchAttempts observes how many attempts a fetch needed.
	FetchAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_fetch_attempts",
			Help:    "Number of attempts per fetched item",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"upstream"},
	)

	// RateLimitWait measures time spent waiting on the per-upstream limiter.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_wait_seconds",
			Help:    "Time spent waiting for an upstream rate limit slot",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60},
		},
		[]string{"upstream"},
	)

	// DedupAdmissions counts dedup gate decisions.
	DedupAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_dedup_admissions_total",
			Help: "Dedup gate decisions by namespace and result (admitted, duplicate, fail_open)",
		},
		[]string{"namespace", "result"},
	)

	// IndexDocuments counts documents written to the index.
	IndexDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_index_documents_total",
			Help: "Documents submitted to the search index by result",
		},
		[]string{"collection", "result"},
	)

	// IndexBatchDuration measures batch upsert latency.
	IndexBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_index_batch_duration_seconds",
			Help:    "Batch upsert duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"collection"},
	)

	// AliasGeneration exposes the generation each alias currently points to.
	AliasGeneration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvester_alias_generation",
			Help: "Sequence number of the generation bound to an alias",
		},
		[]string{"alias"},
	)

	// RunsTotal counts pipeline runs by mode and result.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_runs_total",
			Help: "Pipeline runs by mode and result",
		},
		[]string{"mode", "result"},
	)
)
