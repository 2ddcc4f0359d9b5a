package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "polymers_settler_build_info",
			Help: "Build information of the settlement engine",
		},
		[]string{"version", "commit", "date"},
	)

	SettlementRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymers_settler_runs_total",
			Help: "Total number of settlement runs",
		},
		[]string{"status"},
	)

	SettlementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polymers_settler_run_duration_seconds",
			Help:    "Duration of settlement runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymers_settler_claims_total",
			Help: "Total number of reward claims gathered",
		},
		[]string{"status"},
	)

	SwapsPlannedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymers_settler_swaps_planned_total",
			Help: "Total number of swap operations planned per asset group",
		},
		[]string{"status"},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polymers_settler_batches_total",
			Help: "Total number of instruction batches by terminal status",
		},
		[]string{"status"},
	)

	BatchSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "polymers_settler_batch_size_bytes",
			Help:    "Estimated serialized size of submitted batches",
			Buckets: prometheus.LinearBuckets(128, 128, 10), // 128 to 1280 bytes
		},
	)

	SubmissionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "polymers_settler_submission_retries_total",
			Help: "Total number of transient submission retries",
		},
	)
)
