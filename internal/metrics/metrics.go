package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chain client and signer
var (
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "chain",
		Name:      "rpc_calls_total",
		Help:      "Chain RPC calls by method and outcome",
	}, []string{"method", "status"})

	SignerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "arandu",
		Subsystem: "signer",
		Name:      "queue_depth",
		Help:      "Submissions waiting for or holding the signer",
	})

	SignerSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "signer",
		Name:      "submissions_total",
		Help:      "Signed transaction submissions by label and outcome",
	}, []string{"label", "outcome"})

	SignerSubmitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "arandu",
		Subsystem: "signer",
		Name:      "submit_duration_seconds",
		Help:      "Time from dequeue to send, retries included",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"label"})
)

// Ingestion
var (
	IngestionCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "ingestion",
		Name:      "cycles_total",
		Help:      "Poll cycles by contract and outcome",
	}, []string{"contract", "outcome"})

	IngestionEventsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "ingestion",
		Name:      "events_inserted_total",
		Help:      "New blockchain_events rows",
	}, []string{"contract"})

	IngestionDuplicatesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "ingestion",
		Name:      "duplicates_skipped_total",
		Help:      "Logs already present and absorbed by the unique key",
	}, []string{"contract"})

	IngestionCheckpoint = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arandu",
		Subsystem: "ingestion",
		Name:      "checkpoint_block",
		Help:      "Last synced block per contract",
	}, []string{"contract"})

	IngestionHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "arandu",
		Subsystem: "ingestion",
		Name:      "healthy",
		Help:      "1 when the last cycle succeeded",
	}, []string{"contract"})
)

// Rewards and snapshots
var (
	RewardIssuanceTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "reward",
		Name:      "issuance_total",
		Help:      "Reward issuance requests by activity type and outcome",
	}, []string{"activity_type", "outcome"})

	SnapshotsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arandu",
		Subsystem: "aggregator",
		Name:      "snapshots_captured_total",
		Help:      "SystemMetricsSnapshot rows appended",
	})
)
