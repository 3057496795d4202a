package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// --- Command processing ---
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// --- Round ledger ---
	CurrentRound         prometheus.Gauge
	PricePerShare        prometheus.Gauge
	LockedAmount         prometheus.Gauge
	TotalPending         prometheus.Gauge
	TotalShares          prometheus.Gauge
	QueuedWithdrawShares prometheus.Gauge
	AccruedFees          prometheus.Gauge
	RoundsClosed         prometheus.Counter
	PerformanceFeesTotal prometheus.Counter
	ManagementFeesTotal  prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistOpsWritten   prometheus.Counter
	PersistBatchDur     prometheus.Histogram
	PersistBatchSize    prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Snapshot & recovery ---
	SnapshotTaken    prometheus.Counter
	SnapshotDuration prometheus.Histogram
	SnapshotLastSeq  prometheus.Gauge
	ReplayOpsTotal   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_applied_total",
			Help: "Commands successfully applied",
		}, []string{"command_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_rejected_total",
			Help: "Commands rejected (dedup, gap, validation)",
		}, []string{"command_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_op_apply_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		Sequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_op_sequence",
			Help: "Next operation sequence to assign",
		}),

		CurrentRound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_current_round",
			Help: "Currently open round index",
		}),

		PricePerShare: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_price_per_share",
			Help: "Open round's provisional price per share (fixed-point)",
		}),

		LockedAmount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_locked_amount",
			Help: "Capital committed to the strategy this round",
		}),

		TotalPending: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_pending",
			Help: "Deposits made during the open round, not yet priced",
		}),

		TotalShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_shares",
			Help: "Total share supply",
		}),

		QueuedWithdrawShares: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_queued_withdraw_shares",
			Help: "Shares queued for withdrawal from closed rounds",
		}),

		AccruedFees: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_accrued_fees",
			Help: "Fees computed but not yet transferred to the recipient",
		}),

		RoundsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_rounds_closed_total",
			Help: "Close-of-round operations completed",
		}),

		PerformanceFeesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_performance_fees_total",
			Help: "Cumulative performance fees charged (asset units)",
		}),

		ManagementFeesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_management_fees_total",
			Help: "Cumulative management fees charged (asset units)",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_size",
			Help: "Current channel occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound events dropped on full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_backpressure_total",
			Help: "Times the processor stalled on the persist channel",
		}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_ops_written_total",
			Help: "Operations written to the op log",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to flush one op-log batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Operations per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Op-log write errors",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retries_total",
			Help: "Op-log flush retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Highest operation sequence durably written",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshots_taken_total",
			Help: "State snapshots persisted",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Time to capture and persist a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Operation sequence of the latest snapshot",
		}),

		ReplayOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_replay_ops_total",
			Help: "Operations replayed from the log on startup",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}
