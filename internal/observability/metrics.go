package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for BasisVault.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EngineSequence   prometheus.Gauge

	// --- Pool ---
	PoolIdleAssets   *prometheus.GaugeVec
	PoolTotalShares  *prometheus.GaugeVec
	PoolBacklog      *prometheus.GaugeVec
	PoolClaimable    *prometheus.GaugeVec
	WithdrawRequests *prometheus.CounterVec
	ClaimsPaid       *prometheus.CounterVec
	SettlementsRun   *prometheus.CounterVec

	// --- Strategy ---
	StrategyStatus     *prometheus.GaugeVec
	StrategyLeverage   *prometheus.GaugeVec
	StrategyProductBal *prometheus.GaugeVec
	AdjustmentsSent    *prometheus.CounterVec
	AdjustmentsFinal   *prometheus.CounterVec
	SwapFailures       *prometheus.CounterVec
	UpkeepRuns         *prometheus.CounterVec

	// --- Ingestion ---
	VenueReports    *prometheus.CounterVec
	PriceUpdates    *prometheus.CounterVec
	NATSPullLatency *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	PriceSequenceGaps     *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CommandsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command"}),

		CommandsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_commands_rejected_total",
			Help: "Commands rejected (dedup, validation, bad status)",
		}, []string{"command", "reason"}),

		CommandDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basisvault_command_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "basisvault_engine_sequence",
			Help: "Current global event sequence",
		}),

		// Pool
		PoolIdleAssets: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_pool_idle_assets",
			Help: "Idle assets held by the pool",
		}, []string{"pool_id"}),

		PoolTotalShares: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_pool_total_shares",
			Help: "Outstanding pool shares",
		}, []string{"pool_id"}),

		PoolBacklog: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_pool_backlog_assets",
			Help: "Queued withdrawal assets not yet settled",
		}, []string{"pool_id"}),

		PoolClaimable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_pool_claimable_assets",
			Help: "Settled assets awaiting claim",
		}, []string{"pool_id"}),

		WithdrawRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_withdraw_requests_total",
			Help: "Withdrawal requests accepted",
		}, []string{"pool_id", "track"}),

		ClaimsPaid: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_claims_paid_total",
			Help: "Claims paid out",
		}, []string{"pool_id"}),

		SettlementsRun: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_settlements_total",
			Help: "Queue settlement passes that consumed funds",
		}, []string{"pool_id"}),

		// Strategy
		StrategyStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_strategy_status",
			Help: "Controller status as an enum value",
		}, []string{"pool_id"}),

		StrategyLeverage: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_strategy_leverage",
			Help: "Current position leverage",
		}, []string{"pool_id"}),

		StrategyProductBal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_strategy_product_balance",
			Help: "Spot product leg held by the controller",
		}, []string{"pool_id"}),

		AdjustmentsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_adjustments_dispatched_total",
			Help: "Position adjustments sent to the venue",
		}, []string{"pool_id", "direction"}),

		AdjustmentsFinal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_adjustments_finalized_total",
			Help: "Terminal execution reports processed",
		}, []string{"pool_id", "outcome"}),

		SwapFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_swap_failures_total",
			Help: "Spot swap legs that failed",
		}, []string{"pool_id"}),

		UpkeepRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_upkeep_runs_total",
			Help: "Upkeep executions by outcome",
		}, []string{"pool_id", "outcome"}),

		// Ingestion
		VenueReports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_venue_reports_total",
			Help: "Execution reports received from the venue",
		}, []string{"market", "status"}),

		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_price_updates_total",
			Help: "Mark price ticks applied",
		}, []string{"token"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basisvault_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"subject"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "basisvault_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "basisvault_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PriceSequenceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_price_sequence_gaps_total",
			Help: "Gaps observed in the price feed sequence",
		}, []string{"token"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "basisvault_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "basisvault_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "basisvault_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "basisvault_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "basisvault_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "basisvault_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "basisvault_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// HTTP API
		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "basisvault_api_requests_total",
			Help: "API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "basisvault_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
