package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the venue engine.
type Metrics struct {
	// --- Engine ---
	CommandsApplied  *prometheus.CounterVec
	CommandsRejected *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	EventSequence    prometheus.Gauge

	// --- Pools ---
	SwapVolume      *prometheus.CounterVec
	SwapFees        *prometheus.CounterVec
	PoolReserve     *prometheus.GaugeVec
	PoolTWAP        *prometheus.GaugeVec
	LiquidityEvents *prometheus.CounterVec

	// --- Positions ---
	OpenPositions      *prometheus.GaugeVec
	Liquidations       *prometheus.CounterVec
	LiquidationDeficit *prometheus.CounterVec
	FundingAccrued     *prometheus.CounterVec

	// --- Orders ---
	OrderTransitions *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Oracle ---
	OracleUpdates     *prometheus.CounterVec
	OracleParseErrors prometheus.Counter

	// --- Keeper ---
	KeeperRuns    *prometheus.CounterVec
	KeeperActions *prometheus.CounterVec
	KeeperErrors  *prometheus.CounterVec

	// --- Projection ---
	ProjectionWrites *prometheus.CounterVec
	ProjectionErrors prometheus.Counter

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		CommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_commands_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"command"}),

		CommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_commands_rejected_total",
			Help: "Commands rejected, by reason",
		}, []string{"command", "reason"}),

		CommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_command_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		EventSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "venue_event_sequence",
			Help: "Current global event sequence number",
		}),

		// Pools
		SwapVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_swap_volume_total",
			Help: "Quote-denominated swap volume",
		}, []string{"market_id"}),

		SwapFees: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_swap_fees_total",
			Help: "Swap fees retained by pools, in input units",
		}, []string{"market_id", "side"}),

		PoolReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_pool_reserve",
			Help: "Pool reserves after the last mutation",
		}, []string{"market_id", "side"}),

		PoolTWAP: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_pool_twap",
			Help: "Pool TWAP (x1e6)",
		}, []string{"market_id"}),

		LiquidityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidity_events_total",
			Help: "Liquidity adds and removes",
		}, []string{"market_id", "action"}),

		// Positions
		OpenPositions: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_open_positions",
			Help: "Open positions per market",
		}, []string{"market_id"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidations_total",
			Help: "Positions liquidated",
		}, []string{"market_id"}),

		LiquidationDeficit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_liquidation_deficit_total",
			Help: "Losses beyond posted collateral",
		}, []string{"market_id"}),

		FundingAccrued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_funding_accrued_total",
			Help: "Absolute funding accrued, by direction",
		}, []string{"market_id", "direction"}),

		// Orders
		OrderTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_order_transitions_total",
			Help: "Order status transitions",
		}, []string{"market_id", "status"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "venue_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_publish_drops_total",
			Help: "Events dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_idempotency_duplicates_total",
			Help: "Duplicate requests caught (lru/postgres)",
		}, []string{"command", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "venue_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "venue_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "venue_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "venue_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "venue_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Oracle
		OracleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_oracle_updates_total",
			Help: "Oracle values received",
		}, []string{"kind"}),

		OracleParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_oracle_parse_errors_total",
			Help: "Oracle messages that failed to decode",
		}),

		// Keeper
		KeeperRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_keeper_runs_total",
			Help: "Keeper sweeps executed",
		}, []string{"job"}),

		KeeperActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_keeper_actions_total",
			Help: "Records acted on by keeper sweeps",
		}, []string{"job"}),

		KeeperErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_keeper_errors_total",
			Help: "Keeper per-record failures",
		}, []string{"job"}),

		// Projection
		ProjectionWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_projection_writes_total",
			Help: "Summary records written to the cache",
		}, []string{"kind"}),

		ProjectionErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "venue_projection_errors_total",
			Help: "Cache write failures",
		}),

		// API
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_api_requests_total",
			Help: "API requests",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_api_request_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
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
