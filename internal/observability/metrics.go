package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CollarLedger.
type Metrics struct {
	// --- Settlement core ---
	CoreCommandsApplied  *prometheus.CounterVec
	CoreCommandsRejected *prometheus.CounterVec
	CoreCommandDuration  *prometheus.HistogramVec
	CoreJournals         *prometheus.CounterVec
	CoreSequence         prometheus.Gauge
	LoanTransitions      *prometheus.CounterVec
	IdempotencyHits      *prometheus.CounterVec
	IdempotencyTier2Errs prometheus.Counter
	ProjectionDrops      prometheus.Counter

	// --- Persistence ---
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	PersistErrors          *prometheus.CounterVec

	// --- Projection ---
	ProjectionApplied *prometheus.CounterVec
	ProjectionErrors  *prometheus.CounterVec

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotLastSeq   prometheus.Gauge
	ReplayCommands    prometheus.Counter
	ReplayDurationSec prometheus.Gauge

	// --- Relay ---
	RelayPublished  *prometheus.CounterVec
	RelayReceived   *prometheus.CounterVec
	RelayErrors     *prometheus.CounterVec
	RelayOutOfOrder *prometheus.CounterVec

	// --- Bridge ---
	BridgeTransfers *prometheus.CounterVec

	// --- Keeper ---
	KeeperTicks   prometheus.Counter
	KeeperActions *prometheus.CounterVec

	// --- Custody agent ---
	CustodySignatures *prometheus.CounterVec
	CustodyRejections *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers every metric on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers every metric on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05, 0.25,
	}

	return &Metrics{
		// Settlement core
		CoreCommandsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_core_commands_applied_total",
			Help: "Commands successfully applied by the settlement core",
		}, []string{"command_type"}),

		CoreCommandsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_core_commands_rejected_total",
			Help: "Commands rejected, by error kind",
		}, []string{"command_type", "kind"}),

		CoreCommandDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collar_core_command_apply_duration_seconds",
			Help:    "Time to apply a single command in the core",
			Buckets: latencyBuckets,
		}, []string{"command_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_core_sequence",
			Help: "Next global sequence number",
		}),

		LoanTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_loan_transitions_total",
			Help: "Loan lifecycle transitions",
		}, []string{"to_state"}),

		IdempotencyHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_idempotency_duplicates_total",
			Help: "Duplicate commands skipped, by tier",
		}, []string{"command_type", "tier"}),

		IdempotencyTier2Errs: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_idempotency_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_projection_drops_total",
			Help: "Core outputs dropped because the projection channel was full",
		}),

		// Persistence
		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collar_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collar_persist_batch_size",
			Help:    "Commands per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_persist_events_written_total",
			Help: "Event log rows written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		// Projection
		ProjectionApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_projection_applied_total",
			Help: "Lifecycle events applied to read models",
		}, []string{"event_type"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"table"}),

		// Snapshot & replay
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "collar_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCommands: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDurationSec: f.NewGauge(prometheus.GaugeOpts{
			Name: "collar_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Relay
		RelayPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_relay_published_total",
			Help: "Cross-domain messages published",
		}, []string{"kind"}),

		RelayReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_relay_received_total",
			Help: "Cross-domain messages received",
		}, []string{"kind"}),

		RelayErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_relay_errors_total",
			Help: "Relay failures",
		}, []string{"stage"}),

		RelayOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_relay_out_of_order_total",
			Help: "Messages that arrived with a nonce gap or behind the high-water mark",
		}, []string{"source"}),

		// Bridge
		BridgeTransfers: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_bridge_transfers_total",
			Help: "Bridge transfer submissions",
		}, []string{"purpose", "status"}),

		// Keeper
		KeeperTicks: f.NewCounter(prometheus.CounterOpts{
			Name: "collar_keeper_ticks_total",
			Help: "Keeper scheduler ticks",
		}),

		KeeperActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_keeper_actions_total",
			Help: "Commands issued by the keeper",
		}, []string{"action", "result"}),

		// Custody agent
		CustodySignatures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_custody_signatures_total",
			Help: "Custody actions signed",
		}, []string{"action"}),

		CustodyRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_custody_rejections_total",
			Help: "Custody actions refused",
		}, []string{"reason"}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "collar_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collar_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
