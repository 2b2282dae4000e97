package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the escrow ledger.
type Metrics struct {
	// --- Core processing ---
	CoreActionsApplied  *prometheus.CounterVec
	CoreActionsRejected *prometheus.CounterVec
	CoreActionDuration  *prometheus.HistogramVec
	CoreJournals        *prometheus.CounterVec
	CoreSequence        prometheus.Gauge
	CustodyHeld         *prometheus.GaugeVec

	// --- Escrow lifecycle ---
	OfferTransitions *prometheus.CounterVec
	DisputesOpen     prometheus.Gauge
	RulingsApplied   *prometheus.CounterVec
	PayoutsDeferred  *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter
	SequencerQueue  prometheus.Gauge

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionSequence  prometheus.Gauge

	// --- Snapshot & replay ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Ingestion & API ---
	IngestMessages *prometheus.CounterVec
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	RPCRequests    *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		CoreActionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_core_actions_applied_total",
			Help: "Actions committed by the core",
		}, []string{"event_type"}),

		CoreActionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_core_actions_rejected_total",
			Help: "Actions rejected, by error class (duplicate counts here too)",
		}, []string{"event_type", "reason"}),

		CoreActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_core_action_apply_duration_seconds",
			Help:    "Time to apply a single action in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_core_sequence",
			Help: "Next global sequence number",
		}),

		CustodyHeld: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_custody_held",
			Help: "Funds held in listing and offer custody, by asset (float approximation)",
		}, []string{"asset"}),

		OfferTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_offer_transitions_total",
			Help: "Offer state transitions by target status",
		}, []string{"status"}),

		DisputesOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_disputes_open",
			Help: "Offers currently Disputed",
		}),

		RulingsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_rulings_applied_total",
			Help: "Rulings applied by outcome",
		}, []string{"ruling"}),

		PayoutsDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_payouts_deferred_total",
			Help: "Native payouts credited to a claimable balance",
		}, []string{"asset"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "escrow_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		SequencerQueue: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_sequencer_queue_depth",
			Help: "Requests waiting for the sequencer",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_journals_written_total",
			Help: "Journals written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_persist_batch_size",
			Help:    "Envelopes per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_projection_sequence",
			Help: "Last sequence applied to projections",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_snapshot_taken_total",
			Help: "Snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "escrow_snapshot_duration_seconds",
			Help:    "Time to capture and save a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "escrow_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "escrow_replay_events_total",
			Help: "Envelopes replayed on startup",
		}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_ingest_messages_total",
			Help: "Inbound NATS messages by outcome",
		}, []string{"event_type", "outcome"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_query_requests_total",
			Help: "Read queries served",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "escrow_query_duration_seconds",
			Help:    "Read query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"endpoint"}),

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_rpc_requests_total",
			Help: "gRPC and HTTP requests by method and status code",
		}, []string{"method", "code"}),
	}
}
