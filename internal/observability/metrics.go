package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SwapLedger.
type Metrics struct {
	// --- Exchange operations ---
	ExchangeOps        *prometheus.CounterVec
	ExchangeOpDuration *prometheus.HistogramVec
	ListingsByStatus   *prometheus.GaugeVec
	SettledValueWei    *prometheus.CounterVec
	FeesCollectedWei   prometheus.Counter
	SurplusWei         *prometheus.CounterVec
	EventSequence      prometheus.Gauge

	// --- Ledger ---
	LedgerBatches       *prometheus.CounterVec
	LedgerJournals      *prometheus.CounterVec
	LedgerCompensations *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestToApply      *prometheus.HistogramVec
	NATSPublishLatency *prometheus.HistogramVec
	IngestRejected     *prometheus.CounterVec

	// --- Persistence ---
	ApplyToPersist         prometheus.Histogram
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
// (prometheus.DefaultRegisterer in production, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		ExchangeOps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_exchange_ops_total",
			Help: "Exchange operations by outcome (ok or error kind)",
		}, []string{"op", "result"}),

		ExchangeOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_exchange_op_duration_seconds",
			Help:    "Time to complete one exchange operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		ListingsByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swap_listings",
			Help: "Listings by effective status",
		}, []string{"status"}),

		SettledValueWei: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_settled_value_wei_total",
			Help: "Sum of listing prices settled (approximate, float)",
		}, []string{"kind"}),

		FeesCollectedWei: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_fees_collected_wei_total",
			Help: "Platform fees credited to the fee sink (approximate, float)",
		}),

		SurplusWei: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_surplus_wei_total",
			Help: "Overpayment beyond listing price",
		}, []string{"disposition"}),

		EventSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "swap_event_sequence",
			Help: "Current event log sequence number",
		}),

		LedgerBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_ledger_batches_total",
			Help: "Ledger commits by outcome",
		}, []string{"outcome"}),

		LedgerJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_ledger_journals_total",
			Help: "Journal legs applied",
		}, []string{"journal_type"}),

		LedgerCompensations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_ledger_compensations_total",
			Help: "Compensating batches applied after a failed status flip",
		}, []string{"outcome"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swap_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swap_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swap_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_publish_drops_total",
			Help: "Events dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_persist_backpressure_total",
			Help: "Times the exchange blocked on a full persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_idempotency_duplicates_total",
			Help: "Commands answered from the idempotency cache",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "swap_dedup_lru_size",
			Help: "Entries in the in-memory idempotency LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swap_dedup_tier2_duration_seconds",
			Help:    "Postgres idempotency lookup latency",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookup failures",
		}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_ingest_to_apply_seconds",
			Help:    "NATS receive to command applied",
			Buckets: latencyBuckets,
		}, []string{"command"}),

		NATSPublishLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_nats_publish_latency_seconds",
			Help:    "Outbound JetStream publish latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		IngestRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_ingest_rejected_total",
			Help: "Inbound commands rejected before reaching the exchange",
		}, []string{"reason"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swap_apply_to_persist_seconds",
			Help:    "Event emit to durable write",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_persist_journals_written_total",
			Help: "Journal legs written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swap_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swap_persist_batch_duration_seconds",
			Help:    "Time to write one persistence batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "swap_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "swap_snapshot_taken_total",
			Help: "Ledger snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "swap_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "swap_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "swap_snapshot_last_sequence",
			Help: "Ledger sequence of the last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_api_requests_total",
			Help: "API requests",
		}, []string{"method", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "swap_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "swap_api_errors_total",
			Help: "API errors by gRPC code",
		}, []string{"method", "code"}),
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
