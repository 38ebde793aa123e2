package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trade kernel.
type Metrics struct {
	// --- Kernel ---
	TransitionsApplied  *prometheus.CounterVec
	TransitionsRejected *prometheus.CounterVec
	TransitionDuration  *prometheus.HistogramVec
	LedgerSequence      prometheus.Gauge

	// --- Subsystems ---
	QuotesSubmitted    *prometheus.CounterVec
	EscrowOperations   *prometheus.CounterVec
	EscrowHeldBalance  prometheus.Gauge
	MilestonesRecorded *prometheus.CounterVec
	MilestonesRejected *prometheus.CounterVec
	ConsensusSignatures *prometheus.CounterVec

	// --- Automation dispatcher ---
	AutomationDispatched  *prometheus.CounterVec
	AutomationFailures    *prometheus.CounterVec
	AutomationDeadLetters prometheus.Counter
	AutomationQueueDepth  prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Settlement / payment adapters ---
	AdapterCalls    *prometheus.CounterVec
	AdapterDuration *prometheus.HistogramVec

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		TransitionsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_kernel_transitions_applied_total",
			Help: "Transitions accepted by the kernel",
		}, []string{"to_state", "mode"}),

		TransitionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_kernel_transitions_rejected_total",
			Help: "Transitions rejected (illegal, unmet condition, conflict)",
		}, []string{"to_state", "reason"}),

		TransitionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_kernel_transition_duration_seconds",
			Help:    "Time to decide a transition",
			Buckets: latencyBuckets,
		}, []string{"decision"}),

		LedgerSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_ledger_sequence",
			Help: "Next global event sequence",
		}),

		QuotesSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_quotes_submitted_total",
			Help: "Quote submissions by outcome",
		}, []string{"outcome"}),

		EscrowOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_escrow_operations_total",
			Help: "Escrow operations by type and outcome",
		}, []string{"operation", "outcome"}),

		EscrowHeldBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_escrow_held_balance",
			Help: "Sum of funded, undisbursed escrow balances (minor units)",
		}),

		MilestonesRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_milestones_recorded_total",
			Help: "Shipment milestones recorded",
		}, []string{"category"}),

		MilestonesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_milestones_rejected_total",
			Help: "Milestones rejected (timestamp regression, unknown tracking)",
		}, []string{"reason"}),

		ConsensusSignatures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_consensus_signatures_total",
			Help: "Consensus signatures recorded by party",
		}, []string{"party"}),

		AutomationDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_automation_dispatched_total",
			Help: "Automation actions executed",
		}, []string{"action"}),

		AutomationFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_automation_failures_total",
			Help: "Automation action failures (retried)",
		}, []string{"action"}),

		AutomationDeadLetters: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_automation_dead_letters_total",
			Help: "Automation jobs exhausted and dead-lettered",
		}),

		AutomationQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_automation_queue_depth",
			Help: "Current automation queue occupancy",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trade_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "trade_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "trade_persist_last_sequence",
			Help: "Last persisted event sequence",
		}),

		AdapterCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_adapter_calls_total",
			Help: "Settlement/payment adapter calls by outcome",
		}, []string{"adapter", "op", "outcome"}),

		AdapterDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_adapter_call_duration_seconds",
			Help:    "Settlement/payment adapter call latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
		}, []string{"adapter", "op"}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trade_api_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
	}
}
