package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide collectors. A single instance is shared
// by the orchestrator, tool router, and background runner.
type Metrics struct {
	OperationsStarted   prometheus.Counter
	OperationsCompleted prometheus.Counter
	OperationsFailed    prometheus.Counter
	OperationsCancelled prometheus.Counter
	OperationDuration   prometheus.Histogram

	ToolDispatches *prometheus.CounterVec
	ToolFailures   *prometheus.CounterVec

	EmbeddingCalls   prometheus.Counter
	EmbeddingBatches prometheus.Counter

	RecallRequests prometheus.Counter
	RecallDegraded prometheus.Counter

	DecaySweeps    prometheus.Counter
	EntriesDecayed prometheus.Counter
	OrphansRemoved prometheus.Counter
}

// NewMetrics registers the Mira collectors on the given registerer.
// Passing nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OperationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_operations_started_total",
			Help: "Operations started.",
		}),
		OperationsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_operations_completed_total",
			Help: "Operations completed successfully.",
		}),
		OperationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_operations_failed_total",
			Help: "Operations that terminated with a failure.",
		}),
		OperationsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_operations_cancelled_total",
			Help: "Operations cancelled by the caller.",
		}),
		OperationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_operation_duration_seconds",
			Help:    "Wall time of completed operations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		ToolDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_tool_dispatches_total",
			Help: "Tool dispatches by tool name.",
		}, []string{"tool"}),
		ToolFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_tool_failures_total",
			Help: "Failed tool dispatches by tool name.",
		}, []string{"tool"}),
		EmbeddingCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_embedding_calls_total",
			Help: "Single embedding requests.",
		}),
		EmbeddingBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_embedding_batches_total",
			Help: "Batched embedding requests.",
		}),
		RecallRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_recall_requests_total",
			Help: "Recall context builds.",
		}),
		RecallDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_recall_degraded_total",
			Help: "Recall builds that fell back to keyword and recent only.",
		}),
		DecaySweeps: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_decay_sweeps_total",
			Help: "Salience decay sweeps executed.",
		}),
		EntriesDecayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_entries_decayed_total",
			Help: "Message entries whose salience was reduced.",
		}),
		OrphansRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "mira_vector_orphans_removed_total",
			Help: "Vector points deleted by orphan cleanup.",
		}),
	}
}
