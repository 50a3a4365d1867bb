package ops

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the process-wide Prometheus collectors shared by every actor.
// Mirrors the intent of the original's MetricsRepositoryManager: a handful of
// named counters/gauges/histograms sampled by the Stats envelope handler.
type Metrics struct {
	LockTableSize      prometheus.Gauge
	TxnsWaitingForLock prometheus.Gauge
	DeadlocksResolved  prometheus.Counter
	AcquireLatency     prometheus.Histogram
	ReleaseLatency     prometheus.Histogram
	WorkerPhaseLatency *prometheus.HistogramVec
	TxnsAborted        *prometheus.CounterVec
	TxnsCommitted      prometheus.Counter
}

// NewMetrics registers a fresh set of collectors against reg. Callers
// typically pass prometheus.NewRegistry() per-process rather than the global
// DefaultRegisterer so multiple schedulers can run in the same test binary.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var m = &Metrics{
		LockTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detock",
			Subsystem: "lockmgr",
			Name:      "lock_table_size",
			Help:      "Number of KeyReplica entries currently tracked in the lock table.",
		}),
		TxnsWaitingForLock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "detock",
			Subsystem: "lockmgr",
			Name:      "txns_waiting_for_lock",
			Help:      "Number of transactions currently not ready (WAITING).",
		}),
		DeadlocksResolved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detock",
			Subsystem: "ddr",
			Name:      "deadlocks_resolved_total",
			Help:      "Number of strongly-connected components rewired by the deadlock resolver.",
		}),
		AcquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detock",
			Subsystem: "lockmgr",
			Name:      "acquire_latency_seconds",
			Help:      "Latency of AcquireLocks calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		ReleaseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detock",
			Subsystem: "lockmgr",
			Name:      "release_latency_seconds",
			Help:      "Latency of ReleaseLocks calls.",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkerPhaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "detock",
			Subsystem: "worker",
			Name:      "phase_latency_seconds",
			Help:      "Time spent in each worker phase.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"}),
		TxnsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detock",
			Subsystem: "worker",
			Name:      "txns_aborted_total",
			Help:      "Transactions aborted, labeled by reason.",
		}, []string{"reason"}),
		TxnsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "detock",
			Subsystem: "worker",
			Name:      "txns_committed_total",
			Help:      "Transactions committed.",
		}),
	}
	reg.MustRegister(
		m.LockTableSize, m.TxnsWaitingForLock, m.DeadlocksResolved,
		m.AcquireLatency, m.ReleaseLatency, m.WorkerPhaseLatency,
		m.TxnsAborted, m.TxnsCommitted,
	)
	return m
}
