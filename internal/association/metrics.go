package association

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relator_association_tasks_total",
		Help: "Association tasks handled by type and result",
	}, []string{"task_type", "result"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relator_association_run_duration_seconds",
		Help:    "Duration of executor runs that held the drain lock",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	lockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relator_association_lock_contention_total",
		Help: "Executor runs skipped because another worker held the drain lock",
	})

	lastBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relator_association_batch_size",
		Help: "Number of tasks loaded by the last executor run",
	})
)

const (
	resultDone      = "done"
	resultDiscarded = "discarded"
	resultDeferred  = "deferred"
	resultFailed    = "failed"
)
