package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	taskOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackflow",
		Subsystem: "queue",
		Name:      "task_outcomes_total",
		Help:      "Delivery outcomes written back to tracking tasks, labeled by status.",
	}, []string{"status"})

	batchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackflow",
		Subsystem: "queue",
		Name:      "batches_total",
		Help:      "Batches handed to the tracking API, labeled by trigger source and result.",
	}, []string{"trigger", "result"})

	deferredCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trackflow",
		Subsystem: "queue",
		Name:      "checks_deferred_total",
		Help:      "Pending checks that found tasks but decided to wait for more.",
	})

	coalescedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trackflow",
		Subsystem: "queue",
		Name:      "checks_coalesced_total",
		Help:      "Pending checks dropped because a dispatch cycle was already running.",
	}, []string{"trigger"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trackflow",
		Subsystem: "queue",
		Name:      "batch_duration_seconds",
		Help:      "Time spent building, sending, and reconciling one batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(taskOutcomeCounter, batchCounter, deferredCounter, coalescedCounter, batchDuration)
}
