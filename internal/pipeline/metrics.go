package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// tasksAdmitted counts tasks that passed the admission gate, by
	// recipient kind.
	tasksAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkdrop_tasks_admitted_total",
			Help: "Total number of download tasks admitted to the queue.",
		},
		[]string{"kind"},
	)

	// tasksRejected counts requests turned away before enqueue.
	tasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkdrop_tasks_rejected_total",
			Help: "Total number of download requests rejected before enqueue.",
		},
		[]string{"reason"}, // no_credit | duplicate
	)

	// downloads counts finished download attempts by terminal result.
	downloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkdrop_downloads_total",
			Help: "Total number of downloads by terminal result.",
		},
		[]string{"result"}, // done | failed
	)

	// downloadRetries counts individual retry transitions inside the
	// download state machine.
	downloadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "linkdrop_download_retries_total",
			Help: "Total number of download attempt retries.",
		},
	)

	// downloadDuration records wall time of whole download tasks, including
	// retries, in seconds.
	downloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkdrop_download_duration_seconds",
			Help:    "Duration of download tasks in seconds, retries included.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// deliveries counts delivery outcomes.
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkdrop_deliveries_total",
			Help: "Total number of chat deliveries by result.",
		},
		[]string{"result"}, // sent | failed | blocked
	)

	// queueDepth gauges the number of tasks waiting in the FIFO.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkdrop_queue_depth",
			Help: "Current number of tasks waiting in the download queue.",
		},
	)

	// contextsInUse gauges checked-out browser execution contexts.
	contextsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "linkdrop_contexts_inuse",
			Help: "Current number of browser execution contexts checked out.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tasksAdmitted, tasksRejected,
		downloads, downloadRetries, downloadDuration,
		deliveries, queueDepth, contextsInUse,
	)
}
