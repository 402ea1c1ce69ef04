package filemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricActiveWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "filemon",
		Subsystem: "watcher",
		Name:      "active_watches",
		Help:      "Number of paths with a live native watch",
	})
	metricChangesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Subsystem: "watcher",
		Name:      "changes_recorded_total",
		Help:      "Total number of change records written for detected modifications",
	})
	metricReadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Subsystem: "watcher",
		Name:      "read_errors_total",
		Help:      "Total number of failed reads of watched files",
	})
	metricNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "filemon",
		Subsystem: "batcher",
		Name:      "notifications_total",
		Help:      "Total number of notifications handed to the dispatcher, by result",
	}, []string{"result"})
	metricRunSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "filemon",
		Subsystem: "batcher",
		Name:      "run_seconds",
		Help:      "Duration of notification runs",
	})
	metricPrunedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "filemon",
		Subsystem: "pruner",
		Name:      "records_total",
		Help:      "Total number of change records removed by retention",
	})
)

const (
	resultSent   = "sent"
	resultFailed = "failed"
)
