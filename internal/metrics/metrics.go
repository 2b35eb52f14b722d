package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StorageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storage_operations_total",
		Help: "Total number of object storage operations",
	}, []string{"operation", "status"})

	StorageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storage_operation_duration_seconds",
		Help:    "Time spent on object storage operations",
		Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0},
	}, []string{"operation"})

	StorageFileSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storage_file_size_bytes",
		Help:    "Size distribution of stored files",
		Buckets: []float64{1e6, 5e6, 10e6, 50e6, 100e6},
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_events_total",
		Help: "Total number of progress events published",
	}, []string{"type"})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "progress_active_subscribers",
		Help: "Number of live progress subscribers",
	})

	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_task_outcomes_total",
		Help: "Terminal pipeline task outcomes",
	}, []string{"kind", "status"})

	ArchiveRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archive_requests_total",
		Help: "Requests issued to the astronomical archive",
	}, []string{"operation", "status"})
)
