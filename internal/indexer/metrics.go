package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// jobMetrics holds all Prometheus metrics owned by the indexing job manager.
// A single instance is created in NewManager so that tests can inject a fresh
// prometheus.Registry without polluting the default one.
type jobMetrics struct {
	// jobsEnqueuedTotal counts accepted jobs, partitioned by whether the
	// submission created a new job or was absorbed by an existing queued one.
	jobsEnqueuedTotal *prometheus.CounterVec

	// jobsFinishedTotal counts jobs reaching a terminal state, partitioned
	// by outcome: "completed", "failed", or "cancelled".
	jobsFinishedTotal *prometheus.CounterVec

	// jobDurationSeconds records the wall-clock duration of each job from
	// worker pickup to terminal state.
	jobDurationSeconds *prometheus.HistogramVec

	// jobsActive is the number of jobs currently held by a worker.
	jobsActive prometheus.Gauge
}

// newJobMetrics registers all job metrics against reg. promauto.With(reg) is
// used so that each call registers into the provided registry rather than the
// global default — this keeps unit tests hermetic.
func newJobMetrics(reg prometheus.Registerer) *jobMetrics {
	factory := promauto.With(reg)

	return &jobMetrics{
		jobsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civiq",
			Subsystem: "indexer",
			Name:      "jobs_enqueued_total",
			Help:      "Total number of indexing job submissions, partitioned by whether a new job was created or an existing queued job absorbed it.",
		}, []string{"result"}),

		jobsFinishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "civiq",
			Subsystem: "indexer",
			Name:      "jobs_finished_total",
			Help:      "Total number of indexing jobs reaching a terminal state, partitioned by outcome.",
		}, []string{"outcome"}),

		jobDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "civiq",
			Subsystem: "indexer",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of indexing jobs from worker pickup to terminal state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),

		jobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "civiq",
			Subsystem: "indexer",
			Name:      "jobs_active",
			Help:      "Number of indexing jobs currently held by a worker.",
		}),
	}
}
