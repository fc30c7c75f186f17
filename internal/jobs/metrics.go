package jobs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/easel-dev/easel/internal/engine"
	"github.com/easel-dev/easel/internal/model"
)

var (
	jobsAdmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_jobs_admitted_total",
			Help: "Total number of jobs accepted into the queue",
		},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_jobs_finished_total",
			Help: "Total number of jobs by terminal state",
		},
		[]string{"state"},
	)

	jobsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_jobs_pending",
			Help: "Number of jobs waiting in the queue",
		},
	)

	jobsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_jobs_inflight",
			Help: "Number of jobs dispatched to the engine (0 or 1)",
		},
	)

	jobDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "easel_job_duration_seconds",
			Help:    "Job execution duration from running to terminal",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		},
	)

	bridgeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "easel_bridge_events_total",
			Help: "Total number of engine events consumed by the bridge",
		},
		[]string{"type"},
	)

	bridgeEventsUnattributedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_bridge_events_unattributed_total",
			Help: "Total number of engine events dropped because no live job claimed them",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsAdmittedTotal)
	prometheus.MustRegister(jobsFinishedTotal)
	prometheus.MustRegister(jobsPending)
	prometheus.MustRegister(jobsInflight)
	prometheus.MustRegister(jobDurationSeconds)
	prometheus.MustRegister(bridgeEventsTotal)
	prometheus.MustRegister(bridgeEventsUnattributedTotal)

	// Pre-initialize so scrapes show zeros rather than absent series.
	for _, state := range []string{model.StateCompleted, model.StateFailed, model.StateCancelled} {
		jobsFinishedTotal.WithLabelValues(state)
	}
	for _, typ := range []string{
		engine.EventExecutionStart, engine.EventExecuting, engine.EventProgress,
		engine.EventPreview, engine.EventOutput, engine.EventExecutionSuccess,
		engine.EventExecutionCached, engine.EventExecutionError,
		engine.EventExecutionInterrupted, engine.EventEngineDown,
	} {
		bridgeEventsTotal.WithLabelValues(typ)
	}
}
