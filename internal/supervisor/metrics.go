package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "easel_engine_state",
			Help: "Current engine lifecycle state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	engineCrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_engine_crashes_total",
			Help: "Total number of unexpected engine process exits",
		},
	)

	engineRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_engine_restarts_total",
			Help: "Total number of successful automatic engine restarts",
		},
	)
)

func init() {
	prometheus.MustRegister(engineState)
	prometheus.MustRegister(engineCrashesTotal)
	prometheus.MustRegister(engineRestartsTotal)

	for _, st := range States {
		engineState.WithLabelValues(st).Set(0)
	}
}
