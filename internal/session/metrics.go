package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "easel_sessions_active",
			Help: "Number of currently registered client sessions.",
		},
	)

	sessionsOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_sessions_opened_total",
			Help: "Total number of sessions registered.",
		},
	)

	sessionsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_sessions_reaped_total",
			Help: "Total number of sessions closed by the idle reaper.",
		},
	)

	eventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "easel_session_events_dropped_total",
			Help: "Total events dropped because a session's outbound buffer was full or the session was gone.",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(sessionsOpenedTotal)
	prometheus.MustRegister(sessionsReapedTotal)
	prometheus.MustRegister(eventsDroppedTotal)
}
