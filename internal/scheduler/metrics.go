package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docs_sessions_tracked",
		Help: "Connections with active session timeouts",
	})

	timeoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_session_timeout_events_total",
		Help: "Session timeout callbacks fired by event",
	}, []string{"event"})
)
