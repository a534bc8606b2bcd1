package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_tasks_enqueued_total",
		Help: "Conversion tasks sent to workers by command",
	}, []string{"cmd"})

	taskResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_task_results_total",
		Help: "Worker results applied by command and resulting status",
	}, []string{"cmd", "status"})

	casLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_status_cas_lost_total",
		Help: "Conditional status updates that found the row in another state",
	}, []string{"op"})
)
