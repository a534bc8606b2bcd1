package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_sweep_runs_total",
		Help: "Housekeeping passes by job",
	}, []string{"job"})

	items = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_sweep_items_total",
		Help: "Documents handled by housekeeping jobs",
	}, []string{"job", "result"})
)
