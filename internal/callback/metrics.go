package callback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docs_callback_deliveries_total",
		Help: "Save callback deliveries by outcome (confirmed, rejected, failed, skipped)",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docs_callback_retries_total",
		Help: "Save callbacks scheduled for redelivery",
	})

	forgottenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docs_callback_forgotten_total",
		Help: "Saved documents kept as forgotten copies",
	})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docs_callback_delivery_duration_seconds",
		Help:    "Time spent sending one save callback",
		Buckets: prometheus.DefBuckets,
	})
)
