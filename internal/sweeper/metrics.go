package sweeper

import "github.com/prometheus/client_golang/prometheus"

var (
	purgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "sweeper",
		Name:      "purged_total",
		Help:      "Pending signups and renewals discarded after their payment window.",
	})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "peopledesk",
		Subsystem: "sweeper",
		Name:      "run_duration_seconds",
		Help:      "Duration of pending payment sweeps in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	sweepErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "peopledesk",
		Subsystem: "sweeper",
		Name:      "errors_total",
		Help:      "Total failed pending payment sweeps.",
	})
)

func init() {
	prometheus.MustRegister(purgedTotal, sweepDuration, sweepErrors)
}
