package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_runs_total",
			Help: "Total number of scheduled job runs by final status",
		},
		[]string{"job", "status"},
	)
	jobItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_items_total",
			Help: "Total number of items processed by jobs, by outcome",
		},
		[]string{"job", "outcome"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of job runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"job"},
	)

	registerOnce sync.Once
)

// Register registers the job metrics with reg. Later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(jobRunsTotal)
		reg.MustRegister(jobItemsTotal)
		reg.MustRegister(jobDuration)
	})
}

// ObserveRun records one finished run and its item outcomes
func ObserveRun(job, status string, duration time.Duration, outcomes map[string]int) {
	jobRunsTotal.WithLabelValues(job, status).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	for outcome, n := range outcomes {
		if n > 0 {
			jobItemsTotal.WithLabelValues(job, outcome).Add(float64(n))
		}
	}
}

// ObserveSkipped records a run that did not start because another was active
func ObserveSkipped(job string) {
	jobRunsTotal.WithLabelValues(job, "skipped").Inc()
}
