package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_jobs_total",
			Help: "Broadcast job attempts by outcome.",
		},
		[]string{"outcome"}, // completed|skipped|retry|failed|invalid
	)

	emailsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_emails_total",
			Help: "Broadcast emails by delivery result.",
		},
		[]string{"result"}, // sent|failed
	)

	jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "broadcast_job_duration_seconds",
			Help:    "Wall time of a single broadcast job attempt.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, emailsTotal, jobDuration)
}
