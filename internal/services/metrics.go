package services

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_created_total",
			Help: "Admitted requests by kind.",
		},
		[]string{"kind"},
	)

	admissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_rejections_total",
			Help: "Rejected request submissions by reason.",
		},
		[]string{"reason"}, // validation|user_not_found|insufficient_tokens
	)

	broadcastEnqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_enqueue_total",
			Help: "Broadcast enqueue attempts after admission by result.",
		},
		[]string{"result"}, // enqueued|duplicate|error
	)
)

func init() {
	prometheus.MustRegister(requestsCreated, admissionRejections, broadcastEnqueues)
}
