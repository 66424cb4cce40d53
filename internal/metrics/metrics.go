package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classattend",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classattend",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classattend",
		Name:      "face_service_requests_total",
		Help:      "Calls to the recognition service by operation and outcome.",
	}, []string{"operation", "outcome"})

	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "classattend",
		Name:      "face_service_request_duration_seconds",
		Help:      "Recognition service latency; training can take minutes.",
		Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "classattend",
		Name:      "workflow_transitions_total",
		Help:      "Completed classroom workflow transitions.",
	}, []string{"transition"})

	SessionsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classattend",
		Name:      "attendance_sessions_recorded_total",
		Help:      "Attendance sessions persisted.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "classattend",
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the rate limiter.",
	})
)

// ObserveUpstream records one recognition service call.
func ObserveUpstream(operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	UpstreamRequests.WithLabelValues(operation, outcome).Inc()
	UpstreamDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
