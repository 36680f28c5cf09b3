// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "simorch"

type Metrics struct {
	RunsCreated      prometheus.Counter
	Transitions      *prometheus.CounterVec
	UpstreamFailures *prometheus.CounterVec
	LogEntries       prometheus.Counter
	Observers        prometheus.Gauge
	DeliveryFailures prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Runs accepted into the registry.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status.",
		}, []string{"status"}),
		UpstreamFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_failures_total",
			Help:      "Failed calls to the scheduler or object store.",
		}, []string{"operation"}),
		LogEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_log_entries_total",
			Help:      "Run log entries appended.",
		}),
		Observers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_observers",
			Help:      "Connected live feed observers.",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_delivery_failures_total",
			Help:      "Failed deliveries that evicted an observer.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// NewUnregistered is for tests and for callers that do not export metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
