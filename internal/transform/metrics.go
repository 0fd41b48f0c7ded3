package transform

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transformsTotal   *prometheus.CounterVec
	transformDuration *prometheus.HistogramVec
	cleanupFailures   prometheus.Counter
	publishFailures   prometheus.Counter
}

// newMetrics builds the collectors and registers them when reg is non-nil.
func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		transformsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magickflow_transforms_total",
			Help: "Total transform requests by operation and outcome kind.",
		}, []string{"operation", "outcome"}),
		transformDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "magickflow_transform_duration_seconds",
			Help:    "End-to-end transform latency including the image tool run.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation", "outcome"}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magickflow_input_cleanup_failures_total",
			Help: "Input artifacts that could not be deleted after a successful transform.",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magickflow_output_publish_failures_total",
			Help: "Output artifacts that could not be copied to object storage.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.transformsTotal,
			m.transformDuration,
			m.cleanupFailures,
			m.publishFailures,
		)
	}
	return m
}
