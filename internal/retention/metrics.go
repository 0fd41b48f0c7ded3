package retention

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	removed      *prometheus.CounterVec
	failures     *prometheus.CounterVec
	skipped      prometheus.Counter
	scanDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magickflow_retention_artifacts_removed_total",
			Help: "Artifacts deleted by the retention sweeper by role.",
		}, []string{"role"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "magickflow_retention_failures_total",
			Help: "Artifacts the retention sweeper could not list or delete, by role.",
		}, []string{"role"}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "magickflow_retention_scans_skipped_total",
			Help: "Sweeps skipped because a previous scan was still running.",
		}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "magickflow_retention_scan_duration_seconds",
			Help:    "Duration of retention scans.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.removed,
			m.failures,
			m.skipped,
			m.scanDuration,
		)
	}
	return m
}
