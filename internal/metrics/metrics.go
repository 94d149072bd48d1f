// Package metrics exposes Prometheus collectors for downloads and catalog
// image fetches.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "trickle"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so callers never have to check whether metrics are enabled.
type Metrics struct {
	downloads  *prometheus.CounterVec
	bytes      prometheus.Counter
	duration   *prometheus.HistogramVec
	inProgress prometheus.Gauge
	imageFetch *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// It panics if registration fails, like prometheus.MustRegister.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "downloads_total",
				Help:      "Downloads by final state.",
			},
			[]string{"state"},
		),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes accumulated across all downloads.",
		}),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "download_duration_seconds",
				Help:      "Download duration by final state.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"state"},
		),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "downloads_in_progress",
			Help:      "Downloads currently running.",
		}),
		imageFetch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "image_fetches_total",
				Help:      "Catalog image fetches by result.",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(m.downloads, m.bytes, m.duration, m.inProgress, m.imageFetch)
	return m
}

// DownloadStarted marks a download as running.
func (m *Metrics) DownloadStarted() {
	if m == nil {
		return
	}
	m.inProgress.Inc()
}

// DownloadFinished records the final state of a download that was started.
func (m *Metrics) DownloadFinished(state string, bytes int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inProgress.Dec()
	m.downloads.WithLabelValues(state).Inc()
	m.bytes.Add(float64(bytes))
	m.duration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ImageFetched records the outcome of one catalog image fetch.
func (m *Metrics) ImageFetched(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.imageFetch.WithLabelValues(result).Inc()
}
