// Package metrics exposes Prometheus counters for environment acquisition.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name
const Namespace = "vrenv"

// Collector wraps the Prometheus metrics with its own registry
type Collector struct {
	registry *prometheus.Registry

	Downloads       *prometheus.CounterVec
	DownloadBytes   prometheus.Counter
	ActiveDownloads prometheus.Gauge
	Unpacks         *prometheus.CounterVec
	Refreshes       prometheus.Counter
	Resolutions     *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloads_total",
			Help:      "Downloads that reached a terminal state, by status",
		}, []string{"status"}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "download_bytes_total",
			Help:      "Payload bytes written to disk",
		}),
		ActiveDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_downloads",
			Help:      "Downloads currently transferring",
		}),
		Unpacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unpacks_total",
			Help:      "Archive extractions by result",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "environment_refreshes_total",
			Help:      "Refresh signals sent to the host",
		}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "resolutions_total",
			Help:      "Environment resolutions by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(c.Downloads, c.DownloadBytes, c.ActiveDownloads, c.Unpacks, c.Refreshes, c.Resolutions)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// DownloadFinished counts a terminal download
func (c *Collector) DownloadFinished(status string) {
	if c == nil {
		return
	}
	c.Downloads.WithLabelValues(status).Inc()
}

// BytesWritten adds transferred bytes
func (c *Collector) BytesWritten(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.DownloadBytes.Add(float64(n))
}

// DownloadStarted bumps the active gauge
func (c *Collector) DownloadStarted() {
	if c == nil {
		return
	}
	c.ActiveDownloads.Inc()
}

// DownloadStopped drops the active gauge
func (c *Collector) DownloadStopped() {
	if c == nil {
		return
	}
	c.ActiveDownloads.Dec()
}

// Unpacked counts an extraction result
func (c *Collector) Unpacked(result string) {
	if c == nil {
		return
	}
	c.Unpacks.WithLabelValues(result).Inc()
}

// Refreshed counts a host refresh
func (c *Collector) Refreshed() {
	if c == nil {
		return
	}
	c.Refreshes.Inc()
}

// Resolved counts a resolution outcome (builtin, ready, acquiring, unknown)
func (c *Collector) Resolved(outcome string) {
	if c == nil {
		return
	}
	c.Resolutions.WithLabelValues(outcome).Inc()
}
