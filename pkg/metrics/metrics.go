// Package metrics holds the process-wide Prometheus collectors, exposed
// through the dashboard server's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Catalog metrics
	EventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatcher_events_appended_total",
			Help: "Total number of events appended to the catalog by type",
		},
		[]string{"event_type"},
	)

	AppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diskwatcher_event_append_duration_seconds",
			Help:    "Time spent committing one event with its derived rows",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Watcher metrics
	WatchersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diskwatcher_watchers_active",
			Help: "Number of directory watchers currently registered",
		},
	)

	BackendFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatcher_backend_fallbacks_total",
			Help: "Times watch-descriptor exhaustion forced the polling backend",
		},
	)

	// Scan metrics
	ScanFiles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatcher_scan_files_total",
			Help: "Files recorded by initial archival scans",
		},
	)

	ScansCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diskwatcher_scans_completed_total",
			Help: "Initial scans finished, by terminal status",
		},
		[]string{"status"},
	)

	// Discovery metrics
	DiscoveryCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diskwatcher_discovery_cycles_total",
			Help: "Auto-discovery cycles executed",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsAppended,
		AppendDuration,
		WatchersActive,
		BackendFallbacks,
		ScanFiles,
		ScansCompleted,
		DiscoveryCycles,
	)
}

// Handler returns the HTTP handler serving the Prometheus registry. The
// dashboard server mounts it at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
