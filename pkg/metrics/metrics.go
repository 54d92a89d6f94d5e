// Package metrics holds the Prometheus collectors shared by provgraph
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilterEdges counts edges seen by each ingest filter, by result
	// ("forwarded" or "dropped").
	FilterEdges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_filter_edges_total",
		Help: "Edges seen by ingest filters by filter and result",
	}, []string{"filter", "result"})

	// IngestElements counts elements accepted by the storage write path.
	IngestElements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_ingest_elements_total",
		Help: "Elements written to storage by kind",
	}, []string{"kind"})

	// LineageRequests counts lineage queries by direction and result.
	LineageRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_lineage_requests_total",
		Help: "Lineage requests by direction and result",
	}, []string{"direction", "result"})

	// LineageDuration tracks lineage query latency.
	LineageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provgraph_lineage_duration_seconds",
		Help:    "Lineage query duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"direction"})

	// GCDroppedTables counts tables removed by garbage collection.
	GCDroppedTables = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provgraph_gc_dropped_tables_total",
		Help: "Tables dropped by symbol environment garbage collection",
	})

	// SketchHandshakes counts sketch exchanges by role and result.
	SketchHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_sketch_handshakes_total",
		Help: "Sketch exchanges by role and result",
	}, []string{"role", "result"})

	// WorkpoolTasks counts background tasks by result
	// ("completed", "failed", "dropped").
	WorkpoolTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_workpool_tasks_total",
		Help: "Background tasks by pool and result",
	}, []string{"pool", "result"})

	// RemoteResolutions counts boundary vertices handled by the resolver.
	RemoteResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_remote_resolutions_total",
		Help: "Boundary vertices by resolution outcome",
	}, []string{"outcome"})

	// HTTPRequests counts API requests by route template, method and status.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provgraph_http_requests_total",
		Help: "HTTP API requests by route, method and status",
	}, []string{"route", "method", "status"})

	// HTTPDuration tracks API latency. Event streams are not observed.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provgraph_http_request_duration_seconds",
		Help:    "HTTP API request duration in seconds by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)
