// Package metrics defines the Prometheus collectors of the niche pipeline.
//
// Batch runs can dump the default registry to a node-exporter textfile with
// WriteTextfile; the serve command exposes it over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CellsAggregated counts cells whose neighbourhood vector was computed.
	CellsAggregated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellniche_cells_aggregated_total",
		Help: "Cells whose neighbourhood vector was computed",
	})

	// SlidesProcessed counts per-slide tasks by stage and status.
	SlidesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellniche_slides_processed_total",
			Help: "Per-slide tasks by stage and status",
		},
		[]string{"stage", "status"},
	)

	// BatchesApplied counts mini-batch updates applied to centroids.
	BatchesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cellniche_batches_applied_total",
		Help: "Mini-batch centroid updates",
	})

	// FitInertia is the final inertia of the last fit per cohort.
	FitInertia = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cellniche_fit_inertia",
			Help: "Final within-cluster sum of squares",
		},
		[]string{"cohort"},
	)

	// StageDuration measures stage latency in seconds.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cellniche_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cellniche_http_requests_total",
			Help: "Results API requests",
		},
		[]string{"route", "code"},
	)
)

// WriteTextfile writes the default registry to path in the text exposition
// format. An empty path is a no-op.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
