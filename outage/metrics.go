package outage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshDuration is the wall time of one pipeline run
	RefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outagemesh_refresh_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// RefreshesTotal counts pipeline runs by outcome (applied, superseded)
	RefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagemesh_refreshes_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"outcome"},
	)

	// ActivePolygons is the number of outage polygons currently exposed
	ActivePolygons = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagemesh_active_polygons",
			Help: "Number of outage polygons in the latest result",
		},
	)

	// ActiveCells is the number of grid cells above the privacy floor
	ActiveCells = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outagemesh_active_cells",
			Help: "Number of grid cells in the latest result",
		},
	)

	// DroppedReadings counts readings rejected by the privacy filter
	DroppedReadings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outagemesh_dropped_readings_total",
			Help: "Total number of readings excluded by the privacy filter",
		},
	)

	// SuppressedClusters counts clusters withheld by the privacy floor
	SuppressedClusters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outagemesh_suppressed_clusters_total",
			Help: "Total number of clusters below the minimum device count",
		},
	)

	// RetiredPolygons counts polygons dropped after their devices recovered
	RetiredPolygons = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outagemesh_retired_polygons_total",
			Help: "Total number of polygons retired",
		},
	)

	// IngestMessages counts MQTT payloads by topic kind and result
	IngestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outagemesh_ingest_messages_total",
			Help: "Total number of ingested MQTT messages",
		},
		[]string{"kind", "result"},
	)
)

// observeResult records the gauges and counters for an applied result
func observeResult(res *Result) {
	RefreshDuration.Observe(res.Stats.Duration.Seconds())
	ActivePolygons.Set(float64(len(res.Polygons)))
	ActiveCells.Set(float64(len(res.Cells)))
	DroppedReadings.Add(float64(res.Stats.InputReadings - res.Stats.ValidReadings))
	SuppressedClusters.Add(float64(res.Stats.SuppressedClusters))
	RetiredPolygons.Add(float64(len(res.Retired)))
}
