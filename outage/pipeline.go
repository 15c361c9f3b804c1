package outage

import (
	"fmt"
	"time"
)

// Pipeline runs the four aggregation stages over one snapshot. It holds
// only the validated configuration and is safe for concurrent use.
type Pipeline struct {
	cfg   PipelineConfig
	newID func() string
}

// NewPipeline validates cfg and returns a pipeline bound to it
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("new pipeline: %w", err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Config returns the configuration the pipeline was built with
func (p *Pipeline) Config() PipelineConfig {
	return p.cfg
}

// Run filters the snapshot, aggregates it into grid cells and time windows,
// generates outage polygons and merges them with the previous cycle's
// polygons. It performs no I/O and never mutates its inputs. A run over an
// empty snapshot yields an empty result, which means no current outages.
func (p *Pipeline) Run(snap Snapshot, existing []OutagePolygon) *Result {
	start := time.Now()
	cfg := p.cfg
	now := snap.Taken
	if now.IsZero() {
		now = start
	}

	readings := FilterReadingsWithPrecision(snap.Readings, cfg.MinDevices, cfg.CoordinateDecimals)
	events := FilterEvents(snap.Events)

	res := &Result{Taken: now}
	res.Stats.InputReadings = len(snap.Readings)
	res.Stats.ValidReadings = len(readings)
	res.Stats.InputEvents = len(snap.Events)
	res.Stats.ValidEvents = len(events)
	for _, r := range readings {
		if r.State == StateOffline {
			res.Stats.OfflineDevices++
		}
	}

	res.Cells = AggregateByGridWithOptions(readings, GridOptions{
		CellSizeMeters: cfg.CellSizeMeters,
		MinDevices:     cfg.MinDevices,
		RecentWindow:   cfg.RecentWindow(),
		Now:            now,
	})
	res.Windows = AggregateByWindowWithOptions(events, WindowOptions{
		WindowSeconds: cfg.WindowSeconds,
		MinDevices:    cfg.MinDevices,
		Thresholds:    cfg.Activity,
	})

	generated, clusters, suppressed := generatePolygons(readings, HullOptions{
		BufferRadiusMeters: cfg.BufferRadiusMeters,
		MinDevices:         cfg.MinDevices,
		ReferenceCount:     cfg.ReferenceCount,
		Segments:           cfg.Segments,
		Linkage:            cfg.Linkage,
		Now:                now,
		NewID:              p.newID,
	})
	res.Stats.Clusters = clusters
	res.Stats.SuppressedClusters = suppressed

	report := MergeWithExistingReport(generated, existing, MergeOptions{
		ToleranceMeters:         cfg.MergeToleranceMeters,
		SimplifyToleranceMeters: cfg.SimplifyToleranceMeters,
		Refresh:                 true,
	})
	res.Polygons = report.Polygons
	res.Retired = report.Retired
	res.Stats.Absorbed = report.Absorbed

	if res.Cells == nil {
		res.Cells = make([]GridCell, 0)
	}
	if res.Windows == nil {
		res.Windows = make([]TimeWindow, 0)
	}
	if res.Retired == nil {
		res.Retired = make([]string, 0)
	}

	res.Stats.Duration = time.Since(start)
	return res
}
