package outage

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
)

// GridOptions controls spatial aggregation
type GridOptions struct {
	CellSizeMeters float64
	MinDevices     int
	// RecentWindow is the trailing window, ending at Now, in which a status
	// change marks the cell as recently active.
	RecentWindow time.Duration
	Now          time.Time
}

// WindowOptions controls temporal aggregation
type WindowOptions struct {
	WindowSeconds int
	MinDevices    int
	Thresholds    ActivityThresholds
}

type cellKey struct{ x, y int }

// AggregateByGrid buckets readings into square cells of cellSizeMeters using
// the default privacy floor. The recent-activity window ends at the latest
// status change present in the readings.
func AggregateByGrid(readings []DeviceReading, cellSizeMeters float64) []GridCell {
	var latest time.Time
	for _, r := range readings {
		if r.LastStatusChange.After(latest) {
			latest = r.LastStatusChange
		}
	}
	return AggregateByGridWithOptions(readings, GridOptions{
		CellSizeMeters: cellSizeMeters,
		MinDevices:     DefaultMinDevices,
		RecentWindow:   DefaultRecentActivitySeconds * time.Second,
		Now:            latest,
	})
}

// AggregateByGridWithOptions is like AggregateByGrid with explicit options.
//
// The meter cell size is converted to degree deltas at the mean latitude of
// the readings, so cell identity depends on the dataset as a whole. Cells
// holding fewer than MinDevices devices are omitted entirely. Output is
// ordered by (Y, X).
func AggregateByGridWithOptions(readings []DeviceReading, opts GridOptions) []GridCell {
	if len(readings) == 0 || opts.CellSizeMeters <= 0 {
		return nil
	}

	var sumLat float64
	for _, r := range readings {
		sumLat += r.Lat
	}
	dLat, dLon := degreeDeltas(opts.CellSizeMeters, sumLat/float64(len(readings)))

	cells := make(map[cellKey]*GridCell)
	for _, r := range readings {
		k := cellKey{
			x: int(math.Floor(r.Lon / dLon)),
			y: int(math.Floor(r.Lat / dLat)),
		}
		c, ok := cells[k]
		if !ok {
			minLon, minLat := float64(k.x)*dLon, float64(k.y)*dLat
			c = &GridCell{
				X: k.x,
				Y: k.y,
				Bound: orb.Bound{
					Min: orb.Point{minLon, minLat},
					Max: orb.Point{minLon + dLon, minLat + dLat},
				},
				CenterLon: minLon + dLon/2,
				CenterLat: minLat + dLat/2,
			}
			cells[k] = c
		}

		c.DeviceCount++
		switch r.State {
		case StateOnline:
			c.Online++
		case StateOffline:
			c.Offline++
		default:
			c.Unknown++
		}
		if isRecent(r.LastStatusChange, opts.Now, opts.RecentWindow) {
			c.RecentActivity = true
		}
	}

	out := make([]GridCell, 0, len(cells))
	for _, c := range cells {
		if c.DeviceCount < opts.MinDevices {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}

func isRecent(t, now time.Time, window time.Duration) bool {
	if t.IsZero() || now.IsZero() || window <= 0 {
		return false
	}
	age := now.Sub(t)
	return age >= 0 && age <= window
}

// AggregateByWindow buckets events into windows of windowSeconds using the
// default privacy floor and activity thresholds.
func AggregateByWindow(events []PowerEvent, windowSeconds int) []TimeWindow {
	return AggregateByWindowWithOptions(events, WindowOptions{
		WindowSeconds: windowSeconds,
		MinDevices:    DefaultMinDevices,
		Thresholds:    DefaultActivityThresholds(),
	})
}

// AggregateByWindowWithOptions floors each event timestamp to a multiple of
// WindowSeconds (Unix epoch aligned) and summarizes each bucket. A window is
// only emitted when at least MinDevices distinct devices contributed to it.
// Output is ordered by window start.
func AggregateByWindowWithOptions(events []PowerEvent, opts WindowOptions) []TimeWindow {
	if len(events) == 0 || opts.WindowSeconds <= 0 {
		return nil
	}
	size := int64(opts.WindowSeconds)

	type bucket struct {
		window  TimeWindow
		devices map[string]struct{}
	}
	buckets := make(map[int64]*bucket)

	for _, e := range events {
		ts := e.Timestamp.Unix()
		start := ts - mod(ts, size)
		b, ok := buckets[start]
		if !ok {
			b = &bucket{
				window:  TimeWindow{Start: time.Unix(start, 0).UTC()},
				devices: make(map[string]struct{}),
			}
			buckets[start] = b
		}
		b.window.Events++
		switch e.Kind {
		case EventLost:
			b.window.Lost++
		case EventRestored:
			b.window.Restored++
		default:
			b.window.Other++
		}
		b.devices[e.DeviceID] = struct{}{}
	}

	out := make([]TimeWindow, 0, len(buckets))
	for _, b := range buckets {
		if len(b.devices) < opts.MinDevices {
			continue
		}
		b.window.AffectedDevices = len(b.devices)
		b.window.Level = opts.Thresholds.Classify(b.window.Events)
		out = append(out, b.window)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// mod is the floor modulus, so timestamps before the epoch floor downwards
func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
