package outage

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// validCoordinate rejects the (0,0) null island, non-finite values and
// anything outside the WGS84 range.
func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	if lat == 0 && lon == 0 {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// roundTo rounds half away from zero on the shortest decimal form of v, so
// 1.0005 becomes 1.001 rather than falling to the binary value below it.
func roundTo(v float64, decimals int) float64 {
	f, _ := decimal.NewFromFloat(v).Round(int32(decimals)).Float64()
	return f
}

// FilterReadings removes structurally invalid readings using the default
// coordinate precision. See FilterReadingsWithPrecision.
func FilterReadings(readings []DeviceReading, minThreshold int) []DeviceReading {
	return FilterReadingsWithPrecision(readings, minThreshold, DefaultCoordinateDecimals)
}

// FilterReadingsWithPrecision drops readings with invalid coordinates or no
// device id, rounds coordinates to the given number of decimals and keeps a
// single reading per device (the most recent status change wins).
//
// minThreshold is not applied here: every valid reading is returned, however
// few, and the grid and cluster stages enforce the population floor. Input
// order of first appearance is preserved.
func FilterReadingsWithPrecision(readings []DeviceReading, minThreshold, decimals int) []DeviceReading {
	index := make(map[string]int, len(readings))
	out := make([]DeviceReading, 0, len(readings))

	for _, r := range readings {
		id := strings.TrimSpace(r.DeviceID)
		if id == "" || !validCoordinate(r.Lat, r.Lon) {
			continue
		}
		r.DeviceID = id
		r.Lat = roundTo(r.Lat, decimals)
		r.Lon = roundTo(r.Lon, decimals)
		if r.Lat == 0 && r.Lon == 0 {
			continue
		}
		if r.State != StateOnline && r.State != StateOffline {
			r.State = StateUnknown
		}

		if i, ok := index[id]; ok {
			if r.LastStatusChange.After(out[i].LastStatusChange) {
				out[i] = r
			}
			continue
		}
		index[id] = len(out)
		out = append(out, r)
	}

	return out
}

// FilterEvents drops events without a device or timestamp and removes
// duplicate event ids, keeping the first occurrence.
func FilterEvents(events []PowerEvent) []PowerEvent {
	seen := make(map[string]struct{}, len(events))
	out := make([]PowerEvent, 0, len(events))

	for _, e := range events {
		if strings.TrimSpace(e.DeviceID) == "" || e.Timestamp.IsZero() {
			continue
		}
		if e.ID != "" {
			if _, dup := seen[e.ID]; dup {
				continue
			}
			seen[e.ID] = struct{}{}
		}
		switch e.Kind {
		case EventLost, EventRestored:
		default:
			e.Kind = EventUnknown
		}
		out = append(out, e)
	}
	return out
}
