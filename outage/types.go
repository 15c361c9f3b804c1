package outage

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// PowerState is the last reported power state of a field device
type PowerState string

const (
	StateOnline  PowerState = "online"
	StateOffline PowerState = "offline"
	StateUnknown PowerState = "unknown"
)

// UnmarshalJSON maps any unrecognised state string to StateUnknown
func (s *PowerState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = ParsePowerState(raw)
	return nil
}

// ParsePowerState normalizes a feed value into a PowerState
func ParsePowerState(raw string) PowerState {
	switch PowerState(strings.ToLower(strings.TrimSpace(raw))) {
	case StateOnline:
		return StateOnline
	case StateOffline:
		return StateOffline
	default:
		return StateUnknown
	}
}

// EventKind is the transition recorded by a PowerEvent
type EventKind string

const (
	EventLost     EventKind = "lost"
	EventRestored EventKind = "restored"
	EventUnknown  EventKind = "unknown"
)

// UnmarshalJSON maps any unrecognised kind to EventUnknown
func (k *EventKind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch EventKind(strings.ToLower(strings.TrimSpace(raw))) {
	case EventLost:
		*k = EventLost
	case EventRestored:
		*k = EventRestored
	default:
		*k = EventUnknown
	}
	return nil
}

// DeviceReading is a snapshot of one field device at one instant.
// Readings are only ever consumed in aggregate.
type DeviceReading struct {
	DeviceID         string     `json:"deviceId"`
	Lat              float64    `json:"lat"`
	Lon              float64    `json:"lon"`
	State            PowerState `json:"state"`
	LastStatusChange time.Time  `json:"lastChange"`
}

// Point returns the reading location as an orb point (lon, lat)
func (r DeviceReading) Point() orb.Point {
	return orb.Point{r.Lon, r.Lat}
}

// PowerEvent is a discrete state transition for a device
type PowerEvent struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"deviceId"`
	Timestamp      time.Time  `json:"timestamp"`
	Kind           EventKind  `json:"kind"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	CorrelationIDs []string   `json:"correlationIds,omitempty"`
}

// GridCell is a fixed-size geographic bucket of device counts
type GridCell struct {
	X              int       `json:"x"`
	Y              int       `json:"y"`
	CenterLat      float64   `json:"centerLat"`
	CenterLon      float64   `json:"centerLon"`
	Bound          orb.Bound `json:"-"`
	DeviceCount    int       `json:"deviceCount"`
	Online         int       `json:"online"`
	Offline        int       `json:"offline"`
	Unknown        int       `json:"unknown"`
	RecentActivity bool      `json:"recentActivity"`
}

// ActivityLevel classifies a time window by event count
type ActivityLevel string

const (
	ActivityNone   ActivityLevel = "none"
	ActivityLow    ActivityLevel = "low"
	ActivityMedium ActivityLevel = "medium"
	ActivityHigh   ActivityLevel = "high"
)

// TimeWindow is a fixed-duration bucket of power events
type TimeWindow struct {
	Start           time.Time     `json:"start"`
	Lost            int           `json:"lost"`
	Restored        int           `json:"restored"`
	Other           int           `json:"other"`
	Events          int           `json:"events"`
	AffectedDevices int           `json:"affectedDevices"`
	Level           ActivityLevel `json:"level"`
}

// OutageCluster is a proximity group of offline devices. It only lives for
// the duration of one polygon generation pass.
type OutageCluster struct {
	Members   []string
	Centroid  orb.Point
	Count     int
	StartedAt time.Time
}

// OutagePolygon is the outage region handed to the display layer.
//
// Ring is always closed and carries at least 3 distinct vertices. The member
// device ids are kept unexported so they are never encoded; they exist only
// so the merge engine can deduplicate devices shared between polygons.
type OutagePolygon struct {
	ID                 string    `json:"id"`
	Ring               orb.Ring  `json:"ring"`
	Centroid           orb.Point `json:"centroid"`
	BoundingRadius     float64   `json:"boundingRadius"` // meters
	Confidence         float64   `json:"confidence"`
	DeviceCount        int       `json:"deviceCount"`
	StartedAt          time.Time `json:"startedAt"`
	FirstSeen          time.Time `json:"firstSeen"`
	Contributors       int       `json:"contributors"`
	WeightedConfidence float64   `json:"weightedConfidence"`
	EarliestStart      time.Time `json:"earliestStart"`

	members []string
}

// Merged reports whether the polygon absorbed other polygons
func (p OutagePolygon) Merged() bool {
	return p.Contributors > 1
}

// clone returns a copy that shares no slices with p
func (p OutagePolygon) clone() OutagePolygon {
	c := p
	c.Ring = append(orb.Ring(nil), p.Ring...)
	c.members = append([]string(nil), p.members...)
	return c
}

// Snapshot is an immutable view of the device and event collections that a
// single pipeline run operates on.
type Snapshot struct {
	Readings []DeviceReading `json:"readings"`
	Events   []PowerEvent    `json:"events"`
	Taken    time.Time       `json:"taken"`
}

// Stats summarizes one pipeline run
type Stats struct {
	InputReadings      int           `json:"inputReadings"`
	ValidReadings      int           `json:"validReadings"`
	InputEvents        int           `json:"inputEvents"`
	ValidEvents        int           `json:"validEvents"`
	OfflineDevices     int           `json:"offlineDevices"`
	Clusters           int           `json:"clusters"`
	SuppressedClusters int           `json:"suppressedClusters"`
	Absorbed           int           `json:"absorbed"`
	Duration           time.Duration `json:"duration"`
}

// Result is the output of one pipeline run
type Result struct {
	Cells    []GridCell      `json:"cells"`
	Windows  []TimeWindow    `json:"windows"`
	Polygons []OutagePolygon `json:"polygons"`
	Retired  []string        `json:"retired"`
	Stats    Stats           `json:"stats"`
	Taken    time.Time       `json:"taken"`
}
