package outage

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
)

// JoinFactor relates the cluster join distance to the buffer radius. Devices
// whose buffer disks would not touch are still joined when they are within
// two radii of each other.
const JoinFactor = 2.0

// HullOptions controls cluster and polygon generation
type HullOptions struct {
	BufferRadiusMeters float64
	MinDevices         int
	ReferenceCount     int
	Segments           int
	Linkage            Linkage
	// Now stamps FirstSeen on generated polygons.
	Now time.Time
	// NewID generates polygon ids; uuid.NewString when nil.
	NewID func() string
}

// DefaultHullOptions returns options built from the package defaults
func DefaultHullOptions(bufferRadiusMeters float64) HullOptions {
	return HullOptions{
		BufferRadiusMeters: bufferRadiusMeters,
		MinDevices:         DefaultMinDevices,
		ReferenceCount:     DefaultReferenceCount,
		Segments:           DefaultSegments,
		Linkage:            LinkageSeed,
	}
}

// ClusterConfidence is a heuristic, not a calibrated model: it rises linearly
// with the number of supporting devices and saturates at 1 once the cluster
// reaches referenceCount.
func ClusterConfidence(members, referenceCount int) float64 {
	if members <= 0 || referenceCount <= 0 {
		return 0
	}
	return math.Min(1.0, float64(members)/float64(referenceCount))
}

// ClusterOffline groups the offline devices by proximity. Devices in any
// other state are ignored. Groups are returned in seed order and every
// group lists its members in input order.
func ClusterOffline(devices []DeviceReading, joinMeters float64, linkage Linkage) []OutageCluster {
	offline := offlineOnly(devices)
	groups := clusterIndices(offline, joinMeters, linkage)

	clusters := make([]OutageCluster, 0, len(groups))
	for _, g := range groups {
		clusters = append(clusters, buildCluster(offline, g))
	}
	return clusters
}

func offlineOnly(devices []DeviceReading) []DeviceReading {
	out := make([]DeviceReading, 0, len(devices))
	for _, d := range devices {
		if d.State == StateOffline {
			out = append(out, d)
		}
	}
	return out
}

// clusterIndices partitions devices into index groups.
//
// Seed linkage walks devices in input order; each unassigned device becomes
// a seed and claims every unassigned device within joinMeters of it. Single
// linkage joins any pair within joinMeters transitively.
func clusterIndices(devices []DeviceReading, joinMeters float64, linkage Linkage) [][]int {
	if len(devices) == 0 {
		return nil
	}

	points := make([]orb.Point, len(devices))
	for i, d := range devices {
		points[i] = d.Point()
	}
	idx := newSpatialIndex(points, joinMeters)

	if linkage == LinkageSingle {
		uf := newUnionFind(len(points))
		for i := range points {
			for _, j := range idx.within(i) {
				if j > i {
					uf.union(i, j)
				}
			}
		}
		// Roots are the smallest index of each component, so iterating in
		// input order yields groups in order of first appearance.
		pos := make(map[int]int)
		var groups [][]int
		for i := range points {
			root := uf.find(i)
			g, ok := pos[root]
			if !ok {
				g = len(groups)
				pos[root] = g
				groups = append(groups, nil)
			}
			groups[g] = append(groups[g], i)
		}
		return groups
	}

	assigned := make([]bool, len(points))
	var groups [][]int
	for i := range points {
		if assigned[i] {
			continue
		}
		var group []int
		for _, j := range idx.within(i) {
			if !assigned[j] {
				assigned[j] = true
				group = append(group, j)
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func buildCluster(devices []DeviceReading, group []int) OutageCluster {
	c := OutageCluster{
		Members: make([]string, 0, len(group)),
		Count:   len(group),
	}
	points := make([]orb.Point, 0, len(group))
	for _, i := range group {
		d := devices[i]
		c.Members = append(c.Members, d.DeviceID)
		points = append(points, d.Point())
		if !d.LastStatusChange.IsZero() && (c.StartedAt.IsZero() || d.LastStatusChange.Before(c.StartedAt)) {
			c.StartedAt = d.LastStatusChange
		}
	}
	c.Centroid = meanPoint(points)
	return c
}

// GeneratePolygons clusters the offline devices and emits one buffered
// polygon per cluster that meets the default privacy floor.
func GeneratePolygons(devices []DeviceReading, bufferRadiusMeters float64) []OutagePolygon {
	polys, _, _ := generatePolygons(devices, DefaultHullOptions(bufferRadiusMeters))
	return polys
}

// GeneratePolygonsWithOptions is like GeneratePolygons with explicit options.
func GeneratePolygonsWithOptions(devices []DeviceReading, opts HullOptions) []OutagePolygon {
	polys, _, _ := generatePolygons(devices, opts)
	return polys
}

// generatePolygons also reports the number of clusters formed and how many
// of them were suppressed by the privacy floor.
func generatePolygons(devices []DeviceReading, opts HullOptions) (polys []OutagePolygon, clusters, suppressed int) {
	if opts.BufferRadiusMeters <= 0 {
		return nil, 0, 0
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	found := ClusterOffline(devices, opts.BufferRadiusMeters*JoinFactor, opts.Linkage)
	polys = make([]OutagePolygon, 0, len(found))
	for _, c := range found {
		if c.Count < opts.MinDevices {
			suppressed++
			continue
		}
		polys = append(polys, polygonFromCluster(c, opts, newID()))
	}
	return polys, len(found), suppressed
}

// polygonFromCluster builds a uniform buffer disk around the cluster
// centroid. The shape deliberately ignores member positions so it only
// reveals the cluster's location and size.
func polygonFromCluster(c OutageCluster, opts HullOptions, id string) OutagePolygon {
	ring := bufferRing(c.Centroid, opts.BufferRadiusMeters, opts.Segments)

	var radius float64
	for _, p := range ring {
		if d := distanceMeters(c.Centroid, p); d > radius {
			radius = d
		}
	}

	conf := ClusterConfidence(c.Count, opts.ReferenceCount)
	return OutagePolygon{
		ID:                 id,
		Ring:               ring,
		Centroid:           c.Centroid,
		BoundingRadius:     radius,
		Confidence:         conf,
		DeviceCount:        c.Count,
		StartedAt:          c.StartedAt,
		FirstSeen:          opts.Now,
		Contributors:       1,
		WeightedConfidence: conf,
		EarliestStart:      c.StartedAt,
		members:            append([]string(nil), c.Members...),
	}
}
