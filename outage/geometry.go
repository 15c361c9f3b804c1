package outage

import (
	"cmp"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// metersPerDegree is the length of one degree of latitude (and of longitude
// at the equator) on the WGS84 mean sphere.
const metersPerDegree = 111320.0

// minCosLat keeps the longitude delta finite close to the poles
const minCosLat = 0.01

// degreeDeltas converts a distance in meters to an approximate latitude and
// longitude delta at the reference latitude.
func degreeDeltas(meters, refLat float64) (dLat, dLon float64) {
	cos := math.Cos(refLat * math.Pi / 180)
	if cos < minCosLat {
		cos = minCosLat
	}
	return meters / metersPerDegree, meters / (metersPerDegree * cos)
}

// distanceMeters returns the great-circle distance between two points
func distanceMeters(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b)
}

// meanPoint returns the arithmetic mean of the points (mean lon, mean lat)
func meanPoint(points []orb.Point) orb.Point {
	if len(points) == 0 {
		return orb.Point{}
	}
	var sx, sy float64
	for _, p := range points {
		sx += p[0]
		sy += p[1]
	}
	n := float64(len(points))
	return orb.Point{sx / n, sy / n}
}

// bufferRing samples a disk of radius meters around center at evenly spaced
// bearings and returns the closed ring.
func bufferRing(center orb.Point, radius float64, segments int) orb.Ring {
	if segments < MinSegments {
		segments = MinSegments
	}
	ring := make(orb.Ring, 0, segments+1)
	step := 360.0 / float64(segments)
	for i := 0; i < segments; i++ {
		ring = append(ring, geo.PointAtBearingAndDistance(center, float64(i)*step, radius))
	}
	return closeRing(ring)
}

// closeRing appends the first point if the ring is not already closed
func closeRing(ring orb.Ring) orb.Ring {
	if len(ring) == 0 {
		return ring
	}
	if !ring[0].Equal(ring[len(ring)-1]) {
		ring = append(ring, ring[0])
	}
	return ring
}

// distinctVertices counts the distinct points of a ring, ignoring closure
func distinctVertices(ring orb.Ring) int {
	seen := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		seen[p] = struct{}{}
	}
	return len(seen)
}

// validRing reports whether ring is closed with at least 3 distinct vertices
func validRing(ring orb.Ring) bool {
	if len(ring) < 4 || !ring[0].Equal(ring[len(ring)-1]) {
		return false
	}
	return distinctVertices(ring) >= 3
}

// ringExtent returns the area centroid of the ring and the largest distance
// in meters from it to any vertex. Degenerate rings fall back to the center
// of their bounding box.
func ringExtent(ring orb.Ring) (orb.Point, float64) {
	center, area := planar.CentroidArea(ring)
	if area == 0 {
		center = ring.Bound().Center()
	}
	var radius float64
	for _, p := range ring {
		if d := distanceMeters(center, p); d > radius {
			radius = d
		}
	}
	return center, radius
}

// convexHull returns the hull vertices of points counter-clockwise, starting
// from the lowest-longitude point. Duplicate points are ignored and vertices
// on a straight edge are dropped. Inputs with fewer than three distinct
// points come back as they are, deduplicated.
func convexHull(points []orb.Point) []orb.Point {
	pts := slices.Clone(points)
	slices.SortFunc(pts, func(a, b orb.Point) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	pts = slices.Compact(pts)
	if len(pts) < 3 {
		return pts
	}

	lower := turnLeftChain(pts)
	slices.Reverse(pts)
	upper := turnLeftChain(pts)

	// each chain ends where the other begins
	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	return hull
}

// turnLeftChain walks sorted points and keeps only strict left turns
func turnLeftChain(sorted []orb.Point) []orb.Point {
	chain := make([]orb.Point, 0, len(sorted))
	for _, p := range sorted {
		for len(chain) > 1 && orientation(chain[len(chain)-2], chain[len(chain)-1], p) <= 0 {
			chain = chain[:len(chain)-1]
		}
		chain = append(chain, p)
	}
	return chain
}

// orientation is positive when o, a, b turn counter-clockwise, negative when
// they turn clockwise and zero when collinear.
func orientation(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}

// unionFind tracks which nodes have been joined. Each set is named by its
// lowest node, so the root of a set never depends on the order of joins.
type unionFind []int

func newUnionFind(n int) unionFind {
	uf := make(unionFind, n)
	for i := range uf {
		uf[i] = i
	}
	return uf
}

// find returns the root of x, halving the path on the way up
func (uf unionFind) find(x int) int {
	for uf[x] != x {
		uf[x] = uf[uf[x]]
		x = uf[x]
	}
	return x
}

func (uf unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	uf[max(ra, rb)] = min(ra, rb)
}
