package outage

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// metersPerDegreeLatMin is slightly below the shortest degree of latitude
// (about 110.57 km at the equator), so an index cell is never narrower than
// the query radius.
const metersPerDegreeLatMin = 110000.0

// polarIndexLat is the latitude beyond which longitude columns are collapsed
const polarIndexLat = 89.0

// spatialIndex buckets points into a uniform grid whose cells are at least
// radius meters on each side, so every neighbour of a point within radius
// lies in the surrounding 3x3 block of cells. Longitude columns wrap at the
// antimeridian.
type spatialIndex struct {
	points   []orb.Point
	radius   float64
	dLat     float64
	dLon     float64
	lonCells int
	buckets  map[cellKey][]int
}

func newSpatialIndex(points []orb.Point, radius float64) *spatialIndex {
	idx := &spatialIndex{
		points:   points,
		radius:   radius,
		dLat:     radius / metersPerDegreeLatMin,
		lonCells: 1,
		buckets:  make(map[cellKey][]int),
	}

	var maxAbsLat float64
	for _, p := range points {
		if a := math.Abs(p[1]); a > maxAbsLat {
			maxAbsLat = a
		}
	}

	if maxAbsLat < polarIndexLat {
		cos := math.Cos(maxAbsLat * math.Pi / 180)
		dLon := radius / (metersPerDegreeLatMin * cos)
		if n := int(math.Floor(360 / dLon)); n >= 3 {
			idx.lonCells = n
		}
	}
	idx.dLon = 360 / float64(idx.lonCells)

	for i, p := range points {
		k := idx.key(p)
		idx.buckets[k] = append(idx.buckets[k], i)
	}
	return idx
}

func (idx *spatialIndex) key(p orb.Point) cellKey {
	x := int(math.Floor((p[0] + 180) / idx.dLon))
	if x >= idx.lonCells {
		x = idx.lonCells - 1
	}
	return cellKey{
		x: x,
		y: int(math.Floor((p[1] + 90) / idx.dLat)),
	}
}

// within returns the indices of all points within radius meters of point i,
// including i itself, in ascending order.
func (idx *spatialIndex) within(i int) []int {
	origin := idx.points[i]
	k := idx.key(origin)

	columns := []int{k.x}
	if idx.lonCells >= 3 {
		columns = []int{
			(k.x - 1 + idx.lonCells) % idx.lonCells,
			k.x,
			(k.x + 1) % idx.lonCells,
		}
	}

	var out []int
	for dy := -1; dy <= 1; dy++ {
		for _, x := range columns {
			for _, j := range idx.buckets[cellKey{x: x, y: k.y + dy}] {
				if distanceMeters(origin, idx.points[j]) <= idx.radius {
					out = append(out, j)
				}
			}
		}
	}
	sort.Ints(out)
	return out
}
