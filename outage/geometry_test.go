package outage

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestConvexHull_EdgeCases(t *testing.T) {
	square := []orb.Point{{0, 0}, {2, 0}, {2, 2}, {0, 2}}

	tests := []struct {
		name   string
		points []orb.Point
		want   []orb.Point
	}{
		{"empty", nil, nil},
		{"single", []orb.Point{{1, 1}}, []orb.Point{{1, 1}}},
		{"duplicates only", []orb.Point{{1, 1}, {1, 1}, {1, 1}}, []orb.Point{{1, 1}}},
		{"closed ring", append(append([]orb.Point(nil), square...), square[0]), square},
		{"collinear edge points", append([]orb.Point{{1, 0}, {2, 1}}, square...), square},
		{"repeated rings", append(append([]orb.Point(nil), square...), square...), square},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := convexHull(tt.points)
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestConvexHull_CounterClockwise(t *testing.T) {
	hull := convexHull([]orb.Point{{2, 2}, {0, 0}, {1, 3}, {2, 0}, {0, 2}, {1, 1}})
	assert.Equal(t, orb.Point{0, 0}, hull[0])
	for i := range hull {
		o, a, b := hull[i], hull[(i+1)%len(hull)], hull[(i+2)%len(hull)]
		assert.Positive(t, orientation(o, a, b), "turn at vertex %d", i)
	}
	assert.Equal(t, orb.CCW, closeRing(orb.Ring(hull)).Orientation())
}

func TestConvexHull_DoesNotMutateInput(t *testing.T) {
	points := []orb.Point{{2, 2}, {0, 0}, {2, 0}, {0, 2}}
	before := append([]orb.Point(nil), points...)
	convexHull(points)
	assert.Equal(t, before, points)
}

func TestUnionFind(t *testing.T) {
	uf := newUnionFind(6)
	uf.union(4, 5)
	uf.union(5, 1)
	uf.union(2, 3)

	assert.Equal(t, 1, uf.find(4), "lowest node names the set")
	assert.Equal(t, 1, uf.find(5))
	assert.Equal(t, 2, uf.find(3))
	assert.Equal(t, 0, uf.find(0))

	uf.union(3, 4)
	for _, node := range []int{1, 2, 3, 4, 5} {
		assert.Equal(t, 1, uf.find(node))
	}
	uf.union(1, 1)
	assert.Equal(t, 1, uf.find(2))
}
