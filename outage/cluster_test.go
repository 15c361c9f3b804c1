package outage

import (
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sequentialIDs returns an id source yielding prefix-1, prefix-2, ...
func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestClusterConfidence(t *testing.T) {
	tests := []struct {
		members int
		want    float64
	}{
		{3, 0.3},
		{7, 0.7},
		{10, 1.0},
		{15, 1.0},
		{0, 0},
		{-2, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d members", tt.members), func(t *testing.T) {
			assert.InDelta(t, tt.want, ClusterConfidence(tt.members, 10), 1e-12)
		})
	}

	assert.Zero(t, ClusterConfidence(5, 0))
}

func TestClusterConfidence_Monotonic(t *testing.T) {
	prev := ClusterConfidence(1, DefaultReferenceCount)
	for n := 2; n <= DefaultReferenceCount; n++ {
		c := ClusterConfidence(n, DefaultReferenceCount)
		if c <= prev {
			t.Errorf("confidence(%d) = %v, not above confidence(%d) = %v", n, c, n-1, prev)
		}
		prev = c
	}
}

func TestGeneratePolygons_Closure(t *testing.T) {
	var devices []DeviceReading
	for i := 0; i < 5; i++ {
		devices = append(devices, device(fmt.Sprintf("d%d", i), -41.287, 174.776, StateOffline))
	}

	polys := GeneratePolygons(devices, DefaultBufferRadiusMeters)
	require.Len(t, polys, 1)

	p := polys[0]
	require.GreaterOrEqual(t, len(p.Ring), 6)
	assert.Equal(t, p.Ring[0], p.Ring[len(p.Ring)-1], "ring must be closed")
	assert.GreaterOrEqual(t, distinctVertices(p.Ring), 3)
	assert.InDelta(t, 0.5, p.Confidence, 1e-12)
	assert.InDelta(t, 0.5, p.WeightedConfidence, 1e-12)
	assert.Equal(t, 5, p.DeviceCount)
	assert.Equal(t, 1, p.Contributors)
	assert.False(t, p.Merged())
	assert.InDelta(t, DefaultBufferRadiusMeters, p.BoundingRadius, 0.5)
	assert.NotEmpty(t, p.ID)
	assert.Len(t, p.members, 5)
}

func TestGeneratePolygons_PrivacyFloor(t *testing.T) {
	devices := []DeviceReading{
		device("a", -41.287, 174.776, StateOffline),
		device("b", -41.287, 174.776, StateOffline),
		device("c", -41.287, 174.776, StateOnline),
		device("d", -41.287, 174.776, StateUnknown),
	}

	polys, clusters, suppressed := generatePolygons(devices, DefaultHullOptions(DefaultBufferRadiusMeters))
	assert.Empty(t, polys)
	assert.Equal(t, 1, clusters)
	assert.Equal(t, 1, suppressed)
}

func TestGeneratePolygons_ZeroRadius(t *testing.T) {
	devices := []DeviceReading{
		device("a", -41.287, 174.776, StateOffline),
		device("b", -41.287, 174.776, StateOffline),
		device("c", -41.287, 174.776, StateOffline),
	}
	assert.Empty(t, GeneratePolygons(devices, 0))
}

func TestGeneratePolygonsWithOptions(t *testing.T) {
	now := baseTime.Add(time.Hour)
	devices := []DeviceReading{
		{DeviceID: "a", Lat: -41.287, Lon: 174.776, State: StateOffline, LastStatusChange: baseTime.Add(5 * time.Minute)},
		{DeviceID: "b", Lat: -41.287, Lon: 174.776, State: StateOffline, LastStatusChange: baseTime},
		{DeviceID: "c", Lat: -41.287, Lon: 174.776, State: StateOffline},
		{DeviceID: "x", Lat: -41.290, Lon: 174.750, State: StateOffline},
		{DeviceID: "y", Lat: -41.290, Lon: 174.750, State: StateOffline},
		{DeviceID: "z", Lat: -41.290, Lon: 174.750, State: StateOffline},
	}

	opts := DefaultHullOptions(100)
	opts.Segments = 8
	opts.Now = now
	opts.NewID = sequentialIDs("poly")

	polys := GeneratePolygonsWithOptions(devices, opts)
	require.Len(t, polys, 2)

	assert.Equal(t, "poly-1", polys[0].ID)
	assert.Equal(t, "poly-2", polys[1].ID)
	assert.Len(t, polys[0].Ring, 9)
	assert.True(t, polys[0].StartedAt.Equal(baseTime))
	assert.True(t, polys[0].EarliestStart.Equal(baseTime))
	assert.True(t, polys[0].FirstSeen.Equal(now))
	assert.True(t, polys[1].StartedAt.IsZero())
}

func TestClusterOffline_Linkage(t *testing.T) {
	// A chain of three devices 200m apart: neighbours are within the 240m
	// join distance, the ends are not.
	p0 := orb.Point{174.776, -41.287}
	p1 := geo.PointAtBearingAndDistance(p0, 90, 200)
	p2 := geo.PointAtBearingAndDistance(p1, 90, 200)

	devices := []DeviceReading{
		{DeviceID: "a", Lon: p0[0], Lat: p0[1], State: StateOffline},
		{DeviceID: "b", Lon: p1[0], Lat: p1[1], State: StateOffline},
		{DeviceID: "c", Lon: p2[0], Lat: p2[1], State: StateOffline},
	}
	join := JoinFactor * DefaultBufferRadiusMeters

	t.Run("seed", func(t *testing.T) {
		clusters := ClusterOffline(devices, join, LinkageSeed)
		require.Len(t, clusters, 2)
		assert.Equal(t, []string{"a", "b"}, clusters[0].Members)
		assert.Equal(t, []string{"c"}, clusters[1].Members)
	})

	t.Run("single", func(t *testing.T) {
		clusters := ClusterOffline(devices, join, LinkageSingle)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"a", "b", "c"}, clusters[0].Members)
		assert.Equal(t, 3, clusters[0].Count)
		assert.InDelta(t, (p0[0]+p1[0]+p2[0])/3, clusters[0].Centroid[0], 1e-9)
	})

	t.Run("seed order", func(t *testing.T) {
		// Starting from the middle device claims the whole chain
		reordered := []DeviceReading{devices[1], devices[0], devices[2]}
		clusters := ClusterOffline(reordered, join, LinkageSeed)
		require.Len(t, clusters, 1)
		assert.Equal(t, []string{"b", "a", "c"}, clusters[0].Members)
	})
}

func TestClusterOffline_IgnoresOnline(t *testing.T) {
	devices := []DeviceReading{
		device("a", -41.287, 174.776, StateOnline),
		device("b", -41.287, 174.776, StateUnknown),
	}
	assert.Empty(t, ClusterOffline(devices, 240, LinkageSeed))
}

func TestBufferRing(t *testing.T) {
	center := orb.Point{174.776, -41.287}
	ring := bufferRing(center, 120, 3)

	// Segment count is clamped to the minimum
	assert.Len(t, ring, MinSegments+1)
	assert.True(t, validRing(ring))
	for _, p := range ring {
		assert.InDelta(t, 120, distanceMeters(center, p), 0.5)
	}
}

func TestConvexHull(t *testing.T) {
	points := []orb.Point{{0, 0}, {2, 0}, {1, 1}, {2, 2}, {0, 2}, {1, 0.5}}
	hull := convexHull(points)
	assert.ElementsMatch(t, []orb.Point{{0, 0}, {2, 0}, {2, 2}, {0, 2}}, hull)

	assert.Len(t, convexHull([]orb.Point{{0, 0}, {1, 1}}), 2)
}

func TestRingExtent(t *testing.T) {
	square := orb.Ring{{0, 0}, {0.002, 0}, {0.002, 0.002}, {0, 0.002}, {0, 0}}
	center, radius := ringExtent(square)
	assert.InDelta(t, 0.001, center[0], 1e-12)
	assert.InDelta(t, 0.001, center[1], 1e-12)
	assert.InDelta(t, distanceMeters(center, orb.Point{0, 0}), radius, 1e-6)

	// Collinear rings have no area
	line := orb.Ring{{0, 0}, {0.001, 0}, {0.002, 0}, {0, 0}}
	center, _ = ringExtent(line)
	assert.InDelta(t, 0.001, center[0], 1e-12)
}
