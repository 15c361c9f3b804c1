package outage

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"
)

// MergeOptions controls how new polygons are reconciled with the previous cycle
type MergeOptions struct {
	// ToleranceMeters widens the bounding-circle overlap test.
	ToleranceMeters float64
	// SimplifyToleranceMeters is the Douglas-Peucker tolerance applied to
	// the hull of merged rings. Zero disables simplification.
	SimplifyToleranceMeters float64
	// Refresh takes device count, confidence and geometry from the new
	// polygons only. Existing polygons then contribute identity, start
	// times and the contributor tally.
	Refresh bool
}

// MergeReport is the outcome of one merge pass
type MergeReport struct {
	Polygons []OutagePolygon
	// Retired holds the ids of existing polygons that no new polygon overlaps.
	Retired []string
	// Absorbed counts polygons folded into a survivor with another id.
	Absorbed int
}

// Overlaps reports whether the bounding circles of a and b intersect,
// widened by toleranceMeters.
func Overlaps(a, b OutagePolygon, toleranceMeters float64) bool {
	return distanceMeters(a.Centroid, b.Centroid) <= a.BoundingRadius+b.BoundingRadius+toleranceMeters
}

// MergeWithExisting reconciles the polygons generated this cycle with the
// ones currently displayed. See MergeWithExistingReport.
func MergeWithExisting(newPolygons, existingPolygons []OutagePolygon) []OutagePolygon {
	return MergeWithExistingReport(newPolygons, existingPolygons, MergeOptions{
		SimplifyToleranceMeters: DefaultSimplifyToleranceMeters,
	}).Polygons
}

// MergeWithExistingReport merges every group of mutually overlapping new and
// existing polygons into one polygon and drops existing polygons that no
// new polygon overlaps. Only new/existing pairs are tested; two new polygons
// are joined only through a shared existing polygon.
//
// Neither input slice is modified. The result is ordered by the first new
// polygon of each group, and applying the merge again to identical inputs
// yields the same counts and confidences.
func MergeWithExistingReport(newPolygons, existingPolygons []OutagePolygon, opts MergeOptions) MergeReport {
	n, m := len(newPolygons), len(existingPolygons)
	report := MergeReport{Polygons: make([]OutagePolygon, 0, n)}

	uf := newUnionFind(n + m)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if Overlaps(newPolygons[i], existingPolygons[j], opts.ToleranceMeters) {
				uf.union(i, n+j)
			}
		}
	}

	// Roots are the smallest node index, and new polygons occupy the low
	// indices, so a component holds a new polygon iff its root is < n.
	groups := make(map[int][]int)
	var roots []int
	for node := 0; node < n+m; node++ {
		root := uf.find(node)
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], node)
	}

	for _, root := range roots {
		nodes := groups[root]
		if root >= n {
			for _, node := range nodes {
				report.Retired = append(report.Retired, existingPolygons[node-n].ID)
			}
			continue
		}

		parts := make([]mergePart, 0, len(nodes))
		for _, node := range nodes {
			if node < n {
				parts = append(parts, mergePart{poly: newPolygons[node], order: node})
			} else {
				parts = append(parts, mergePart{poly: existingPolygons[node-n], existing: true, order: node})
			}
		}

		merged, absorbed := mergeComponent(parts, opts)
		report.Polygons = append(report.Polygons, merged)
		report.Absorbed += absorbed
	}

	return report
}

type mergePart struct {
	poly     OutagePolygon
	existing bool
	order    int
}

// mergeComponent folds a group of overlapping polygons into the one that has
// been displayed the longest.
func mergeComponent(parts []mergePart, opts MergeOptions) (OutagePolygon, int) {
	sort.SliceStable(parts, func(i, j int) bool {
		a, b := parts[i], parts[j]
		if !a.poly.FirstSeen.Equal(b.poly.FirstSeen) {
			return olderThan(a.poly.FirstSeen, b.poly.FirstSeen)
		}
		if a.existing != b.existing {
			return a.existing
		}
		return a.order < b.order
	})

	survivor := parts[0].poly
	if len(parts) == 1 {
		return survivor.clone(), 0
	}

	merged := survivor.clone()
	if merged.Contributors < 1 {
		merged.Contributors = 1
	}

	absorbed := 0
	for _, part := range parts[1:] {
		if part.poly.ID != survivor.ID {
			absorbed++
		}
	}

	for _, part := range parts {
		p := part.poly
		merged.EarliestStart = earliest(merged.EarliestStart, earliest(p.EarliestStart, p.StartedAt))
	}

	if opts.Refresh {
		refreshComponent(&merged, parts, opts)
	} else {
		accumulateComponent(&merged, parts, opts)
	}
	return merged, absorbed
}

// accumulateComponent treats every part as still current: devices are the
// union of all parts and the ring is the hull of all rings.
func accumulateComponent(merged *OutagePolygon, parts []mergePart, opts MergeOptions) {
	survivor := parts[0].poly

	var tally memberTally
	sumConf := survivor.Confidence * float64(tally.add(survivor))
	for _, part := range parts[1:] {
		p := part.poly
		added := tally.add(p)
		if added == 0 {
			continue
		}
		sumConf += p.Confidence * float64(added)
		if p.ID != survivor.ID {
			merged.Contributors += max(1, p.Contributors)
		}
	}

	for _, part := range parts {
		merged.StartedAt = earliest(merged.StartedAt, part.poly.StartedAt)
	}

	merged.members = tally.order
	merged.DeviceCount = tally.count()
	merged.Confidence = tally.confidence(sumConf, survivor.Confidence)
	merged.WeightedConfidence = merged.Confidence

	ring := mergedRing(parts, opts.SimplifyToleranceMeters)
	if ring != nil {
		merged.Ring = ring
		merged.Centroid, merged.BoundingRadius = ringExtent(ring)
	}
}

// refreshComponent keeps the survivor's identity, first-seen time and
// contributor tally but takes devices, confidence and geometry from this
// cycle's polygons only. Devices that recovered drop out and a moving outage
// does not drag its old footprint along.
func refreshComponent(merged *OutagePolygon, parts []mergePart, opts MergeOptions) {
	survivor := parts[0].poly

	var fresh []mergePart
	for _, part := range parts {
		if !part.existing {
			fresh = append(fresh, part)
		}
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].order < fresh[j].order })

	prior := make(map[string]struct{}, len(survivor.members))
	for _, id := range survivor.members {
		prior[id] = struct{}{}
	}

	var tally memberTally
	var sumConf float64
	merged.StartedAt = time.Time{}
	// When an existing polygon survives, the first new polygon is its
	// continuation and does not count as a contributor.
	continuation := parts[0].existing
	for _, part := range fresh {
		p := part.poly
		sumConf += p.Confidence * float64(tally.add(p))
		merged.StartedAt = earliest(merged.StartedAt, p.StartedAt)

		if p.ID == survivor.ID {
			continue
		}
		if continuation {
			continuation = false
			continue
		}
		if bringsNewDevices(p, prior, tally.count(), survivor.DeviceCount) {
			merged.Contributors += max(1, p.Contributors)
		}
	}

	for _, part := range parts[1:] {
		if part.existing && part.poly.ID != survivor.ID {
			merged.Contributors += max(1, part.poly.Contributors)
		}
	}

	merged.members = tally.order
	merged.DeviceCount = tally.count()
	merged.Confidence = tally.confidence(sumConf, survivor.Confidence)
	merged.WeightedConfidence = merged.Confidence

	ring := fresh[0].poly.Ring.Clone()
	if len(fresh) > 1 {
		if hull := mergedRing(fresh, opts.SimplifyToleranceMeters); hull != nil {
			ring = hull
		}
	}
	merged.Ring = ring
	if len(fresh) == 1 {
		merged.Centroid, merged.BoundingRadius = fresh[0].poly.Centroid, fresh[0].poly.BoundingRadius
	} else {
		merged.Centroid, merged.BoundingRadius = ringExtent(ring)
	}
}

// bringsNewDevices reports whether p adds devices the survivor did not already
// cover. Without known members the survivor's device count is the yardstick.
func bringsNewDevices(p OutagePolygon, prior map[string]struct{}, total, priorCount int) bool {
	if len(prior) == 0 {
		return total > priorCount
	}
	for _, id := range p.members {
		if _, ok := prior[id]; !ok {
			return true
		}
	}
	return false
}

// memberTally counts the distinct devices behind a set of polygons. Polygons
// decoded from JSON carry no device ids; they may cover the same devices as
// any other part, so they raise the floor to their own count instead of
// adding to it.
type memberTally struct {
	seen  map[string]struct{}
	order []string
	floor int
}

// add folds p into the tally and returns how much the count grew
func (t *memberTally) add(p OutagePolygon) int {
	before := t.count()
	if len(p.members) == 0 {
		t.floor = max(t.floor, p.DeviceCount)
		return t.count() - before
	}
	if t.seen == nil {
		t.seen = make(map[string]struct{})
	}
	for _, id := range p.members {
		if _, ok := t.seen[id]; ok {
			continue
		}
		t.seen[id] = struct{}{}
		t.order = append(t.order, id)
	}
	return t.count() - before
}

func (t *memberTally) count() int {
	return max(len(t.order), t.floor)
}

// confidence is the count-weighted mean given the weighted sum
func (t *memberTally) confidence(sum, fallback float64) float64 {
	conf := fallback
	if n := t.count(); n > 0 {
		conf = sum / float64(n)
	}
	return math.Max(0, math.Min(1, conf))
}

// mergedRing returns nil when every part shares the survivor's ring, and the
// closed convex hull of all part vertices otherwise.
func mergedRing(parts []mergePart, toleranceMeters float64) orb.Ring {
	base := parts[0].poly.Ring
	same := true
	for _, part := range parts[1:] {
		if !part.poly.Ring.Equal(base) {
			same = false
			break
		}
	}
	if same {
		return nil
	}

	var points []orb.Point
	for _, part := range parts {
		points = append(points, part.poly.Ring...)
	}
	hull := closeRing(orb.Ring(convexHull(points)))
	if !validRing(hull) {
		return nil
	}

	if toleranceMeters > 0 {
		tolerance := toleranceMeters / metersPerDegree
		if s, ok := simplify.DouglasPeucker(tolerance).Simplify(hull.Clone()).(orb.Ring); ok {
			s = closeRing(s)
			if validRing(s) {
				return s
			}
		}
	}
	return hull
}

// olderThan orders timestamps with zero values last
func olderThan(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	if b.IsZero() {
		return true
	}
	return a.Before(b)
}

// earliest returns the earlier non-zero timestamp
func earliest(a, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}
