package outage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// PolygonFeature converts an outage polygon to a GeoJSON Polygon feature.
// Coordinates are (lon, lat) as GeoJSON requires.
func PolygonFeature(p OutagePolygon) *geojson.Feature {
	f := geojson.NewFeature(orb.Polygon{p.Ring})
	f.ID = p.ID
	f.Properties["kind"] = "outage"
	f.Properties["confidence"] = p.Confidence
	f.Properties["deviceCount"] = p.DeviceCount
	f.Properties["boundingRadius"] = p.BoundingRadius
	f.Properties["centroid"] = []float64{p.Centroid[0], p.Centroid[1]}
	f.Properties["contributors"] = p.Contributors
	if !p.StartedAt.IsZero() {
		f.Properties["startedAt"] = p.StartedAt.UTC().Format(time.RFC3339)
	}
	if !p.FirstSeen.IsZero() {
		f.Properties["firstSeen"] = p.FirstSeen.UTC().Format(time.RFC3339)
	}
	if p.Merged() {
		f.Properties["weightedConfidence"] = p.WeightedConfidence
		if !p.EarliestStart.IsZero() {
			f.Properties["earliestStart"] = p.EarliestStart.UTC().Format(time.RFC3339)
		}
	}
	return f
}

// PolygonsToFeatureCollection converts outage polygons to a FeatureCollection
func PolygonsToFeatureCollection(polys []OutagePolygon) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range polys {
		fc.Append(PolygonFeature(p))
	}
	return fc
}

// ErrInvalidFeature is returned when a feature cannot be read back as an
// outage polygon.
var ErrInvalidFeature = errors.New("invalid outage feature")

// polygonProperties mirrors the properties PolygonFeature writes
type polygonProperties struct {
	Kind               string    `json:"kind"`
	Confidence         float64   `json:"confidence"`
	DeviceCount        int       `json:"deviceCount"`
	BoundingRadius     float64   `json:"boundingRadius"`
	Centroid           []float64 `json:"centroid"`
	Contributors       int       `json:"contributors"`
	StartedAt          time.Time `json:"startedAt"`
	FirstSeen          time.Time `json:"firstSeen"`
	WeightedConfidence *float64  `json:"weightedConfidence"`
	EarliestStart      time.Time `json:"earliestStart"`
}

// PolygonFromFeature reads back a feature written by PolygonFeature. Device
// ids are never part of a feature, so the result carries none.
func PolygonFromFeature(f *geojson.Feature) (OutagePolygon, error) {
	id, ok := f.ID.(string)
	if !ok || id == "" {
		return OutagePolygon{}, fmt.Errorf("%w: missing id", ErrInvalidFeature)
	}

	poly, ok := f.Geometry.(orb.Polygon)
	if !ok || len(poly) == 0 {
		return OutagePolygon{}, fmt.Errorf("%w: %s: geometry is not a polygon", ErrInvalidFeature, id)
	}
	ring := closeRing(poly[0].Clone())
	if !validRing(ring) {
		return OutagePolygon{}, fmt.Errorf("%w: %s: degenerate ring", ErrInvalidFeature, id)
	}

	raw, err := json.Marshal(f.Properties)
	if err != nil {
		return OutagePolygon{}, fmt.Errorf("%w: %s: %v", ErrInvalidFeature, id, err)
	}
	var props polygonProperties
	if err := json.Unmarshal(raw, &props); err != nil {
		return OutagePolygon{}, fmt.Errorf("%w: %s: %v", ErrInvalidFeature, id, err)
	}
	if props.DeviceCount < 0 {
		return OutagePolygon{}, fmt.Errorf("%w: %s: negative device count", ErrInvalidFeature, id)
	}

	p := OutagePolygon{
		ID:             id,
		Ring:           ring,
		BoundingRadius: props.BoundingRadius,
		Confidence:     props.Confidence,
		DeviceCount:    props.DeviceCount,
		StartedAt:      props.StartedAt,
		FirstSeen:      props.FirstSeen,
		Contributors:   max(1, props.Contributors),
		EarliestStart:  earliest(props.EarliestStart, props.StartedAt),
	}
	p.WeightedConfidence = p.Confidence
	if props.WeightedConfidence != nil {
		p.WeightedConfidence = *props.WeightedConfidence
	}
	if len(props.Centroid) == 2 && p.BoundingRadius > 0 {
		p.Centroid = orb.Point{props.Centroid[0], props.Centroid[1]}
	} else {
		p.Centroid, p.BoundingRadius = ringExtent(ring)
	}
	return p, nil
}

// PolygonsFromFeatureCollection reads back the outage polygons of a collection
// written by PolygonsToFeatureCollection. Features of any other kind are
// skipped.
func PolygonsFromFeatureCollection(fc *geojson.FeatureCollection) ([]OutagePolygon, error) {
	polys := make([]OutagePolygon, 0, len(fc.Features))
	for _, f := range fc.Features {
		if kind, ok := f.Properties["kind"].(string); ok && kind != "outage" {
			continue
		}
		p, err := PolygonFromFeature(f)
		if err != nil {
			return nil, err
		}
		polys = append(polys, p)
	}
	return polys, nil
}

// CellFeature converts a grid cell to a GeoJSON Polygon of its bounds
func CellFeature(c GridCell) *geojson.Feature {
	f := geojson.NewFeature(c.Bound.ToPolygon())
	f.Properties["kind"] = "cell"
	f.Properties["x"] = c.X
	f.Properties["y"] = c.Y
	f.Properties["deviceCount"] = c.DeviceCount
	f.Properties["online"] = c.Online
	f.Properties["offline"] = c.Offline
	f.Properties["unknown"] = c.Unknown
	f.Properties["recentActivity"] = c.RecentActivity
	return f
}

// CellsToFeatureCollection converts grid cells to a FeatureCollection
func CellsToFeatureCollection(cells []GridCell) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range cells {
		fc.Append(CellFeature(c))
	}
	return fc
}
