package geo

import (
	"math"
	"time"

	"github.com/paulmach/orb"
)

// Point is a position in the frame's local tangent plane: meters east (X),
// north (Y) and up (Z) of the frame origin.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DistanceTo returns the 3D Euclidean distance to q in meters. Altitude
// participates, matching how visibility radii are interpreted: two entities
// on different floors are farther apart than their map distance.
func (p Point) DistanceTo(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// HorizontalDistanceTo returns the 2D ground distance to q in meters.
func (p Point) HorizontalDistanceTo(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// FusedPoint is the output of coordinate fusion: a frame-local position with
// the sample's precision metadata carried through unchanged. Fusion never
// upgrades precision, it only reprojects.
type FusedPoint struct {
	Point
	Grade               Grade      `json:"grade"`
	HorizontalAccuracyM float64    `json:"horizontal_accuracy_m"`
	Timestamp           time.Time  `json:"timestamp"`
	Source              SourceKind `json:"source"`
}

// Frame is an equirectangular projection about a fixed origin. All spatial
// cells, cached snapshots and distance comparisons are expressed in one
// frame so cross-cell math stays consistent; the origin and epoch are
// recorded for that reason. A frame is immutable after construction and
// safe for concurrent use.
//
// The projection is accurate to well under 0.1% for the sub-kilometer
// extents this engine serves; it is not meant for continental distances and
// does not handle antimeridian wraparound.
type Frame struct {
	originLat float64
	originLon float64
	originAlt float64
	epoch     time.Time
	cosLat    float64
	// precomputed radians
	latRad float64
	lonRad float64
}

// NewFrame creates a frame anchored at the given WGS84 origin. The epoch is
// taken at construction time.
func NewFrame(lat, lon, altM float64) *Frame {
	latRad := lat * math.Pi / 180.0
	return &Frame{
		originLat: lat,
		originLon: lon,
		originAlt: altM,
		epoch:     time.Now().UTC(),
		cosLat:    math.Cos(latRad),
		latRad:    latRad,
		lonRad:    lon * math.Pi / 180.0,
	}
}

// Origin returns the frame's anchor position.
func (f *Frame) Origin() (lat, lon, altM float64) {
	return f.originLat, f.originLon, f.originAlt
}

// OriginPoint returns the origin as an orb point (lon, lat).
func (f *Frame) OriginPoint() orb.Point {
	return orb.Point{f.originLon, f.originLat}
}

// Epoch returns when the frame was anchored.
func (f *Frame) Epoch() time.Time {
	return f.epoch
}

// Project converts a WGS84 position into frame-local meters.
func (f *Frame) Project(lat, lon, altM float64) Point {
	latRad := lat * math.Pi / 180.0
	lonRad := lon * math.Pi / 180.0
	return Point{
		X: EarthRadiusMeters * (lonRad - f.lonRad) * f.cosLat,
		Y: EarthRadiusMeters * (latRad - f.latRad),
		Z: altM - f.originAlt,
	}
}

// Unproject converts a frame-local point back to WGS84. Used for reporting
// cell bounds and monitor views; ingest never round-trips through it.
func (f *Frame) Unproject(p Point) (lat, lon, altM float64) {
	latRad := f.latRad + p.Y/EarthRadiusMeters
	lonRad := f.lonRad + p.X/(EarthRadiusMeters*f.cosLat)
	return latRad * 180.0 / math.Pi, lonRad * 180.0 / math.Pi, p.Z + f.originAlt
}

// Fuse projects a validated sample into the frame, carrying grade and
// accuracy through. This is the whole of coordinate fusion: pure,
// deterministic, no state.
func (f *Frame) Fuse(s Sample) FusedPoint {
	return FusedPoint{
		Point:               f.Project(s.Latitude, s.Longitude, s.AltitudeM),
		Grade:               s.Grade(),
		HorizontalAccuracyM: s.HorizontalAccuracyM,
		Timestamp:           s.Timestamp,
		Source:              s.Source,
	}
}

// BoundAround returns the geographic bounding box of a circle centered on a
// frame-local point, for display surfaces that work in lat/lon.
func (f *Frame) BoundAround(center Point, radiusM float64) orb.Bound {
	minLat, minLon, _ := f.Unproject(Point{X: center.X - radiusM, Y: center.Y - radiusM})
	maxLat, maxLon, _ := f.Unproject(Point{X: center.X + radiusM, Y: center.Y + radiusM})
	b := orb.Bound{Min: orb.Point{minLon, minLat}, Max: orb.Point{minLon, minLat}}
	return b.Extend(orb.Point{maxLon, maxLat})
}
