// Package geo holds the position sample model and the projected frame used
// for all downstream distance math. Samples arrive as WGS84 decimal degrees
// and are fused into a local tangent frame exactly once, at ingest.
package geo

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
)

// EarthRadiusMeters is the mean earth radius used by the equirectangular
// projection and by haversine cross-checks.
const EarthRadiusMeters = 6371000.0

// LiDARGradeMaxAccuracyM is the horizontal accuracy ceiling for a sample to
// count as LiDAR-grade: 1 cm at the 10 m reference distance.
const LiDARGradeMaxAccuracyM = 0.01

// Validation ranges for incoming samples. Altitude covers Dead Sea shore to
// commercial flight levels; accuracies beyond 50 m carry no position signal
// worth indexing.
const (
	MinAltitudeM = -100.0
	MaxAltitudeM = 10000.0
	MaxAccuracyM = 50.0
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
	MinLongitude = -180.0
	MaxLongitude = 180.0
)

// SourceKind identifies the sensor class that produced a sample.
type SourceKind string

const (
	SourceLiDAR   SourceKind = "lidar"
	SourceGPS     SourceKind = "gps"
	SourceNetwork SourceKind = "network"
)

func (s SourceKind) Valid() bool {
	switch s {
	case SourceLiDAR, SourceGPS, SourceNetwork:
		return true
	}
	return false
}

// Grade classifies a sample's fitness for precision-sensitive operations.
type Grade string

const (
	// GradeLiDAR: depth-sensor sample within the 1 cm @ 10 m precision
	// ceiling. Required for tag creation and precision-filtered queries.
	GradeLiDAR Grade = "lidar"
	// GradeAdvisory: accepted for coarse positioning only (network/GPS
	// fixes, or depth samples that missed the precision ceiling).
	GradeAdvisory Grade = "advisory"
)

// Sample is one raw position measurement as received from a device.
type Sample struct {
	Latitude            float64    `json:"latitude"`
	Longitude           float64    `json:"longitude"`
	AltitudeM           float64    `json:"altitude_m"`
	HorizontalAccuracyM float64    `json:"horizontal_accuracy_m"`
	VerticalAccuracyM   float64    `json:"vertical_accuracy_m"`
	Timestamp           time.Time  `json:"timestamp"`
	Source              SourceKind `json:"source"`
}

// Validate reports the first field that makes the sample unusable. The
// engine wraps the result into its caller-visible error taxonomy.
func (s Sample) Validate() error {
	switch {
	case math.IsNaN(s.Latitude) || s.Latitude < MinLatitude || s.Latitude > MaxLatitude:
		return fmt.Errorf("latitude %v out of range [%v, %v]", s.Latitude, MinLatitude, MaxLatitude)
	case math.IsNaN(s.Longitude) || s.Longitude < MinLongitude || s.Longitude > MaxLongitude:
		return fmt.Errorf("longitude %v out of range [%v, %v]", s.Longitude, MinLongitude, MaxLongitude)
	case math.IsNaN(s.AltitudeM) || s.AltitudeM < MinAltitudeM || s.AltitudeM > MaxAltitudeM:
		return fmt.Errorf("altitude %v out of range [%v, %v]", s.AltitudeM, MinAltitudeM, MaxAltitudeM)
	case math.IsNaN(s.HorizontalAccuracyM) || s.HorizontalAccuracyM <= 0 || s.HorizontalAccuracyM > MaxAccuracyM:
		return fmt.Errorf("horizontal accuracy %v out of range (0, %v]", s.HorizontalAccuracyM, MaxAccuracyM)
	case math.IsNaN(s.VerticalAccuracyM) || s.VerticalAccuracyM < 0 || s.VerticalAccuracyM > MaxAccuracyM:
		return fmt.Errorf("vertical accuracy %v out of range [0, %v]", s.VerticalAccuracyM, MaxAccuracyM)
	case s.Timestamp.IsZero():
		return fmt.Errorf("timestamp missing")
	case !s.Source.Valid():
		return fmt.Errorf("unknown source kind %q", s.Source)
	}
	return nil
}

// Grade classifies the sample. Only depth-sensor samples inside the
// precision ceiling rank as LiDAR-grade; everything else is advisory.
func (s Sample) Grade() Grade {
	if s.Source == SourceLiDAR && s.HorizontalAccuracyM <= LiDARGradeMaxAccuracyM {
		return GradeLiDAR
	}
	return GradeAdvisory
}

// Point returns the sample's geographic position as an orb point
// (longitude first, per orb convention).
func (s Sample) Point() orb.Point {
	return orb.Point{s.Longitude, s.Latitude}
}
