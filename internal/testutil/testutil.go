// Package testutil provides shared fixtures for HTTP-layer tests: a
// started engine anchored at the survey origin, submission builders at
// frame offsets, and a poll helper for the asynchronous ingest path.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/nearfield-data/proximity.live/internal/config"
	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
)

// Survey origin the test frame is anchored at.
const (
	OriginLat = 37.75950
	OriginLon = -122.41470
)

// StartEngine returns a running engine with default tuning, anchored at
// the survey origin. It is stopped on test cleanup.
func StartEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Options{
		Config: config.EmptyEngineConfig(),
		Frame:  geo.NewFrame(OriginLat, OriginLon, 0),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

// UserAt builds a user submission whose GPS sample sits at frame offset
// (x, y) meters from the engine's origin.
func UserAt(e *engine.Engine, id string, x, y float64, ts time.Time) engine.Submission {
	return engine.Submission{
		EntityID: id,
		Kind:     engine.KindUser,
		Sample:   sampleAt(e, x, y, ts, geo.SourceGPS, 3),
	}
}

// TagAt builds a tag submission with a lidar-grade sample, meeting the
// placement precision gate.
func TagAt(e *engine.Engine, id string, x, y float64, ts time.Time) engine.Submission {
	return engine.Submission{
		EntityID: id,
		Kind:     engine.KindTag,
		Sample:   sampleAt(e, x, y, ts, geo.SourceLiDAR, 0.008),
	}
}

func sampleAt(e *engine.Engine, x, y float64, ts time.Time, src geo.SourceKind, accM float64) geo.Sample {
	lat, lon, alt := e.Frame().Unproject(geo.Point{X: x, Y: y})
	return geo.Sample{
		Latitude:            lat,
		Longitude:           lon,
		AltitudeM:           alt,
		HorizontalAccuracyM: accM,
		Timestamp:           ts,
		Source:              src,
	}
}

// WaitCounts polls until the index holds the wanted user and tag counts.
// Admission is synchronous but the apply is not, so tests must not read
// the index straight after an accepted submit.
func WaitCounts(t *testing.T, e *engine.Engine, wantUsers, wantTags int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		users, tags, _ := e.Counts()
		if users == wantUsers && tags == wantTags {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("index never reached users=%d tags=%d (users=%d tags=%d)",
				wantUsers, wantTags, users, tags)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
