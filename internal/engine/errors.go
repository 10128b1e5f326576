package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidData is returned when a submission or query carries values
// outside the accepted ranges (coordinates, accuracy, timestamps, kinds).
var ErrInvalidData = errors.New("invalid data")

// ErrPrecision is returned when a depth-sensor sample misses the 1 cm
// accuracy ceiling required for precision operations such as tag creation.
var ErrPrecision = errors.New("precision below lidar grade")

// ErrInvalidRadius is returned when a query radius falls outside the
// supported [0.5, 50] meter range.
var ErrInvalidRadius = errors.New("radius out of range")

// ErrBackpressure is returned immediately when the ingest queue is full.
// Callers should retry with backoff rather than block.
var ErrBackpressure = errors.New("ingest queue full")

// ErrIndexCorruption is returned when a mutation touches a cell whose
// membership and location records disagree. The cell is poisoned: further
// mutations on it keep failing while reads continue to serve.
var ErrIndexCorruption = errors.New("spatial index corruption")

// ErrCacheUnavailable marks cache store failures. It never reaches callers:
// the query path logs it, counts it, and falls through to a direct index
// scan.
var ErrCacheUnavailable = errors.New("cache store unavailable")

// ErrStopped is returned for submissions and queries arriving after the
// engine has been stopped.
var ErrStopped = errors.New("engine stopped")

// ErrStaleSample wraps ErrInvalidData: a sample older than the entity's
// current position violates per-entity timestamp monotonicity.
var ErrStaleSample = fmt.Errorf("%w: sample older than current position", ErrInvalidData)
