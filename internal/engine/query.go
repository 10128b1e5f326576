package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// Query radius bounds: what a caller may ask for, matching the visibility
// radius range entities may expose.
const (
	MinQueryRadiusM = 0.5
	MaxQueryRadiusM = 50.0
)

// Quality grades how much of a result rests on lidar-grade positions.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// Lidar-grade proportion thresholds for the quality grades.
const (
	ultraQualityShare  = 0.95
	highQualityShare   = 0.75
	mediumQualityShare = 0.40
)

// Query asks "who and what is near this point".
type Query struct {
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	RadiusM    float64
	MaxResults int // 0 means the configured default; hard-capped
	Filter     Filter
}

// Match is one discovered entity with its exact distance and the derived
// confidence score (1 at the center, 0 at the radius edge).
type Match struct {
	Entity     Entity  `json:"entity"`
	DistanceM  float64 `json:"distance_m"`
	Confidence float64 `json:"confidence"`
}

// QueryResult is a completed proximity scan. Degraded results carry the
// matches collected before the deadline rather than failing the query.
type QueryResult struct {
	Matches      []Match `json:"matches"`
	ScanQuality  Quality `json:"scan_quality"`
	Degraded     bool    `json:"degraded"`
	CellsScanned int     `json:"cells_scanned"`
	CacheHits    int     `json:"cache_hits"`
}

// Query runs a proximity scan around the given position. The deadline
// (configured, default 100ms) bounds the whole scan; cells not reached in
// time are skipped and the result is marked degraded. Matches are ordered
// by distance, entity id breaking ties, and truncated to the result limit.
func (e *Engine) Query(ctx context.Context, q Query) (QueryResult, error) {
	if e.stopped.Load() {
		return QueryResult{}, ErrStopped
	}
	start := time.Now()

	if err := e.validateQuery(&q); err != nil {
		monitoring.QueryLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return QueryResult{}, err
	}

	f := e.frame()
	if f == nil {
		// Nothing has ever been ingested; the frame has no anchor and the
		// index is empty.
		monitoring.QueryLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
		e.stats.AddQuery(0, false)
		return QueryResult{ScanQuality: QualityLow}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.GetQueryTimeout())
	defer cancel()

	center := f.Project(q.Latitude, q.Longitude, q.AltitudeM)
	cells := e.grid.CellsWithinRadius(center, q.RadiusM)

	matches, scanned, cacheHits, candidates := e.scanCells(ctx, cells, center, q)
	degraded := scanned < len(cells)

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceM != matches[j].DistanceM {
			return matches[i].DistanceM < matches[j].DistanceM
		}
		return matches[i].Entity.ID < matches[j].Entity.ID
	})
	if len(matches) > q.MaxResults {
		matches = matches[:q.MaxResults]
	}

	quality := scanQuality(matches)
	res := QueryResult{
		Matches:      matches,
		ScanQuality:  quality,
		Degraded:     degraded,
		CellsScanned: scanned,
		CacheHits:    cacheHits,
	}

	status := "ok"
	if degraded {
		status = "degraded"
	}
	elapsed := time.Since(start)
	monitoring.QueryLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	monitoring.QueryCandidates.Observe(float64(candidates))
	monitoring.QueryResults.WithLabelValues(string(quality)).Inc()
	e.window.Add(elapsed)
	e.stats.AddQuery(len(matches), degraded)
	tracef("query r=%.1fm cells=%d/%d candidates=%d matches=%d quality=%s in %v",
		q.RadiusM, scanned, len(cells), candidates, len(matches), quality, elapsed)
	return res, nil
}

func (e *Engine) validateQuery(q *Query) error {
	if q.RadiusM < MinQueryRadiusM || q.RadiusM > MaxQueryRadiusM {
		monitoring.QueryRejects.WithLabelValues("radius").Inc()
		return fmt.Errorf("radius %vm outside [%v, %v]: %w",
			q.RadiusM, MinQueryRadiusM, MaxQueryRadiusM, ErrInvalidRadius)
	}
	probe := geo.Sample{
		Latitude: q.Latitude, Longitude: q.Longitude, AltitudeM: q.AltitudeM,
		HorizontalAccuracyM: 1, Timestamp: e.clock.Now(), Source: geo.SourceGPS,
	}
	if err := probe.Validate(); err != nil {
		monitoring.QueryRejects.WithLabelValues("center").Inc()
		return fmt.Errorf("%v: %w", err, ErrInvalidData)
	}
	q.Filter = q.Filter.Normalize()
	if err := q.Filter.Validate(); err != nil {
		monitoring.QueryRejects.WithLabelValues("filter").Inc()
		return fmt.Errorf("%v: %w", err, ErrInvalidData)
	}
	if q.MaxResults <= 0 {
		q.MaxResults = e.cfg.GetDefaultMaxResults()
	}
	q.MaxResults = min(q.MaxResults, e.cfg.GetMaxResultsCap())
	return nil
}

// scanCells fans the cell list out over a bounded worker set. Each worker
// pulls a cell, fetches its candidate snapshot through the cache and scores
// it in place, so the caller never does unbounded CPU work and a deadline
// cuts the scan between cells.
func (e *Engine) scanCells(ctx context.Context, cells []CellID, center geo.Point, q Query) (matches []Match, scanned, cacheHits, candidates int) {
	if len(cells) == 0 {
		return nil, 0, 0, 0
	}
	workers := min(e.cfg.GetQueryScanWorkers(), len(cells))

	var mu sync.Mutex
	var wg sync.WaitGroup
	ids := make(chan CellID)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range ids {
				if ctx.Err() != nil {
					return
				}
				ents, hit := e.snapshots.candidatesFor(id, q.Filter)
				scored := scoreCandidates(ents, center, q)
				mu.Lock()
				scanned++
				if hit {
					cacheHits++
				}
				candidates += len(ents)
				matches = append(matches, scored...)
				mu.Unlock()
			}
		}()
	}

feed:
	for _, id := range cells {
		select {
		case ids <- id:
		case <-ctx.Done():
			break feed
		}
	}
	close(ids)
	wg.Wait()
	return matches, scanned, cacheHits, candidates
}

// scoreCandidates applies the center-dependent predicates: exact 3D
// distance against both radii (the query's and, asymmetrically, the
// candidate's own visibility radius), the confidence floor, and the
// caller's self-exclusion.
func scoreCandidates(ents []Entity, center geo.Point, q Query) []Match {
	var out []Match
	for i := range ents {
		ent := &ents[i]
		if q.Filter.ExcludeID != "" && ent.ID == q.Filter.ExcludeID {
			continue
		}
		d := center.DistanceTo(ent.Position.Point)
		if d > q.RadiusM || d > ent.RadiusM {
			continue
		}
		conf := 1.0 - d/q.RadiusM
		if conf < 0 {
			conf = 0
		}
		if q.Filter.MinConfidence > 0 && conf < q.Filter.MinConfidence {
			continue
		}
		out = append(out, Match{Entity: *ent, DistanceM: d, Confidence: conf})
	}
	return out
}

// scanQuality grades the result by the share of matches resting on
// lidar-grade positions. An empty result grades low: nothing vouches for it.
func scanQuality(matches []Match) Quality {
	if len(matches) == 0 {
		return QualityLow
	}
	lidar := 0
	for i := range matches {
		if matches[i].Entity.Position.Grade == geo.GradeLiDAR {
			lidar++
		}
	}
	share := float64(lidar) / float64(len(matches))
	switch {
	case share >= ultraQualityShare:
		return QualityUltra
	case share >= highQualityShare:
		return QualityHigh
	case share >= mediumQualityShare:
		return QualityMedium
	}
	return QualityLow
}
