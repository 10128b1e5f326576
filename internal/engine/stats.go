package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// EngineStats tracks engine throughput with thread-safe operations. Counters
// are cumulative; GetAndReset returns the delta since the previous call so
// the periodic ops line reports rates while Totals keeps serving the admin
// surface unreset.
type EngineStats struct {
	mu        sync.Mutex
	cur       StatsCounts
	last      StatsCounts
	started   time.Time
	lastReset time.Time
}

// StatsCounts is one consistent view of the counters.
type StatsCounts struct {
	Submitted  int64 `json:"submitted"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Duplicates int64 `json:"duplicates"`
	Applied    int64 `json:"applied"`
	RaceDrops  int64 `json:"race_drops"`
	QueueDrops int64 `json:"queue_drops"`
	Queries    int64 `json:"queries"`
	Degraded   int64 `json:"degraded"`
	Matches    int64 `json:"matches"`
	CacheHits  int64 `json:"cache_hits"`
	CacheMiss  int64 `json:"cache_misses"`
	Purged     int64 `json:"purged"`
}

// NewEngineStats creates a zeroed stats block.
func NewEngineStats() *EngineStats {
	now := time.Now()
	return &EngineStats{started: now, lastReset: now}
}

// AddSubmit records one submission attempt.
func (s *EngineStats) AddSubmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Submitted++
}

// AddAccepted records an admitted submission by its ack kind.
func (s *EngineStats) AddAccepted(kind AckKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Accepted++
	if kind == AckDuplicate {
		s.cur.Duplicates++
	}
}

// AddRejected records a refused submission (validation, precision, queue).
func (s *EngineStats) AddRejected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Rejected++
}

// AddQueueDrop records a submission refused because the queue was full.
func (s *EngineStats) AddQueueDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Rejected++
	s.cur.QueueDrops++
}

// AddApplied records one asynchronous apply reaching the index.
func (s *EngineStats) AddApplied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Applied++
}

// AddRaceDrop records an apply dropped after losing a monotonicity race.
func (s *EngineStats) AddRaceDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.RaceDrops++
}

// AddQuery records a completed proximity query.
func (s *EngineStats) AddQuery(matches int, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Queries++
	s.cur.Matches += int64(matches)
	if degraded {
		s.cur.Degraded++
	}
}

// AddCacheHit records a cell snapshot served from cache.
func (s *EngineStats) AddCacheHit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.CacheHits++
}

// AddCacheMiss records a cell snapshot recomputed from the index.
func (s *EngineStats) AddCacheMiss() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.CacheMiss++
}

// AddPurged records entities removed by the sweep.
func (s *EngineStats) AddPurged(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.Purged += int64(n)
}

// Totals returns the cumulative counters and the uptime they cover.
func (s *EngineStats) Totals() (StatsCounts, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur, time.Since(s.started)
}

// GetAndReset returns the delta since the previous call and marks now as the
// new baseline.
func (s *EngineStats) GetAndReset() (StatsCounts, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	interval := now.Sub(s.lastReset)
	delta := StatsCounts{
		Submitted:  s.cur.Submitted - s.last.Submitted,
		Accepted:   s.cur.Accepted - s.last.Accepted,
		Rejected:   s.cur.Rejected - s.last.Rejected,
		Duplicates: s.cur.Duplicates - s.last.Duplicates,
		Applied:    s.cur.Applied - s.last.Applied,
		RaceDrops:  s.cur.RaceDrops - s.last.RaceDrops,
		QueueDrops: s.cur.QueueDrops - s.last.QueueDrops,
		Queries:    s.cur.Queries - s.last.Queries,
		Degraded:   s.cur.Degraded - s.last.Degraded,
		Matches:    s.cur.Matches - s.last.Matches,
		CacheHits:  s.cur.CacheHits - s.last.CacheHits,
		CacheMiss:  s.cur.CacheMiss - s.last.CacheMiss,
		Purged:     s.cur.Purged - s.last.Purged,
	}
	s.last = s.cur
	s.lastReset = now
	return delta, interval
}

// LogStats emits the one-line ops summary when anything happened since the
// last call.
func (s *EngineStats) LogStats() {
	delta, interval := s.GetAndReset()
	if delta.Submitted == 0 && delta.Queries == 0 && delta.Purged == 0 {
		return
	}
	secs := interval.Seconds()
	if secs <= 0 {
		secs = 1
	}
	logMsg := fmt.Sprintf("Engine stats (/sec): %.1f submits, %.1f queries, %s matches",
		float64(delta.Submitted)/secs, float64(delta.Queries)/secs, FormatWithCommas(delta.Matches))
	if delta.Rejected > 0 {
		logMsg += fmt.Sprintf(", %d rejected", delta.Rejected)
	}
	if delta.QueueDrops > 0 {
		logMsg += fmt.Sprintf(" (%d on full queue)", delta.QueueDrops)
	}
	if delta.RaceDrops > 0 {
		logMsg += fmt.Sprintf(", %d race drops", delta.RaceDrops)
	}
	if delta.Degraded > 0 {
		logMsg += fmt.Sprintf(", %d degraded", delta.Degraded)
	}
	if delta.Purged > 0 {
		logMsg += fmt.Sprintf(", %d purged", delta.Purged)
	}
	monitoring.Logf("%s", logMsg)
}

// FormatWithCommas formats a number with thousands separators.
func FormatWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	result := ""
	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}
	return result
}
