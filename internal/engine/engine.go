// Package engine is the proximity core: the sharded cell index, the ingest
// queue and workers, the query scanner with its read-through snapshot cache,
// and the lifecycle glue that ties them together. Everything is constructed
// by the composition root and injected; the package holds no global state
// beyond its log streams.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearfield-data/proximity.live/internal/cache"
	"github.com/nearfield-data/proximity.live/internal/config"
	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
	"github.com/nearfield-data/proximity.live/internal/timeutil"
)

// statsLogInterval is how often the one-line ops summary is emitted. The
// first line lands shortly after start so a fresh deploy is never silent
// for a full interval.
const statsLogInterval = time.Minute

// EventSink receives accepted index changes for persistence. Implementations
// must not block: the engine calls from ingest workers.
type EventSink interface {
	RecordUpsert(e Entity)
	RecordRemove(entityID string, at time.Time)
}

// Options wires an Engine. Config is required. A nil CacheStore gets an
// in-memory store; either way the engine takes ownership and closes the
// store on Stop. A nil Frame leaves the projection unanchored until the
// first accepted sample (or a later SetFrame from a GPS reference fix).
type Options struct {
	Config     *config.EngineConfig
	Frame      *geo.Frame
	CacheStore cache.Store
	Persist    EventSink
	Clock      timeutil.Clock
}

// Engine owns the index, the ingest pipeline and the query path.
type Engine struct {
	cfg       *config.EngineConfig
	grid      *CellGrid
	snapshots *snapshotCache
	queue     chan Submission
	stats     *EngineStats
	window    *monitoring.LatencyWindow
	persist   EventSink
	clock     timeutil.Clock
	store     cache.Store

	frameP atomic.Pointer[geo.Frame]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// New builds an engine from options. It does not start any goroutines;
// call Start.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.New("engine config is required")
	}
	store := opts.CacheStore
	if store == nil {
		store = cache.NewMemory()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	e := &Engine{
		cfg:     opts.Config,
		grid:    NewCellGrid(opts.Config.GetCellSizeM()),
		queue:   make(chan Submission, opts.Config.GetIngestQueueSize()),
		stats:   NewEngineStats(),
		window:  monitoring.NewLatencyWindow(opts.Config.GetLatencyWindow()),
		persist: opts.Persist,
		clock:   clock,
		store:   store,
	}
	e.snapshots = newSnapshotCache(store, opts.Config.GetCacheTTL(), e.grid, e.stats)
	if opts.Frame != nil {
		e.frameP.Store(opts.Frame)
	}
	return e, nil
}

// Start launches the ingest workers, the purge sweeper and the stats
// logger. They run until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	if e.stopped.Load() {
		return ErrStopped
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	done := ctx.Done()

	workers := e.cfg.GetIngestWorkers()
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.ingestWorker(done)
	}
	e.wg.Add(1)
	go e.sweeper(done)
	e.wg.Add(1)
	go e.statsLogger(done)

	lat, lon, alt := 0.0, 0.0, 0.0
	anchored := "unanchored"
	if f := e.frameP.Load(); f != nil {
		lat, lon, alt = f.Origin()
		anchored = "anchored"
	}
	monitoring.Logf("Engine started: %d ingest workers, queue %d, cell %.0fm, frame %s (%.6f, %.6f, %.1fm)",
		workers, cap(e.queue), e.grid.CellSize(), anchored, lat, lon, alt)
	return nil
}

// Stop halts the engine: new submissions and queries are refused, workers
// drain out, and the cache store is closed. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped.Swap(true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if dropped := len(e.queue); dropped > 0 {
		opsf("%d queued submissions dropped at shutdown", dropped)
	}
	if err := e.store.Close(); err != nil {
		opsf("cache store close: %v", err)
	}
	monitoring.Logf("Engine stopped")
}

// frame returns the current projection frame, nil while unanchored.
func (e *Engine) frame() *geo.Frame {
	return e.frameP.Load()
}

// frameFor returns the projection frame, anchoring it at the sample's
// position on first use when no origin was configured.
func (e *Engine) frameFor(s geo.Sample) *geo.Frame {
	if f := e.frameP.Load(); f != nil {
		return f
	}
	return e.anchorFrame(s.Latitude, s.Longitude, s.AltitudeM)
}

// anchorFrame installs a frame if none is set yet. First caller wins.
func (e *Engine) anchorFrame(lat, lon, altM float64) *geo.Frame {
	f := geo.NewFrame(lat, lon, altM)
	if e.frameP.CompareAndSwap(nil, f) {
		monitoring.Logf("Frame anchored at (%.6f, %.6f, %.1fm)", lat, lon, altM)
		return f
	}
	return e.frameP.Load()
}

// SetFrame anchors the projection frame if it is not anchored yet. Used by
// the composition root when a GPS reference fix arrives after boot.
// Re-anchoring an anchored engine is refused: cells are frame-relative.
func (e *Engine) SetFrame(f *geo.Frame) bool {
	if f == nil {
		return false
	}
	return e.frameP.CompareAndSwap(nil, f)
}

// Frame returns the current projection frame, nil while unanchored.
func (e *Engine) Frame() *geo.Frame {
	return e.frameP.Load()
}

// sweeper periodically expires and purges entities.
func (e *Engine) sweeper(done <-chan struct{}) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.cfg.GetPurgeInterval())
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			res := e.grid.Sweep(e.clock.Now(), e.cfg.GetUserStaleAfter(), e.cfg.GetPurgeGrace())
			if res.Marked > 0 || res.Purged > 0 {
				e.stats.AddPurged(res.Purged)
				diagf("sweep: %d marked expired, %d purged", res.Marked, res.Purged)
			}
		}
	}
}

// statsLogger emits the periodic ops summary.
func (e *Engine) statsLogger(done <-chan struct{}) {
	defer e.wg.Done()
	select {
	case <-done:
		return
	case <-e.clock.After(2 * time.Second):
		e.stats.LogStats()
	}
	ticker := e.clock.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			e.stats.LogStats()
		}
	}
}

// WarmStart replays persisted entities into the index before Start. Rows
// that no longer validate, or that no frame can place, are skipped with an
// ops log line. Returns how many entities were restored.
func (e *Engine) WarmStart(entities []Entity) int {
	restored := 0
	for _, ent := range entities {
		if err := ent.Validate(); err != nil {
			opsf("warm start: skip %s: %v", ent.ID, err)
			continue
		}
		f := e.frame()
		if f == nil {
			f = e.anchorFrame(ent.Latitude, ent.Longitude, ent.AltitudeM)
		}
		// Recompute the projection: the stored frame coordinates may have
		// been cut in a previous run's frame.
		ent.Position.Point = f.Project(ent.Latitude, ent.Longitude, ent.AltitudeM)
		if _, err := e.grid.Upsert(ent); err != nil {
			opsf("warm start: %s: %v", ent.ID, err)
			continue
		}
		restored++
	}
	if restored > 0 {
		monitoring.Logf("Warm start: %d entities restored", restored)
	}
	return restored
}

// Get returns a copy of one indexed entity.
func (e *Engine) Get(entityID string) (Entity, bool) {
	ent, _, ok := e.grid.Get(entityID)
	return ent, ok
}

// Counts returns current index occupancy (users, tags, allocated cells).
func (e *Engine) Counts() (users, tags, cells int) {
	return e.grid.Counts()
}

// Occupancy returns per-cell entity counts for the monitor surface.
func (e *Engine) Occupancy() map[CellID]int {
	return e.grid.Occupancy()
}

// Entities returns a snapshot of all indexed entities.
func (e *Engine) Entities() []Entity {
	return e.grid.Entities()
}

// CellSize returns the grid cell edge in meters.
func (e *Engine) CellSize() float64 {
	return e.grid.CellSize()
}

// StatsTotals returns cumulative counters and the uptime they cover.
func (e *Engine) StatsTotals() (StatsCounts, time.Duration) {
	return e.stats.Totals()
}

// LatencySummary returns query latency quantiles over the rolling window.
func (e *Engine) LatencySummary() monitoring.LatencySummary {
	return e.window.Snapshot()
}
