package engine

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearfield-data/proximity.live/internal/geo"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// CellID names one square cell of the spatial grid by its integer column and
// row in the fused frame. The (X, then Y) total order doubles as the lock
// acquisition order for cross-cell moves.
type CellID struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Less reports whether c orders before o (X first, then Y).
func (c CellID) Less(o CellID) bool {
	if c.X != o.X {
		return c.X < o.X
	}
	return c.Y < o.Y
}

// String renders the id as used in cache keys and debug output.
func (c CellID) String() string {
	return fmt.Sprintf("c%d_%d", c.X, c.Y)
}

// ApplyOutcome describes what an index mutation did.
type ApplyOutcome string

const (
	ApplyCreated   ApplyOutcome = "created"   // entity was new
	ApplyUpdated   ApplyOutcome = "updated"   // position advanced (possibly across cells)
	ApplyDuplicate ApplyOutcome = "duplicate" // same timestamp re-sent, no-op
	ApplyStale     ApplyOutcome = "stale"     // older than current position, dropped
	ApplyRejected  ApplyOutcome = "rejected"  // refused (poisoned cell)
)

// gridCell owns one cell's membership. The version increments on every
// mutation and is what cache snapshots validate against. A poisoned cell
// keeps serving reads but refuses all mutations.
type gridCell struct {
	mu       sync.RWMutex
	id       CellID
	members  map[string]*Entity
	version  uint64
	poisoned bool
}

// CellGrid is the sharded spatial index: a map of cells, each with its own
// RWMutex, plus a location table mapping entity id to its current cell. The
// grid-level mutex guards only map shape; all membership access goes through
// per-cell locks. The location table is a leaf lock, safe to take while
// holding cell locks, never the other way around.
type CellGrid struct {
	cellM float64

	mu    sync.RWMutex
	cells map[CellID]*gridCell

	locMu sync.Mutex
	loc   map[string]CellID

	users int64
	tags  int64
}

// NewCellGrid creates an empty grid with the given cell edge in meters.
func NewCellGrid(cellSizeM float64) *CellGrid {
	if cellSizeM <= 0 {
		cellSizeM = 50.0
	}
	return &CellGrid{
		cellM: cellSizeM,
		cells: make(map[CellID]*gridCell),
		loc:   make(map[string]CellID),
	}
}

// CellSize returns the cell edge in meters.
func (g *CellGrid) CellSize() float64 {
	return g.cellM
}

// CellIDFor maps a fused-frame point to its containing cell.
func (g *CellGrid) CellIDFor(p geo.Point) CellID {
	return CellID{
		X: int(math.Floor(p.X / g.cellM)),
		Y: int(math.Floor(p.Y / g.cellM)),
	}
}

// CellBounds returns the frame-coordinate rectangle of a cell.
func (g *CellGrid) CellBounds(id CellID) (minX, minY, maxX, maxY float64) {
	minX = float64(id.X) * g.cellM
	minY = float64(id.Y) * g.cellM
	return minX, minY, minX + g.cellM, minY + g.cellM
}

// cell returns the cell struct for id, allocating it on first use. Cells are
// never removed from the map: an empty cell is a map entry, and keeping it
// means a held *gridCell can never go dangling.
func (g *CellGrid) cell(id CellID) *gridCell {
	g.mu.RLock()
	c := g.cells[id]
	g.mu.RUnlock()
	if c != nil {
		return c
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if c = g.cells[id]; c == nil {
		c = &gridCell{id: id, members: make(map[string]*Entity)}
		g.cells[id] = c
		monitoring.IndexCells.Set(float64(len(g.cells)))
	}
	return c
}

// lookup returns the cell currently on record for the entity.
func (g *CellGrid) location(id string) (CellID, bool) {
	g.locMu.Lock()
	defer g.locMu.Unlock()
	c, ok := g.loc[id]
	return c, ok
}

func (g *CellGrid) setLocation(id string, c CellID) {
	g.locMu.Lock()
	g.loc[id] = c
	g.locMu.Unlock()
}

func (g *CellGrid) clearLocation(id string) {
	g.locMu.Lock()
	delete(g.loc, id)
	g.locMu.Unlock()
}

// poisonLocked marks a cell corrupt. Caller holds the cell's write lock.
func (g *CellGrid) poisonLocked(c *gridCell, reason string) {
	if !c.poisoned {
		c.poisoned = true
		c.version++
		monitoring.IndexCorruption.Inc()
		opsf("ALERT cell %s poisoned: %s", c.id, reason)
	}
}

func (g *CellGrid) countAdd(k EntityKind, delta int64) {
	switch k {
	case KindUser:
		monitoring.IndexEntities.WithLabelValues(string(KindUser)).Set(float64(atomic.AddInt64(&g.users, delta)))
	case KindTag:
		monitoring.IndexEntities.WithLabelValues(string(KindTag)).Set(float64(atomic.AddInt64(&g.tags, delta)))
	}
}

// Counts returns the current entity and cell counts.
func (g *CellGrid) Counts() (users, tags, cells int) {
	g.mu.RLock()
	cells = len(g.cells)
	g.mu.RUnlock()
	return int(atomic.LoadInt64(&g.users)), int(atomic.LoadInt64(&g.tags)), cells
}

// Upsert inserts or advances an entity. The caller supplies a fully built
// record; the grid enforces timestamp monotonicity under the cell lock and
// keeps membership and the location table consistent. Cross-cell moves lock
// both cells in ascending CellID order, so two movers between the same pair
// of cells can never deadlock.
func (g *CellGrid) Upsert(e Entity) (ApplyOutcome, error) {
	target := g.CellIDFor(e.Position.Point)
	for {
		cur, tracked := g.location(e.ID)
		if !tracked || cur == target {
			outcome, retry, err := g.applySingle(e, target, cur, tracked)
			if retry {
				continue
			}
			return outcome, err
		}
		outcome, retry, err := g.applyMove(e, cur, target)
		if retry {
			continue
		}
		return outcome, err
	}
}

// applySingle handles inserts and intra-cell updates. Returns retry=true
// when the location table moved underneath us and the caller must re-resolve.
func (g *CellGrid) applySingle(e Entity, target, cur CellID, tracked bool) (ApplyOutcome, bool, error) {
	c := g.cell(target)
	start := time.Now()
	c.mu.Lock()
	monitoring.IndexLockWait.Observe(time.Since(start).Seconds())
	defer c.mu.Unlock()

	cur2, tracked2 := g.location(e.ID)
	if tracked2 != tracked || (tracked2 && cur2 != cur) {
		return "", true, nil
	}
	if c.poisoned {
		return ApplyRejected, false, fmt.Errorf("cell %s: %w", target, ErrIndexCorruption)
	}

	prev, present := c.members[e.ID]
	if tracked != present {
		// Location table and membership disagree: the tripwire for a
		// corrupted cell.
		g.poisonLocked(c, fmt.Sprintf("entity %s tracked=%t present=%t", e.ID, tracked, present))
		return ApplyRejected, false, fmt.Errorf("cell %s: %w", target, ErrIndexCorruption)
	}

	if present {
		if !e.Position.Timestamp.After(prev.Position.Timestamp) {
			if e.Position.Timestamp.Equal(prev.Position.Timestamp) {
				return ApplyDuplicate, false, nil
			}
			return ApplyStale, false, nil
		}
		stored := e
		c.members[e.ID] = &stored
		c.version++
		monitoring.IndexMoves.WithLabelValues("intra_cell").Inc()
		return ApplyUpdated, false, nil
	}

	stored := e
	c.members[e.ID] = &stored
	c.version++
	g.setLocation(e.ID, target)
	g.countAdd(e.Kind, 1)
	monitoring.IndexMoves.WithLabelValues("insert").Inc()
	return ApplyCreated, false, nil
}

// applyMove handles cross-cell updates under both cell locks.
func (g *CellGrid) applyMove(e Entity, cur, target CellID) (ApplyOutcome, bool, error) {
	src, dst := g.cell(cur), g.cell(target)
	first, second := src, dst
	if target.Less(cur) {
		first, second = dst, src
	}
	start := time.Now()
	first.mu.Lock()
	second.mu.Lock()
	monitoring.IndexLockWait.Observe(time.Since(start).Seconds())
	defer first.mu.Unlock()
	defer second.mu.Unlock()

	cur2, tracked2 := g.location(e.ID)
	if !tracked2 || cur2 != cur {
		return "", true, nil
	}
	if src.poisoned || dst.poisoned {
		return ApplyRejected, false, fmt.Errorf("cell %s->%s: %w", cur, target, ErrIndexCorruption)
	}

	prev, present := src.members[e.ID]
	if !present {
		g.poisonLocked(src, fmt.Sprintf("entity %s tracked here but absent", e.ID))
		return ApplyRejected, false, fmt.Errorf("cell %s: %w", cur, ErrIndexCorruption)
	}
	if !e.Position.Timestamp.After(prev.Position.Timestamp) {
		if e.Position.Timestamp.Equal(prev.Position.Timestamp) {
			return ApplyDuplicate, false, nil
		}
		return ApplyStale, false, nil
	}

	delete(src.members, e.ID)
	src.version++
	stored := e
	dst.members[e.ID] = &stored
	dst.version++
	g.setLocation(e.ID, target)
	monitoring.IndexMoves.WithLabelValues("cross_cell").Inc()
	return ApplyUpdated, false, nil
}

// Remove deletes an entity from the index. Removing an unknown entity is a
// no-op reporting false.
func (g *CellGrid) Remove(id string) (bool, error) {
	for {
		cur, tracked := g.location(id)
		if !tracked {
			return false, nil
		}
		c := g.cell(cur)
		start := time.Now()
		c.mu.Lock()
		monitoring.IndexLockWait.Observe(time.Since(start).Seconds())

		cur2, tracked2 := g.location(id)
		if !tracked2 || cur2 != cur {
			c.mu.Unlock()
			continue
		}
		if c.poisoned {
			c.mu.Unlock()
			return false, fmt.Errorf("cell %s: %w", cur, ErrIndexCorruption)
		}
		prev, present := c.members[id]
		if !present {
			g.poisonLocked(c, fmt.Sprintf("entity %s tracked here but absent", id))
			c.mu.Unlock()
			return false, fmt.Errorf("cell %s: %w", cur, ErrIndexCorruption)
		}
		delete(c.members, id)
		c.version++
		g.clearLocation(id)
		g.countAdd(prev.Kind, -1)
		c.mu.Unlock()
		monitoring.IndexMoves.WithLabelValues("remove").Inc()
		return true, nil
	}
}

// Get returns a copy of the entity and its current cell.
func (g *CellGrid) Get(id string) (Entity, CellID, bool) {
	for {
		cur, tracked := g.location(id)
		if !tracked {
			return Entity{}, CellID{}, false
		}
		c := g.cell(cur)
		c.mu.RLock()
		ent, present := c.members[id]
		if !present {
			c.mu.RUnlock()
			// Moved between the location read and the cell lock; re-resolve.
			if cur2, tracked2 := g.location(id); tracked2 && cur2 != cur {
				continue
			}
			return Entity{}, CellID{}, false
		}
		copied := *ent
		c.mu.RUnlock()
		return copied, cur, true
	}
}

// EntitiesIn returns a value-copy snapshot of a cell's members together with
// the cell version the snapshot was taken at. Reads work on poisoned cells.
func (g *CellGrid) EntitiesIn(id CellID) ([]Entity, uint64, bool) {
	g.mu.RLock()
	c := g.cells[id]
	g.mu.RUnlock()
	if c == nil {
		return nil, 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entity, 0, len(c.members))
	for _, ent := range c.members {
		out = append(out, *ent)
	}
	return out, c.version, true
}

// Version returns a cell's current version without copying members.
func (g *CellGrid) Version(id CellID) (uint64, bool) {
	g.mu.RLock()
	c := g.cells[id]
	g.mu.RUnlock()
	if c == nil {
		return 0, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version, true
}

// Poisoned reports whether a cell has been marked corrupt.
func (g *CellGrid) Poisoned(id CellID) bool {
	g.mu.RLock()
	c := g.cells[id]
	g.mu.RUnlock()
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.poisoned
}

// Poison marks a cell corrupt by hand. Exposed for integrity tooling and
// failure-path tests; normal operation poisons through the tripwire.
func (g *CellGrid) Poison(id CellID) {
	c := g.cell(id)
	c.mu.Lock()
	g.poisonLocked(c, "poisoned by operator")
	c.mu.Unlock()
}

// CellsWithinRadius returns the allocated cells whose area intersects the
// circle, in ascending CellID order. Horizontal geometry only: cells are
// columns, altitude never changes cell membership.
func (g *CellGrid) CellsWithinRadius(center geo.Point, radiusM float64) []CellID {
	if radiusM < 0 {
		return nil
	}
	x0 := int(math.Floor((center.X - radiusM) / g.cellM))
	x1 := int(math.Floor((center.X + radiusM) / g.cellM))
	y0 := int(math.Floor((center.Y - radiusM) / g.cellM))
	y1 := int(math.Floor((center.Y + radiusM) / g.cellM))

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []CellID
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			id := CellID{X: x, Y: y}
			if _, ok := g.cells[id]; !ok {
				continue
			}
			if g.cellIntersects(id, center, radiusM) {
				out = append(out, id)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// cellIntersects checks the circle against the cell rectangle by clamping
// the center onto the rectangle and comparing the residual distance.
func (g *CellGrid) cellIntersects(id CellID, center geo.Point, radiusM float64) bool {
	minX, minY, maxX, maxY := g.CellBounds(id)
	dx := center.X - math.Max(minX, math.Min(center.X, maxX))
	dy := center.Y - math.Max(minY, math.Min(center.Y, maxY))
	return dx*dx+dy*dy <= radiusM*radiusM
}

// SweepStats reports what a purge pass did.
type SweepStats struct {
	Marked int // flipped to expired this pass
	Purged int // removed from the index
}

// Sweep walks every cell once: entities past expiry or staleness are marked
// expired, and entities past the grace window beyond that are removed.
// Each cell's membership is re-checked against its computed cell on the way
// through, so drift gets caught here even if no mutation ever trips on it.
// Poisoned cells are skipped: mutations on them are refused, sweeps included.
func (g *CellGrid) Sweep(now time.Time, userStaleAfter, grace time.Duration) SweepStats {
	var stats SweepStats
	for _, c := range g.cellList() {
		c.mu.Lock()
		if c.poisoned {
			c.mu.Unlock()
			continue
		}
		for id, ent := range c.members {
			if g.CellIDFor(ent.Position.Point) != c.id {
				g.poisonLocked(c, fmt.Sprintf("entity %s belongs in %s", id, g.CellIDFor(ent.Position.Point)))
				break
			}
			expired := ent.Expired(now) || ent.Stale(now, userStaleAfter)
			if !expired {
				continue
			}
			deadline := ent.ExpiresAt
			if deadline.IsZero() || ent.Stale(now, userStaleAfter) {
				deadline = ent.UpdatedAt.Add(userStaleAfter)
				if !ent.ExpiresAt.IsZero() && ent.ExpiresAt.Before(deadline) {
					deadline = ent.ExpiresAt
				}
			}
			if now.After(deadline.Add(grace)) {
				delete(c.members, id)
				c.version++
				g.clearLocation(id)
				g.countAdd(ent.Kind, -1)
				monitoring.IndexMoves.WithLabelValues("purge").Inc()
				stats.Purged++
				continue
			}
			if ent.Status == StatusActive {
				ent.Status = StatusExpired
				c.version++
				stats.Marked++
			}
		}
		c.mu.Unlock()
	}
	return stats
}

// Occupancy returns per-cell entity counts for display surfaces.
func (g *CellGrid) Occupancy() map[CellID]int {
	out := make(map[CellID]int)
	for _, c := range g.cellList() {
		c.mu.RLock()
		if n := len(c.members); n > 0 {
			out[c.id] = n
		}
		c.mu.RUnlock()
	}
	return out
}

// Entities returns a value-copy snapshot of every indexed entity.
func (g *CellGrid) Entities() []Entity {
	var out []Entity
	for _, c := range g.cellList() {
		c.mu.RLock()
		for _, ent := range c.members {
			out = append(out, *ent)
		}
		c.mu.RUnlock()
	}
	return out
}

func (g *CellGrid) cellList() []*gridCell {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*gridCell, 0, len(g.cells))
	for _, c := range g.cells {
		out = append(out, c)
	}
	return out
}
