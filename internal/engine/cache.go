package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nearfield-data/proximity.live/internal/cache"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

// snapshotEnvelope is the stored form of one cell's filtered candidates,
// stamped with the cell version the snapshot was cut at.
type snapshotEnvelope struct {
	Version  uint64   `json:"version"`
	Entities []Entity `json:"entities"`
}

// snapshotCache is the read-through cache between the query engine and the
// index. The cached unit is deliberately the per-cell candidate snapshot,
// never a result list: snapshots are independent of the query center, so one
// entry serves every query touching the cell with the same filter signature.
// Distances, ordering and confidence are always computed fresh.
type snapshotCache struct {
	store  cache.Store
	ttl    time.Duration
	grid   *CellGrid
	stats  *EngineStats
	flight singleflight.Group
}

func newSnapshotCache(store cache.Store, ttl time.Duration, grid *CellGrid, stats *EngineStats) *snapshotCache {
	return &snapshotCache{store: store, ttl: ttl, grid: grid, stats: stats}
}

func snapshotKey(id CellID, f Filter) string {
	return fmt.Sprintf("%s/%016x", id, f.Signature())
}

// candidatesFor returns the cell's candidate snapshot for the filter,
// serving from the store when the stored version still matches the cell.
// Store failures are swallowed: logged, counted, and answered by a direct
// index scan. The second return reports whether the store served the hit.
func (sc *snapshotCache) candidatesFor(id CellID, f Filter) ([]Entity, bool) {
	version, ok := sc.grid.Version(id)
	if !ok {
		return nil, false
	}
	key := snapshotKey(id, f)

	raw, found, err := sc.store.Get(key)
	if err != nil {
		monitoring.CacheErrors.WithLabelValues("get").Inc()
		monitoring.CacheLookups.WithLabelValues("bypass").Inc()
		opsf("cache get %s: %v (%v)", key, err, ErrCacheUnavailable)
		return sc.load(id, f), false
	}
	if found {
		var env snapshotEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			monitoring.CacheErrors.WithLabelValues("decode").Inc()
			sc.discard(key)
		} else if env.Version == version {
			monitoring.CacheLookups.WithLabelValues("hit").Inc()
			sc.stats.AddCacheHit()
			return env.Entities, true
		} else {
			monitoring.CacheLookups.WithLabelValues("miss_version").Inc()
			sc.discard(key)
		}
	} else {
		monitoring.CacheLookups.WithLabelValues("miss_absent").Inc()
	}

	sc.stats.AddCacheMiss()
	return sc.load(id, f), false
}

// load recomputes the snapshot, collapsing concurrent misses for the same
// key into a single index scan. The stored version is read fresh under the
// cell lock so the envelope can never stamp a version it did not see.
func (sc *snapshotCache) load(id CellID, f Filter) []Entity {
	v, _, shared := sc.flight.Do(snapshotKey(id, f), func() (interface{}, error) {
		ents, ver, ok := sc.grid.EntitiesIn(id)
		env := snapshotEnvelope{Version: ver}
		if ok {
			env.Entities = make([]Entity, 0, len(ents))
			for i := range ents {
				if f.matchesCandidate(&ents[i]) {
					env.Entities = append(env.Entities, ents[i])
				}
			}
			sort.Slice(env.Entities, func(i, j int) bool {
				return env.Entities[i].ID < env.Entities[j].ID
			})
		}
		if raw, err := json.Marshal(env); err == nil {
			if err := sc.store.Set(snapshotKey(id, f), raw, sc.ttl); err != nil {
				monitoring.CacheErrors.WithLabelValues("set").Inc()
				opsf("cache set %s: %v (%v)", snapshotKey(id, f), err, ErrCacheUnavailable)
			}
		}
		return env, nil
	})
	if shared {
		monitoring.CacheSharedLoads.Inc()
	}
	env := v.(snapshotEnvelope)
	return env.Entities
}

func (sc *snapshotCache) discard(key string) {
	if err := sc.store.Delete(key); err != nil {
		monitoring.CacheErrors.WithLabelValues("delete").Inc()
	}
}
