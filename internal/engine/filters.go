package engine

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/nearfield-data/proximity.live/internal/geo"
)

// Filter is the closed set of query predicates, combined by AND. Empty kind
// and status lists mean "active entities of any kind". The variants split
// into two groups: candidate predicates (kinds, statuses, lidar grade,
// querier level) decide whether an entity belongs in a cell's candidate
// snapshot at all, while match predicates (minimum confidence, excluded id)
// depend on the query center or the caller and are applied at scoring time.
type Filter struct {
	Kinds             []EntityKind
	Statuses          []EntityStatus
	RequireLiDARGrade bool
	MinConfidence     float64
	QuerierLevel      Visibility
	ExcludeID         string
}

// Normalize returns a canonical copy: lists deduplicated and sorted, querier
// level defaulted to public, confidence clamped to [0, 1]. All engine
// entrypoints normalize before use so equal filters compare equal.
func (f Filter) Normalize() Filter {
	f.Kinds = dedupeSorted(f.Kinds)
	f.Statuses = dedupeSorted(f.Statuses)
	if f.QuerierLevel == "" {
		f.QuerierLevel = VisibilityPublic
	}
	if f.MinConfidence < 0 {
		f.MinConfidence = 0
	}
	if f.MinConfidence > 1 {
		f.MinConfidence = 1
	}
	return f
}

// Validate rejects unknown kind, status or level names. Call on normalized
// filters built from external input.
func (f Filter) Validate() error {
	for _, k := range f.Kinds {
		if !k.Valid() {
			return fmt.Errorf("unknown entity kind %q", k)
		}
	}
	for _, s := range f.Statuses {
		if !s.Valid() {
			return fmt.Errorf("unknown status %q", s)
		}
	}
	if !f.QuerierLevel.Valid() {
		return fmt.Errorf("unknown querier level %q", f.QuerierLevel)
	}
	return nil
}

// matchesCandidate applies the candidate predicates. These are independent
// of the query center, which is what makes per-cell snapshots cacheable
// under the filter signature.
func (f Filter) matchesCandidate(e *Entity) bool {
	if len(f.Statuses) == 0 {
		if e.Status != StatusActive {
			return false
		}
	} else if !containsStatus(f.Statuses, e.Status) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, e.Kind) {
		return false
	}
	if f.RequireLiDARGrade && e.Position.Grade != geo.GradeLiDAR {
		return false
	}
	return f.QuerierLevel.Sees(e.Visibility)
}

// canonical renders the candidate predicates in a stable form. Match
// predicates are deliberately absent: two queries differing only in center,
// excluded id or confidence floor share cached snapshots.
func (f Filter) canonical() string {
	var b strings.Builder
	b.WriteString("kinds=")
	for i, k := range f.Kinds {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(k))
	}
	b.WriteString(";statuses=")
	for i, s := range f.Statuses {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(string(s))
	}
	fmt.Fprintf(&b, ";lidar=%t;level=%s", f.RequireLiDARGrade, f.QuerierLevel)
	return b.String()
}

// Signature returns the FNV-1a hash of the canonical candidate predicates,
// used as the cache key component alongside the cell id.
func (f Filter) Signature() uint64 {
	h := fnv.New64a()
	h.Write([]byte(f.canonical()))
	return h.Sum64()
}

// String renders the full filter for logs, match predicates included.
func (f Filter) String() string {
	s := f.canonical()
	if f.MinConfidence > 0 {
		s += fmt.Sprintf(";minconf=%.2f", f.MinConfidence)
	}
	if f.ExcludeID != "" {
		s += ";exclude=" + f.ExcludeID
	}
	return s
}

func dedupeSorted[T ~string](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[T]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsKind(kinds []EntityKind, k EntityKind) bool {
	for _, c := range kinds {
		if c == k {
			return true
		}
	}
	return false
}

func containsStatus(statuses []EntityStatus, s EntityStatus) bool {
	for _, c := range statuses {
		if c == s {
			return true
		}
	}
	return false
}
