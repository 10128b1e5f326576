package engine

import (
	"fmt"
	"time"

	"github.com/nearfield-data/proximity.live/internal/geo"
)

// EntityKind distinguishes live participants from fixed anchors.
type EntityKind string

const (
	// KindUser is a moving participant whose position decays: users go
	// logically stale when not refreshed within the staleness window.
	KindUser EntityKind = "user"
	// KindTag is a placed anchor. Tags require LiDAR-grade placement and
	// expire at their expiry deadline (default 24h after creation).
	KindTag EntityKind = "tag"
)

func (k EntityKind) Valid() bool {
	switch k {
	case KindUser, KindTag:
		return true
	}
	return false
}

// EntityStatus is the lifecycle state of an entity in the index.
type EntityStatus string

const (
	StatusActive  EntityStatus = "active"  // discoverable
	StatusHidden  EntityStatus = "hidden"  // present but never matched
	StatusExpired EntityStatus = "expired" // past expiry/staleness, awaiting purge
	StatusDeleted EntityStatus = "deleted" // removed by owner
)

func (s EntityStatus) Valid() bool {
	switch s {
	case StatusActive, StatusHidden, StatusExpired, StatusDeleted:
		return true
	}
	return false
}

// Visibility is the audience an entity exposes itself to.
type Visibility string

const (
	VisibilityPublic Visibility = "public" // anyone may discover
	VisibilityElite  Visibility = "elite"  // only elite-level queriers
)

func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityElite:
		return true
	}
	return false
}

// Sees reports whether a querier at level v may discover an entity at level w.
func (v Visibility) Sees(w Visibility) bool {
	return w == VisibilityPublic || v == VisibilityElite
}

// Visibility radius bounds. The lower bound keeps radii above sensor noise;
// the upper bound keeps any legal query inside a 3x3 cell neighborhood.
const (
	MinVisibilityRadiusM     = 0.5
	MaxVisibilityRadiusM     = 50.0
	DefaultVisibilityRadiusM = 10.0
)

// Entity is one indexed participant or anchor. The geodetic position is the
// source of truth for persistence and display; the fused frame position
// drives all cell assignment and distance math.
type Entity struct {
	ID         string         `json:"entity_id"`
	Kind       EntityKind     `json:"kind"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	AltitudeM  float64        `json:"altitude_m"`
	Position   geo.FusedPoint `json:"position"`
	RadiusM    float64        `json:"visibility_radius_m"`
	Status     EntityStatus   `json:"status"`
	Visibility Visibility     `json:"visibility"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"last_updated_at"`
	ExpiresAt  time.Time      `json:"expires_at,omitzero"`
}

// Validate reports the first structural problem with the entity record.
func (e Entity) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("entity id missing")
	case !e.Kind.Valid():
		return fmt.Errorf("unknown entity kind %q", e.Kind)
	case e.RadiusM < MinVisibilityRadiusM || e.RadiusM > MaxVisibilityRadiusM:
		return fmt.Errorf("visibility radius %v out of range [%v, %v]",
			e.RadiusM, MinVisibilityRadiusM, MaxVisibilityRadiusM)
	case !e.Status.Valid():
		return fmt.Errorf("unknown status %q", e.Status)
	case !e.Visibility.Valid():
		return fmt.Errorf("unknown visibility %q", e.Visibility)
	}
	return nil
}

// Expired reports whether the entity's expiry deadline has passed.
func (e Entity) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Stale reports whether a user entity has gone unrefreshed beyond the
// staleness window. Tags never go stale; they expire.
func (e Entity) Stale(now time.Time, window time.Duration) bool {
	return e.Kind == KindUser && window > 0 && now.Sub(e.UpdatedAt) > window
}
