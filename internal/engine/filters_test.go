package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nearfield-data/proximity.live/internal/geo"
)

func TestFilter_Normalize(t *testing.T) {
	t.Parallel()

	f := Filter{
		Kinds:         []EntityKind{KindUser, KindTag, KindUser},
		Statuses:      []EntityStatus{StatusHidden, StatusActive, StatusHidden},
		MinConfidence: 1.5,
	}.Normalize()

	assert.Equal(t, []EntityKind{KindTag, KindUser}, f.Kinds)
	assert.Equal(t, []EntityStatus{StatusActive, StatusHidden}, f.Statuses)
	assert.Equal(t, VisibilityPublic, f.QuerierLevel)
	assert.Equal(t, 1.0, f.MinConfidence)

	f = Filter{MinConfidence: -0.5}.Normalize()
	assert.Equal(t, 0.0, f.MinConfidence)
	assert.Empty(t, f.Kinds)
}

func TestFilter_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Filter{}.Normalize().Validate())
	require.NoError(t, Filter{
		Kinds:        []EntityKind{KindTag},
		Statuses:     []EntityStatus{StatusExpired},
		QuerierLevel: VisibilityElite,
	}.Normalize().Validate())

	assert.Error(t, Filter{Kinds: []EntityKind{"drone"}}.Normalize().Validate())
	assert.Error(t, Filter{Statuses: []EntityStatus{"paused"}}.Normalize().Validate())
	assert.Error(t, Filter{QuerierLevel: "vip"}.Validate())
}

func TestFilter_Signature(t *testing.T) {
	t.Parallel()

	base := Filter{Kinds: []EntityKind{KindUser}}.Normalize()

	// Candidate predicates change the signature.
	assert.NotEqual(t, base.Signature(), Filter{Kinds: []EntityKind{KindTag}}.Normalize().Signature())
	assert.NotEqual(t, base.Signature(), Filter{Kinds: []EntityKind{KindUser}, RequireLiDARGrade: true}.Normalize().Signature())
	assert.NotEqual(t, base.Signature(), Filter{Kinds: []EntityKind{KindUser}, QuerierLevel: VisibilityElite}.Normalize().Signature())
	assert.NotEqual(t, base.Signature(), Filter{Kinds: []EntityKind{KindUser}, Statuses: []EntityStatus{StatusHidden}}.Normalize().Signature())

	// Scoring-time predicates do not: they depend on the query center or the
	// caller, so cached cell snapshots must be shared across them.
	withConf := Filter{Kinds: []EntityKind{KindUser}, MinConfidence: 0.8}.Normalize()
	assert.Equal(t, base.Signature(), withConf.Signature())
	withExclude := Filter{Kinds: []EntityKind{KindUser}, ExcludeID: "me"}.Normalize()
	assert.Equal(t, base.Signature(), withExclude.Signature())

	// List order does not matter after normalization.
	ab := Filter{Kinds: []EntityKind{KindUser, KindTag}}.Normalize()
	ba := Filter{Kinds: []EntityKind{KindTag, KindUser}}.Normalize()
	assert.Equal(t, ab.Signature(), ba.Signature())
}

func TestFilter_MatchesCandidate(t *testing.T) {
	t.Parallel()

	active := &Entity{ID: "a", Kind: KindUser, Status: StatusActive, Visibility: VisibilityPublic}
	hidden := &Entity{ID: "h", Kind: KindUser, Status: StatusHidden, Visibility: VisibilityPublic}
	expired := &Entity{ID: "e", Kind: KindTag, Status: StatusExpired, Visibility: VisibilityPublic}
	elite := &Entity{ID: "x", Kind: KindUser, Status: StatusActive, Visibility: VisibilityElite}

	// Default filter: active entities of any kind, public view.
	def := Filter{}.Normalize()
	assert.True(t, def.matchesCandidate(active))
	assert.False(t, def.matchesCandidate(hidden))
	assert.False(t, def.matchesCandidate(expired))
	assert.False(t, def.matchesCandidate(elite), "elite entities hide from public queriers")

	// An elite querier sees both levels.
	eliteView := Filter{QuerierLevel: VisibilityElite}.Normalize()
	assert.True(t, eliteView.matchesCandidate(active))
	assert.True(t, eliteView.matchesCandidate(elite))

	// Explicit status list overrides the active-only default.
	hiddenToo := Filter{Statuses: []EntityStatus{StatusActive, StatusHidden}}.Normalize()
	assert.True(t, hiddenToo.matchesCandidate(active))
	assert.True(t, hiddenToo.matchesCandidate(hidden))
	assert.False(t, hiddenToo.matchesCandidate(expired))

	// Kind restriction.
	tagsOnly := Filter{Kinds: []EntityKind{KindTag}, Statuses: []EntityStatus{StatusExpired}}.Normalize()
	assert.True(t, tagsOnly.matchesCandidate(expired))
	assert.False(t, tagsOnly.matchesCandidate(active))

	// Grade restriction keys off the fused position, not the source claim.
	lidarOnly := Filter{RequireLiDARGrade: true}.Normalize()
	assert.False(t, lidarOnly.matchesCandidate(active))
	graded := *active
	graded.Position.Grade = geo.GradeLiDAR
	assert.True(t, lidarOnly.matchesCandidate(&graded))
}
