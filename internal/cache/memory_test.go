package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	require.NoError(t, m.Set("a", []byte("one"), 0))
	got, ok, err := m.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), got)

	_, ok, err = m.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryOverwrite(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	require.NoError(t, m.Set("k", []byte("v1"), 0))
	require.NoError(t, m.Set("k", []byte("v2"), 0))
	got, ok, _ := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), got)
}

func TestMemoryTTLExpiry(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set("k", []byte("v"), 5*time.Second))

	_, ok, _ := m.Get("k")
	assert.True(t, ok, "entry should be live before the TTL")

	now = base.Add(6 * time.Second)
	_, ok, _ = m.Get("k")
	assert.False(t, ok, "entry should have lapsed")
	assert.Equal(t, 0, m.Len(), "lazy expiry should drop the touched entry")
}

func TestMemoryNoTTLNeverExpires(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set("k", []byte("v"), 0))
	now = now.Add(24 * time.Hour)
	_, ok, _ := m.Get("k")
	assert.True(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()
	m := NewMemory()

	require.NoError(t, m.Set("k", []byte("v"), 0))
	require.NoError(t, m.Delete("k"))
	_, ok, _ := m.Get("k")
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	require.NoError(t, m.Delete("k"))
}
