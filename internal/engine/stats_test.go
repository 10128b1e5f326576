package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEngineStats_DeltaAndTotals(t *testing.T) {
	t.Parallel()
	s := NewEngineStats()
	s.AddSubmit()
	s.AddSubmit()
	s.AddAccepted(AckCreated)
	s.AddAccepted(AckDuplicate)
	s.AddApplied()
	s.AddQuery(3, false)
	s.AddQuery(0, true)
	s.AddCacheHit()
	s.AddCacheMiss()
	s.AddPurged(2)

	delta, interval := s.GetAndReset()
	assert.Equal(t, int64(2), delta.Submitted)
	assert.Equal(t, int64(2), delta.Accepted)
	assert.Equal(t, int64(1), delta.Duplicates)
	assert.Equal(t, int64(1), delta.Applied)
	assert.Equal(t, int64(2), delta.Queries)
	assert.Equal(t, int64(3), delta.Matches)
	assert.Equal(t, int64(1), delta.Degraded)
	assert.Equal(t, int64(1), delta.CacheHits)
	assert.Equal(t, int64(1), delta.CacheMiss)
	assert.Equal(t, int64(2), delta.Purged)
	assert.GreaterOrEqual(t, interval, time.Duration(0))

	// Nothing happened since: the next delta is all zeros.
	delta, _ = s.GetAndReset()
	assert.Equal(t, StatsCounts{}, delta)

	// Totals never reset.
	s.AddQuery(1, false)
	totals, uptime := s.Totals()
	assert.Equal(t, int64(2), totals.Submitted)
	assert.Equal(t, int64(3), totals.Queries)
	assert.Equal(t, int64(4), totals.Matches)
	assert.GreaterOrEqual(t, uptime, time.Duration(0))

	delta, _ = s.GetAndReset()
	assert.Equal(t, int64(1), delta.Queries)
	assert.Equal(t, int64(0), delta.Submitted)
}

func TestEngineStats_RejectAccounting(t *testing.T) {
	t.Parallel()
	s := NewEngineStats()
	s.AddRejected()
	s.AddQueueDrop()
	s.AddRaceDrop()

	totals, _ := s.Totals()
	assert.Equal(t, int64(2), totals.Rejected, "a queue drop is also a reject")
	assert.Equal(t, int64(1), totals.QueueDrops)
	assert.Equal(t, int64(1), totals.RaceDrops)
}

func TestFormatWithCommas(t *testing.T) {
	t.Parallel()
	cases := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{12345, "12,345"},
		{1234567, "1,234,567"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatWithCommas(tc.n))
	}
}
