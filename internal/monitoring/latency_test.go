package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatencyWindowEmpty(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow(64)
	s := w.Snapshot()
	assert.Equal(t, 0, s.Count)
	assert.Zero(t, s.P50Ms)
	assert.Zero(t, s.MaxMs)
}

func TestLatencyWindowQuantiles(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow(128)
	// 1ms..100ms, uniformly.
	for i := 1; i <= 100; i++ {
		w.Add(time.Duration(i) * time.Millisecond)
	}

	s := w.Snapshot()
	assert.Equal(t, 100, s.Count)
	assert.InDelta(t, 50, s.P50Ms, 2)
	assert.InDelta(t, 95, s.P95Ms, 2)
	assert.InDelta(t, 100, s.MaxMs, 0.001)
	assert.GreaterOrEqual(t, s.P99Ms, s.P95Ms)
	assert.GreaterOrEqual(t, s.P95Ms, s.P50Ms)
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow(16)
	// First fill with slow samples, then overwrite with fast ones; the
	// slow ones must age out entirely.
	for i := 0; i < 16; i++ {
		w.Add(time.Second)
	}
	for i := 0; i < 16; i++ {
		w.Add(time.Millisecond)
	}

	s := w.Snapshot()
	assert.Equal(t, 16, s.Count)
	assert.InDelta(t, 1.0, s.MaxMs, 0.001)
}

func TestLatencyWindowMinimumSize(t *testing.T) {
	t.Parallel()

	w := NewLatencyWindow(1)
	for i := 0; i < 20; i++ {
		w.Add(time.Millisecond)
	}
	assert.Equal(t, 16, w.Snapshot().Count)
}
