package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// LatencyWindow keeps the most recent N query latencies in a ring and
// summarizes them on demand. It complements the Prometheus histogram with
// exact short-horizon quantiles for /api/v1/stats and the ops log.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []float64 // seconds
	next    int
	filled  bool
}

// LatencySummary is a point-in-time digest of the window.
type LatencySummary struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
	MaxMs float64 `json:"max_ms"`
}

// NewLatencyWindow creates a window holding the last size samples.
// Sizes below 16 are raised to 16.
func NewLatencyWindow(size int) *LatencyWindow {
	if size < 16 {
		size = 16
	}
	return &LatencyWindow{samples: make([]float64, size)}
}

// Add records one latency observation.
func (w *LatencyWindow) Add(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = d.Seconds()
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

// Snapshot computes quantiles over the current window contents. An empty
// window returns a zero summary.
func (w *LatencyWindow) Snapshot() LatencySummary {
	w.mu.Lock()
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	data := make([]float64, n)
	copy(data, w.samples[:n])
	w.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}

	sort.Float64s(data)
	return LatencySummary{
		Count: n,
		P50Ms: stat.Quantile(0.50, stat.Empirical, data, nil) * 1000,
		P95Ms: stat.Quantile(0.95, stat.Empirical, data, nil) * 1000,
		P99Ms: stat.Quantile(0.99, stat.Empirical, data, nil) * 1000,
		MaxMs: data[n-1] * 1000,
	}
}
