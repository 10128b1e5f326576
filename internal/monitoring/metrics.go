package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the proximity engine. Registered on the default
// registry; /metrics is served by the API layer.

var (
	// IngestSamples counts accepted submissions by ack kind
	// (created, updated, advisory, duplicate).
	IngestSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "ingest",
		Name:      "samples_total",
		Help:      "Accepted position samples by acknowledgment kind",
	}, []string{"ack"})

	// IngestRejects counts rejected submissions by reason
	// (invalid, out_of_order, precision, backpressure).
	IngestRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "ingest",
		Name:      "rejects_total",
		Help:      "Rejected position samples by reason",
	}, []string{"reason"})

	// IngestApplyRaces counts apply-time drops where a newer
	// sample won between admission and the cell lock.
	IngestApplyRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "ingest",
		Name:      "apply_races_total",
		Help:      "Samples dropped at apply time after losing an ordering race",
	})

	// QueryLatency measures end-to-end proximity query latency.
	// Labels: status (ok, degraded). Buckets bracket the 100 ms budget.
	QueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "query",
		Name:      "latency_seconds",
		Help:      "Proximity query latency in seconds",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.15, 0.25, 0.5},
	}, []string{"status"})

	// QueryCandidates tracks how many entities each query examined before
	// the exact-distance filter.
	QueryCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "query",
		Name:      "candidates",
		Help:      "Candidate entities examined per query",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// QueryResults counts completed queries by scan quality.
	QueryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "query",
		Name:      "results_total",
		Help:      "Completed proximity queries by scan quality",
	}, []string{"quality"})

	// QueryRejects counts rejected queries by reason (radius, max_results).
	QueryRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "query",
		Name:      "rejects_total",
		Help:      "Rejected proximity queries by reason",
	}, []string{"reason"})

	// CacheLookups counts cell snapshot lookups by outcome
	// (hit, miss_absent, miss_version, miss_expired, bypass).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Cell snapshot cache lookups by outcome",
	}, []string{"outcome"})

	// CacheErrors counts swallowed cache store failures by operation.
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Cache store failures (absorbed, never caller-visible)",
	}, []string{"op"})

	// CacheSharedLoads counts singleflight loads that were shared with
	// another in-flight miss for the same cell and filter signature.
	CacheSharedLoads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "cache",
		Name:      "shared_loads_total",
		Help:      "Cache misses coalesced into another in-flight load",
	})

	// IndexEntities gauges the live entity population by kind.
	IndexEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "index",
		Name:      "entities",
		Help:      "Entities currently resident in the spatial index",
	}, []string{"kind"})

	// IndexCells gauges the number of materialized grid cells.
	IndexCells = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "proximity",
		Subsystem: "index",
		Name:      "cells",
		Help:      "Materialized spatial cells",
	})

	// IndexMoves counts entity placements by kind (insert, intra_cell,
	// cross_cell, remove, purge).
	IndexMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "index",
		Name:      "moves_total",
		Help:      "Spatial index mutations by kind",
	}, []string{"kind"})

	// IndexLockWait measures write-lock acquisition wait per cell, the
	// practical signal for cell contention.
	IndexLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "proximity",
		Subsystem: "index",
		Name:      "lock_wait_seconds",
		Help:      "Cell write-lock acquisition wait in seconds",
		Buckets:   []float64{0.000001, 0.00001, 0.0001, 0.001, 0.01, 0.1},
	})

	// IndexCorruption counts invariant violations that poisoned a cell.
	IndexCorruption = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "index",
		Name:      "corruption_total",
		Help:      "Cell invariant violations detected (cell poisoned)",
	})

	// PersistWrites counts rows applied by the async persistence writer
	// (upsert, remove).
	PersistWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "persist",
		Name:      "writes_total",
		Help:      "Entity rows written by the persistence writer",
	}, []string{"op"})

	// PersistErrors counts failed persistence writes by operation.
	PersistErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "persist",
		Name:      "errors_total",
		Help:      "Persistence writer failures by operation",
	}, []string{"op"})

	// PersistQueueDrops counts events dropped on a full writer queue.
	PersistQueueDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "persist",
		Name:      "queue_drops_total",
		Help:      "Persistence events dropped because the writer queue was full",
	})

	// PersistPruned counts journal rows removed by retention pruning.
	PersistPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "persist",
		Name:      "pruned_total",
		Help:      "Journal rows removed by retention pruning",
	})

	// APIRequests counts HTTP requests by route and status class.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "API requests by route and status code class",
	}, []string{"route", "class"})

	// APIRateLimited counts requests refused by the per-client limiter.
	APIRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "proximity",
		Subsystem: "api",
		Name:      "rate_limited_total",
		Help:      "Requests refused with 429 by the per-client limiter",
	})
)
