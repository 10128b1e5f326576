package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/monitoring"
)

const (
	defaultWriterQueue = 512
	defaultPruneEvery  = 10 * time.Minute
	dropLogEvery       = 1000
)

// persistOp is one queued index change.
type persistOp struct {
	remove bool
	ent    engine.Entity
	id     string
	at     time.Time
}

// WriterConfig sizes the async persistence writer.
type WriterConfig struct {
	QueueSize     int           // 0: defaultWriterQueue
	Journal       bool          // also append entity_events rows
	Retention     time.Duration // journal retention; 0 disables pruning
	PruneInterval time.Duration // 0: defaultPruneEvery
}

// Writer applies index changes to SQLite off the ingest path. RecordUpsert
// and RecordRemove never block: when the queue is full the change is dropped
// and counted, and the entity row catches up on the next accepted sample.
type Writer struct {
	db      *DB
	journal bool
	queue   chan persistOp
	dropped atomic.Int64
	written atomic.Int64

	retention  time.Duration
	pruneEvery time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewWriter builds a writer over an open database. Call Start to begin
// draining.
func NewWriter(database *DB, cfg WriterConfig) *Writer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultWriterQueue
	}
	pruneEvery := cfg.PruneInterval
	if pruneEvery <= 0 {
		pruneEvery = defaultPruneEvery
	}
	return &Writer{
		db:         database,
		journal:    cfg.Journal,
		queue:      make(chan persistOp, queueSize),
		retention:  cfg.Retention,
		pruneEvery: pruneEvery,
	}
}

// Start launches the drain goroutine. It runs until ctx is cancelled or
// Stop is called; whatever is queued at shutdown is flushed first.
func (w *Writer) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop flushes queued writes and waits for the drain goroutine. Safe to
// call more than once.
func (w *Writer) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// RecordUpsert queues one entity state for persistence. Never blocks.
func (w *Writer) RecordUpsert(ent engine.Entity) {
	w.enqueue(persistOp{ent: ent, id: ent.ID})
}

// RecordRemove queues one entity removal for persistence. Never blocks.
func (w *Writer) RecordRemove(entityID string, at time.Time) {
	w.enqueue(persistOp{remove: true, id: entityID, at: at})
}

func (w *Writer) enqueue(op persistOp) {
	select {
	case w.queue <- op:
	default:
		monitoring.PersistQueueDrops.Inc()
		if n := w.dropped.Add(1); n%dropLogEvery == 1 {
			opsf("persist queue full: %d changes dropped so far (disk not keeping up?)", n)
		}
	}
}

// Dropped returns how many changes were lost to a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Written returns how many changes reached the database.
func (w *Writer) Written() int64 { return w.written.Load() }

// Pending returns the current queue depth.
func (w *Writer) Pending() int { return len(w.queue) }

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		case <-ticker.C:
			w.prune()
		case <-ctx.Done():
			w.drainRemaining()
			return
		}
	}
}

// drainRemaining flushes whatever is queued at shutdown.
func (w *Writer) drainRemaining() {
	for {
		select {
		case op := <-w.queue:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *Writer) apply(op persistOp) {
	if op.remove {
		if err := w.db.DeleteEntity(op.id); err != nil {
			monitoring.PersistErrors.WithLabelValues("remove").Inc()
			opsf("remove %s: %v", op.id, err)
			return
		}
		monitoring.PersistWrites.WithLabelValues("remove").Inc()
		w.written.Add(1)
		if w.journal {
			w.appendEvent(EntityEvent{EntityID: op.id, Event: "remove", RecordedAt: op.at})
		}
		return
	}
	if err := w.db.UpsertEntity(op.ent); err != nil {
		monitoring.PersistErrors.WithLabelValues("upsert").Inc()
		opsf("upsert %s: %v", op.ent.ID, err)
		return
	}
	monitoring.PersistWrites.WithLabelValues("upsert").Inc()
	w.written.Add(1)
	if w.journal {
		w.appendEvent(EntityEvent{
			EntityID:   op.ent.ID,
			Event:      "upsert",
			Kind:       op.ent.Kind,
			Latitude:   op.ent.Latitude,
			Longitude:  op.ent.Longitude,
			AltitudeM:  op.ent.AltitudeM,
			Grade:      op.ent.Position.Grade,
			RecordedAt: op.ent.UpdatedAt,
		})
	}
}

func (w *Writer) appendEvent(ev EntityEvent) {
	if err := w.db.AppendEvent(ev); err != nil {
		monitoring.PersistErrors.WithLabelValues("journal").Inc()
		opsf("journal %s %s: %v", ev.Event, ev.EntityID, err)
	}
}

func (w *Writer) prune() {
	if !w.journal || w.retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-w.retention)
	gone, err := w.db.PruneEvents(cutoff)
	if err != nil {
		monitoring.PersistErrors.WithLabelValues("prune").Inc()
		opsf("prune events: %v", err)
		return
	}
	if gone > 0 {
		monitoring.PersistPruned.Add(float64(gone))
		diagf("pruned %d journal rows older than %v", gone, w.retention)
	}
}
