package db

import (
	"context"
	"testing"
	"time"
)

func TestWriter_FlushesOnStop(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{Journal: true})

	w.Start(context.Background())
	w.RecordUpsert(testEntity("u1", 37.75, -122.41))
	w.RecordRemove("u2", time.Now())
	w.Stop()

	if got := w.Written(); got != 2 {
		t.Errorf("expected 2 written changes, got %d", got)
	}
	ents, err := db.ActiveEntities()
	if err != nil {
		t.Fatalf("ActiveEntities failed: %v", err)
	}
	if len(ents) != 1 || ents[0].ID != "u1" {
		t.Errorf("expected u1 persisted, got %v", ents)
	}
	_, events, err := db.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if events != 2 {
		t.Errorf("expected 2 journal rows, got %d", events)
	}
}

func TestWriter_DropsWhenQueueFull(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{QueueSize: 1})

	// Not started: the queue fills and the overflow is dropped, never
	// blocking the caller.
	w.RecordUpsert(testEntity("kept", 37.75, -122.41))
	w.RecordUpsert(testEntity("dropped", 37.75, -122.41))

	if got := w.Dropped(); got != 1 {
		t.Errorf("expected 1 dropped change, got %d", got)
	}
	if got := w.Pending(); got != 1 {
		t.Errorf("expected 1 pending change, got %d", got)
	}

	w.Start(context.Background())
	w.Stop()

	ents, err := db.ActiveEntities()
	if err != nil {
		t.Fatalf("ActiveEntities failed: %v", err)
	}
	if len(ents) != 1 || ents[0].ID != "kept" {
		t.Errorf("expected only the first change persisted, got %v", ents)
	}
}

func TestWriter_JournalDisabled(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{Journal: false})

	w.Start(context.Background())
	w.RecordUpsert(testEntity("u1", 37.75, -122.41))
	w.Stop()

	entities, events, err := db.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if entities != 1 {
		t.Errorf("expected 1 entity row, got %d", entities)
	}
	if events != 0 {
		t.Errorf("expected no journal rows with journal disabled, got %d", events)
	}
}

func TestWriter_PrunesJournalOnRetention(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{
		Journal:   true,
		Retention: time.Millisecond,
		// PruneInterval left on its default; the test drives prune
		// directly rather than waiting on the ticker.
	})

	// testEntity carries a fixed 2026-03-01 timestamp, far past any
	// millisecond retention window.
	w.Start(context.Background())
	w.RecordUpsert(testEntity("u1", 37.75, -122.41))
	w.Stop()

	_, events, err := db.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if events != 1 {
		t.Fatalf("expected 1 journal row before prune, got %d", events)
	}

	w.prune()

	_, events, err = db.Counts()
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if events != 0 {
		t.Errorf("expected journal pruned, %d rows remain", events)
	}
}

func TestWriter_StartStopIdempotent(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{})

	w.Stop() // never started

	ctx := context.Background()
	w.Start(ctx)
	w.Start(ctx) // second start is a no-op
	w.RecordUpsert(testEntity("u1", 37.75, -122.41))
	w.Stop()
	w.Stop()

	ents, err := db.ActiveEntities()
	if err != nil {
		t.Fatalf("ActiveEntities failed: %v", err)
	}
	if len(ents) != 1 {
		t.Errorf("expected 1 entity, got %d", len(ents))
	}
}

func TestWriter_DefaultQueueSize(t *testing.T) {
	db := openTestDB(t)
	w := NewWriter(db, WriterConfig{})
	if got := cap(w.queue); got != defaultWriterQueue {
		t.Errorf("expected default queue size %d, got %d", defaultWriterQueue, got)
	}
}
