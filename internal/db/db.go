// Package db persists the engine's entity population in SQLite: a
// current-state table replayed into the index on warm start, and an
// append-only event journal pruned on a retention window. Engine-path
// writes go through the async Writer so ingest latency never includes a
// disk sync; the synchronous methods serve startup, admin surfaces and
// tests.
package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nearfield-data/proximity.live/internal/engine"
	"github.com/nearfield-data/proximity.live/internal/geo"
)

// DB wraps the SQLite handle with the proximity schema.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and ensures the
// baseline schema.
func Open(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// OpenDB opens the database without touching the schema, for the migrate
// subcommand where migrations manage it. WAL keeps readers off the
// writer's back; the busy timeout covers the admin console querying
// mid-write. Pragmas ride the DSN so every pooled connection gets them.
func OpenDB(path string) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{DB: sqldb, path: path}, nil
}

// Path returns the filesystem path the database was opened with.
func (db *DB) Path() string { return db.path }

func (db *DB) ensureSchema() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entities (
			entity_id            TEXT PRIMARY KEY,
			kind                 TEXT NOT NULL,
			latitude             DOUBLE NOT NULL,
			longitude            DOUBLE NOT NULL,
			altitude_m           DOUBLE NOT NULL,
			visibility_radius_m  DOUBLE NOT NULL,
			status               TEXT NOT NULL,
			visibility           TEXT NOT NULL,
			grade                TEXT NOT NULL,
			h_accuracy_m         DOUBLE NOT NULL,
			source               TEXT NOT NULL,
			sample_unix_ns       BIGINT NOT NULL,
			created_unix_ns      BIGINT NOT NULL,
			updated_unix_ns      BIGINT NOT NULL,
			expires_unix_ns      BIGINT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS entity_events (
			event_id         INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id        TEXT NOT NULL,
			event            TEXT NOT NULL,
			kind             TEXT,
			latitude         DOUBLE,
			longitude        DOUBLE,
			altitude_m       DOUBLE,
			grade            TEXT,
			recorded_unix_ns BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entity_events_recorded ON entity_events(recorded_unix_ns);
		CREATE INDEX IF NOT EXISTS idx_entity_events_entity ON entity_events(entity_id);
	`)
	return err
}

// nsOf stores a timestamp as unix nanos, zero time as 0.
func nsOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOf(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// UpsertEntity writes one entity's current state. created_unix_ns is set
// on first insert only.
func (db *DB) UpsertEntity(ent engine.Entity) error {
	_, err := db.Exec(`
		INSERT INTO entities (
			entity_id, kind, latitude, longitude, altitude_m,
			visibility_radius_m, status, visibility, grade, h_accuracy_m,
			source, sample_unix_ns, created_unix_ns, updated_unix_ns, expires_unix_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			kind = excluded.kind,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			altitude_m = excluded.altitude_m,
			visibility_radius_m = excluded.visibility_radius_m,
			status = excluded.status,
			visibility = excluded.visibility,
			grade = excluded.grade,
			h_accuracy_m = excluded.h_accuracy_m,
			source = excluded.source,
			sample_unix_ns = excluded.sample_unix_ns,
			updated_unix_ns = excluded.updated_unix_ns,
			expires_unix_ns = excluded.expires_unix_ns`,
		ent.ID, string(ent.Kind), ent.Latitude, ent.Longitude, ent.AltitudeM,
		ent.RadiusM, string(ent.Status), string(ent.Visibility),
		string(ent.Position.Grade), ent.Position.HorizontalAccuracyM,
		string(ent.Position.Source), nsOf(ent.Position.Timestamp),
		nsOf(ent.CreatedAt), nsOf(ent.UpdatedAt), nsOf(ent.ExpiresAt))
	return err
}

// DeleteEntity removes one entity row. Deleting a missing row is not an
// error.
func (db *DB) DeleteEntity(entityID string) error {
	_, err := db.Exec(`DELETE FROM entities WHERE entity_id = ?`, entityID)
	return err
}

// ActiveEntities loads every stored entity still eligible for the index,
// ordered by id, for warm start. The fused frame point is left zero; the
// engine reprojects from the geodetic fields.
func (db *DB) ActiveEntities() ([]engine.Entity, error) {
	rows, err := db.Query(`
		SELECT entity_id, kind, latitude, longitude, altitude_m,
		       visibility_radius_m, status, visibility, grade, h_accuracy_m,
		       source, sample_unix_ns, created_unix_ns, updated_unix_ns, expires_unix_ns
		FROM entities
		WHERE status != ?
		ORDER BY entity_id`, string(engine.StatusDeleted))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []engine.Entity
	for rows.Next() {
		var (
			ent                           engine.Entity
			kind, status, vis, grade, src string
			sampleNs, createdNs           int64
			updatedNs, expiresNs          int64
		)
		if err := rows.Scan(&ent.ID, &kind, &ent.Latitude, &ent.Longitude,
			&ent.AltitudeM, &ent.RadiusM, &status, &vis, &grade,
			&ent.Position.HorizontalAccuracyM, &src,
			&sampleNs, &createdNs, &updatedNs, &expiresNs); err != nil {
			return nil, err
		}
		ent.Kind = engine.EntityKind(kind)
		ent.Status = engine.EntityStatus(status)
		ent.Visibility = engine.Visibility(vis)
		ent.Position.Grade = geo.Grade(grade)
		ent.Position.Source = geo.SourceKind(src)
		ent.Position.Timestamp = timeOf(sampleNs)
		ent.CreatedAt = timeOf(createdNs)
		ent.UpdatedAt = timeOf(updatedNs)
		ent.ExpiresAt = timeOf(expiresNs)
		out = append(out, ent)
	}
	return out, rows.Err()
}

// EntityEvent is one journaled index change.
type EntityEvent struct {
	EntityID   string
	Event      string // upsert | remove
	Kind       engine.EntityKind
	Latitude   float64
	Longitude  float64
	AltitudeM  float64
	Grade      geo.Grade
	RecordedAt time.Time
}

// AppendEvent journals one index change.
func (db *DB) AppendEvent(ev EntityEvent) error {
	_, err := db.Exec(`
		INSERT INTO entity_events (entity_id, event, kind, latitude, longitude, altitude_m, grade, recorded_unix_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EntityID, ev.Event, string(ev.Kind), ev.Latitude, ev.Longitude,
		ev.AltitudeM, string(ev.Grade), nsOf(ev.RecordedAt))
	return err
}

// PruneEvents deletes journal rows recorded before the cutoff and reports
// how many went.
func (db *DB) PruneEvents(before time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM entity_events WHERE recorded_unix_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Counts returns current table row counts for the stats surface.
func (db *DB) Counts() (entities, events int64, err error) {
	if err = db.QueryRow(`SELECT COUNT(*) FROM entities`).Scan(&entities); err != nil {
		return 0, 0, err
	}
	if err = db.QueryRow(`SELECT COUNT(*) FROM entity_events`).Scan(&events); err != nil {
		return 0, 0, err
	}
	return entities, events, nil
}
