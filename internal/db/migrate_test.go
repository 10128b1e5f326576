package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// migrationsDir points tests at the repo's real migration files.
func migrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("resolve migrations dir: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations dir missing: %v", err)
	}
	return dir
}

// openBareDB opens a database without running schema initialization, the
// way the migrate subcommand does.
func openBareDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "proximity.db"))
	if err != nil {
		t.Fatalf("failed to open bare DB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUpDown(t *testing.T) {
	db := openBareDB(t)
	dir := migrationsDir(t)

	if err := db.MigrateUp(dir); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("expected version 2 clean after up, got %d (dirty: %v)", version, dirty)
	}

	var tables int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('entities', 'entity_events')`).Scan(&tables); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if tables != 2 {
		t.Errorf("expected both tables after up, got %d", tables)
	}

	if err := db.MigrateDown(dir); err != nil {
		t.Fatalf("MigrateDown failed: %v", err)
	}
	version, _, err = db.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion after down failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after down, got %d", version)
	}

	var indexes int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name LIKE 'idx_entity_events%'`).Scan(&indexes); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if indexes != 0 {
		t.Errorf("expected event indexes dropped, %d remain", indexes)
	}

	if err := db.MigrateTo(dir, 2); err != nil {
		t.Fatalf("MigrateTo(2) failed: %v", err)
	}
	version, _, _ = db.MigrateVersion(dir)
	if version != 2 {
		t.Errorf("expected version 2 after MigrateTo, got %d", version)
	}
}

func TestMigrateUp_Idempotent(t *testing.T) {
	db := openBareDB(t)
	dir := migrationsDir(t)

	if err := db.MigrateUp(dir); err != nil {
		t.Fatalf("first MigrateUp failed: %v", err)
	}
	if err := db.MigrateUp(dir); err != nil {
		t.Errorf("second MigrateUp should be a no-op, got: %v", err)
	}
}

func TestMigrateVersion_FreshDB(t *testing.T) {
	db := openBareDB(t)

	version, dirty, err := db.MigrateVersion(migrationsDir(t))
	if err != nil {
		t.Fatalf("MigrateVersion on fresh DB failed: %v", err)
	}
	if version != 0 || dirty {
		t.Errorf("expected 0/clean on fresh DB, got %d (dirty: %v)", version, dirty)
	}
}

func TestMigrateForce(t *testing.T) {
	db := openBareDB(t)
	dir := migrationsDir(t)

	if err := db.MigrateUp(dir); err != nil {
		t.Fatalf("MigrateUp failed: %v", err)
	}
	if err := db.MigrateForce(dir, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected forced version 1 clean, got %d (dirty: %v)", version, dirty)
	}
}

func TestBaselineAtVersion(t *testing.T) {
	db := openBareDB(t)

	if err := db.BaselineAtVersion(2); err != nil {
		t.Fatalf("BaselineAtVersion failed: %v", err)
	}
	version, dirty, err := db.MigrateVersion(migrationsDir(t))
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("expected baselined version 2 clean, got %d (dirty: %v)", version, dirty)
	}

	if err := db.BaselineAtVersion(1); err == nil {
		t.Error("expected second baseline to fail")
	}
}

func TestLatestMigrationVersion(t *testing.T) {
	latest, err := LatestMigrationVersion(migrationsDir(t))
	if err != nil {
		t.Fatalf("LatestMigrationVersion failed: %v", err)
	}
	if latest != 2 {
		t.Errorf("expected latest version 2, got %d", latest)
	}

	if _, err := LatestMigrationVersion(t.TempDir()); err == nil {
		t.Error("expected error for empty migrations dir")
	}

	junk := t.TempDir()
	if err := os.WriteFile(filepath.Join(junk, "nonumber.up.sql"), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write junk migration: %v", err)
	}
	if _, err := LatestMigrationVersion(junk); err == nil {
		t.Error("expected error for unversioned migration files")
	}
}

func TestCheckMigrations(t *testing.T) {
	db := openTestDB(t)
	dir := migrationsDir(t)

	// Fresh database: Open already built the current schema, so the
	// check baselines it at the latest version.
	if err := db.CheckMigrations(dir); err != nil {
		t.Fatalf("CheckMigrations on fresh DB failed: %v", err)
	}
	version, _, err := db.MigrateVersion(dir)
	if err != nil {
		t.Fatalf("MigrateVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected baseline at 2, got %d", version)
	}

	// Second check: already current.
	if err := db.CheckMigrations(dir); err != nil {
		t.Errorf("CheckMigrations on current DB failed: %v", err)
	}

	// Behind: force back one version and expect the check to complain.
	if err := db.MigrateForce(dir, 1); err != nil {
		t.Fatalf("MigrateForce failed: %v", err)
	}
	err = db.CheckMigrations(dir)
	if err == nil {
		t.Fatal("expected CheckMigrations to fail on stale schema")
	}
	if !strings.Contains(err.Error(), "out of date") {
		t.Errorf("unexpected error: %v", err)
	}
}
