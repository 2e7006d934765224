// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	apperrors "github.com/kimhsiao/possync/internal/errors"
)

func openRaw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("not a migration")},
		"Vx__bad.up.sql":        {Data: []byte("garbage")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n == 1
}

// TestUp_appliesInOrder verifies pending migrations are applied and recorded.
func TestUp_appliesInOrder(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatal(err)
	}
	if len(applied) != 2 || applied[0].Description != "create_a" || applied[1].Description != "create_b" {
		t.Errorf("applied = %+v", applied)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}

	// Idempotent.
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_modifiedMigration verifies checksum drift is reported.
func TestUp_modifiedMigration(t *testing.T) {
	db := openRaw(t)
	files := testMigrations()
	if err := NewMigrator(db, files).Up(); err != nil {
		t.Fatal(err)
	}

	files["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY, x TEXT);")}
	err := NewMigrator(db, files).Up()
	if !apperrors.Is(err, apperrors.ErrMigration) {
		t.Errorf("Up() error = %v, want MIGRATION_FAILED", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken file leaves no partial state.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openRaw(t)
	files := fstest.MapFS{
		"V1__broken.up.sql": {Data: []byte("CREATE TABLE ok (id INTEGER); CREATE TABLE;")},
	}

	if err := NewMigrator(db, files).Up(); err == nil {
		t.Fatal("Up() should fail on invalid SQL")
	}
	if tableExists(t, db, "ok") {
		t.Error("partial migration was not rolled back")
	}
}

// TestDown verifies rollback of the latest migration.
func TestDown(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Up(); err != nil {
		t.Fatal(err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "b") {
		t.Error("table b should be dropped")
	}
	if !tableExists(t, db, "a") {
		t.Error("table a should remain")
	}
	if v, _ := m.CurrentVersion(); v != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", v)
	}
}

func TestDown_nothingApplied(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, testMigrations())
	if err := m.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := m.Down(); !apperrors.Is(err, apperrors.ErrMigration) {
		t.Errorf("Down() error = %v, want MIGRATION_FAILED", err)
	}
}

// TestEmbeddedMigrations verifies the shipped schema applies and rolls back cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := openRaw(t)
	m := NewMigrator(db, Migrations)
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if !tableExists(t, db, "sync_queue") {
		t.Error("sync_queue missing")
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	if tableExists(t, db, "sync_queue") {
		t.Error("sync_queue should be dropped")
	}
}
