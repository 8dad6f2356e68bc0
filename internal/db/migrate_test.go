// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_items.up.sql":   {Data: []byte("CREATE TABLE items (id INTEGER PRIMARY KEY);")},
		"V1__create_items.down.sql": {Data: []byte("DROP TABLE items;")},
		"V2__add_name.up.sql":       {Data: []byte("ALTER TABLE items ADD COLUMN name TEXT;")},
		"V2__add_name.down.sql":     {Data: []byte("ALTER TABLE items DROP COLUMN name;")},
		"README.md":                 {Data: []byte("not a migration")},
	}
}

// TestMigrator_Up verifies pending migrations are applied in version order.
func TestMigrator_Up(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testFS())

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("CurrentVersion() = %d, want 2", version)
	}

	if _, err := db.Exec("INSERT INTO items (id, name) VALUES (1, 'a')"); err != nil {
		t.Errorf("schema not migrated: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 || applied[0].Description != "create_items" {
		t.Errorf("applied = %+v", applied)
	}
	if len(applied[0].Checksum) != 64 {
		t.Errorf("checksum length = %d, want 64", len(applied[0].Checksum))
	}
}

// TestMigrator_UpIdempotent verifies re-running Up is a no-op.
func TestMigrator_UpIdempotent(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testFS())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("first Up() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("second Up() failed: %v", err)
	}
}

// TestMigrator_ChecksumDrift verifies an edited applied migration is rejected.
func TestMigrator_ChecksumDrift(t *testing.T) {
	db := openMemory(t)
	fsys := testFS()
	m := NewMigrator(db, fsys)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	fsys["V1__create_items.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE items (id TEXT PRIMARY KEY);")}
	if err := NewMigrator(db, fsys).Up(); err == nil {
		t.Error("Up() should fail when an applied migration changed")
	}
}

// TestMigrator_Down verifies the last migration is rolled back.
func TestMigrator_Down(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testFS())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() after Down = %d, want 1", version)
	}
}

// TestMigrator_DownEmpty verifies rolling back nothing fails.
func TestMigrator_DownEmpty(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testFS())
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Down() with no applied migrations should fail")
	}
}

// TestMigrate_Embedded verifies the shipped schema applies cleanly.
func TestMigrate_Embedded(t *testing.T) {
	db := openMemory(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	for _, table := range []string{"cart", "wishlist", "products", "reservations", "users", "preferences",
		"offline_queue", "sync_metadata", "conflict_log", "settings"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

// TestMigrate_OnePendingConflictIndex verifies the partial unique index.
func TestMigrate_OnePendingConflictIndex(t *testing.T) {
	db := openMemory(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}

	insert := `INSERT INTO conflict_log (id, entity_type, entity_id, local_value, server_value, resolution, timestamp)
		VALUES (?, 'cart', '42', '{}', '{}', ?, 1)`
	if _, err := db.Exec(insert, "c1", "pending"); err != nil {
		t.Fatalf("first pending insert failed: %v", err)
	}
	if _, err := db.Exec(insert, "c2", "pending"); err == nil {
		t.Error("second pending conflict for the same key should violate the unique index")
	}
	if _, err := db.Exec(insert, "c3", "local"); err != nil {
		t.Errorf("resolved conflict for the same key should be allowed: %v", err)
	}
}
