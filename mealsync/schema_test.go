// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := newTestDB(t)

	// A second run right after the first (simulating a crash between
	// migrate and regular startup) must be a clean no-op.
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	v, err := userVersion(db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}

	// All appended columns must be usable.
	_, err = db.Exec(`
		INSERT INTO meals (record_key, meal_id, user_uid, timestamp, updated_at, notes, image_id, created_at)
		VALUES ('k1', 'm1', 'u1', '2026-01-01T00:00:00.000Z', '2026-01-01T00:00:00.000Z', 'n', 'img', '2026-01-01T00:00:00.000Z')`)
	if err != nil {
		t.Fatalf("insert with migrated columns: %v", err)
	}
}

func TestMigrateResumesAfterPartialStep(t *testing.T) {
	db := newTestDB(t)

	// Pretend the process crashed after v3's ALTERs ran but before the
	// version bump committed: columns exist, version says 2.
	if _, err := db.Exec(`PRAGMA user_version = 2`); err != nil {
		t.Fatalf("reset user_version: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("re-migrate after partial step: %v", err)
	}

	v, err := userVersion(db)
	if err != nil {
		t.Fatalf("user_version: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("expected schema version %d, got %d", schemaVersion, v)
	}
}

func TestMigrateCreatesSyncState(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.Exec(`INSERT INTO sync_state (key, value) VALUES ('x', 'y')`); err != nil {
		t.Fatalf("sync_state table missing: %v", err)
	}
}
