// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the local SQLite database with the
// settings the data layer relies on: WAL journaling, enforced foreign
// keys and a busy timeout. The pool is limited to a single connection
// to avoid writer lock contention between the UI and the sync engine.
func Open(path string) (*sql.DB, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// schemaVersion is the version Migrate brings the database to. New
// migrations are appended, never rewritten.
const schemaVersion = 3

// Migrate applies forward migrations until the stored schema version
// matches schemaVersion. It is idempotent and safe to call on every
// app start: each step runs in its own transaction, commits the new
// version only on success, and checks column/table existence before
// altering so a crash mid-migration does not leave a step that can
// never complete.
func Migrate(db *sql.DB) error {
	v, err := userVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if v < 1 {
		if err := runMigration(db, 1, migrateV1); err != nil {
			return err
		}
	}
	if v < 2 {
		if err := runMigration(db, 2, migrateV2); err != nil {
			return err
		}
	}
	if v < 3 {
		if err := runMigration(db, 3, migrateV3); err != nil {
			return err
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int, step func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration v%d: %w", version, err)
	}
	defer tx.Rollback()

	if err := step(tx); err != nil {
		return fmt.Errorf("migration v%d failed: %w", version, err)
	}
	// PRAGMA user_version does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration v%d: %w", version, err)
	}
	return nil
}

// migrateV1 creates the initial schema: the meal log, the durable
// operation queue, the image-upload worklist and the sync-state
// key-value slots (pull checkpoints, hydration flags).
func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meals (
			record_key     TEXT PRIMARY KEY,
			cloud_id       TEXT,
			meal_id        TEXT NOT NULL,
			user_uid       TEXT NOT NULL,
			timestamp      TEXT NOT NULL,
			type           TEXT,
			name           TEXT,
			photo_url      TEXT,
			image_local    TEXT,
			totals_kcal    REAL NOT NULL DEFAULT 0,
			totals_protein REAL NOT NULL DEFAULT 0,
			totals_carbs   REAL NOT NULL DEFAULT 0,
			totals_fat     REAL NOT NULL DEFAULT 0,
			deleted        INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL,
			source         TEXT,
			tags           TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_meals_user_ts
			ON meals(user_uid, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS op_queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			record_key TEXT NOT NULL,
			user_uid   TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('upsert','delete','upsert_saved','delete_saved')),
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS images (
			image_id   TEXT PRIMARY KEY,
			user_uid   TEXT NOT NULL,
			local_path TEXT NOT NULL,
			cloud_url  TEXT,
			status     TEXT NOT NULL CHECK (status IN ('pending','uploaded','failed')),
			updated_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sync_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds free-text notes to meals.
func migrateV2(tx *sql.Tx) error {
	return addColumnIfMissing(tx, "meals", "notes", "TEXT")
}

// migrateV3 adds the image link and the creation timestamp that the
// first schema revision lacked.
func migrateV3(tx *sql.Tx) error {
	if err := addColumnIfMissing(tx, "meals", "image_id", "TEXT"); err != nil {
		return err
	}
	return addColumnIfMissing(tx, "meals", "created_at", "TEXT")
}

func addColumnIfMissing(tx *sql.Tx, table, column, typ string) error {
	exists, err := columnExists(tx, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = tx.Exec(fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN "%s" %s`, table, column, typ))
	return err
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf(`PRAGMA table_info("%s")`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func userVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}
