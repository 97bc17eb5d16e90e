// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CheckpointStore persists per-user sync state in the sync_state
// key-value table: the pull checkpoint (the updated-at watermark up to
// which remote changes have been applied locally) and the one-shot
// hydration flag.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore wires the store over the shared database handle.
func NewCheckpointStore(db *sql.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func lastPullKey(userID string) string { return "last_pull:" + userID }
func hydratedKey(userID string) string { return "hydrated:" + userID }

// LastPull returns the user's pull checkpoint, zero when none has been
// recorded yet (callers treat zero as epoch).
func (s *CheckpointStore) LastPull(ctx context.Context, userID string) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key=?`, lastPullKey(userID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read pull checkpoint: %w", err)
	}
	ts, err := parseTime(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse pull checkpoint: %w", err)
	}
	return ts, nil
}

// SetLastPull advances the checkpoint. It only ever moves forward:
// a value older than the stored one is ignored, so a partially failed
// cycle can never regress the watermark. Stored values are UTC
// millisecond ISO strings, so the lexical guard equals a time compare.
// Sub-millisecond input rounds up to the stored granularity; truncating
// would leave the newest record strictly ahead of the checkpoint and
// re-pulled on every cycle.
func (s *CheckpointStore) SetLastPull(ctx context.Context, userID string, ts time.Time) error {
	if rem := ts.Nanosecond() % int(time.Millisecond); rem != 0 {
		ts = ts.Add(time.Millisecond - time.Duration(rem))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
		WHERE excluded.value > sync_state.value`,
		lastPullKey(userID), formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to set pull checkpoint: %w", err)
	}
	return nil
}

// Hydrated reports whether the initial remote backfill has completed
// for the user.
func (s *CheckpointStore) Hydrated(ctx context.Context, userID string) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key=?`, hydratedKey(userID)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read hydration flag: %w", err)
	}
	return value == "true", nil
}

// SetHydrated records that the initial backfill finished.
func (s *CheckpointStore) SetHydrated(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, 'true')
		ON CONFLICT(key) DO UPDATE SET value='true'`,
		hydratedKey(userID))
	if err != nil {
		return fmt.Errorf("failed to set hydration flag: %w", err)
	}
	return nil
}
