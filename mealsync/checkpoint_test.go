// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"testing"
	"time"
)

func TestCheckpointDefaultsToZero(t *testing.T) {
	db := newTestDB(t)
	cps := NewCheckpointStore(db)

	ts, err := cps.LastPull(context.Background(), "u1")
	if err != nil {
		t.Fatalf("last pull: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("expected zero checkpoint, got %v", ts)
	}
}

func TestCheckpointOnlyMovesForward(t *testing.T) {
	db := newTestDB(t)
	cps := NewCheckpointStore(db)
	ctx := context.Background()

	if err := cps.SetLastPull(ctx, "u1", utc(5000)); err != nil {
		t.Fatalf("set: %v", err)
	}
	// A regression attempt must be ignored.
	if err := cps.SetLastPull(ctx, "u1", utc(1000)); err != nil {
		t.Fatalf("set older: %v", err)
	}

	ts, err := cps.LastPull(ctx, "u1")
	if err != nil {
		t.Fatalf("last pull: %v", err)
	}
	if !ts.Equal(utc(5000)) {
		t.Fatalf("checkpoint regressed: %v", ts)
	}

	if err := cps.SetLastPull(ctx, "u1", utc(9000)); err != nil {
		t.Fatalf("set newer: %v", err)
	}
	ts, _ = cps.LastPull(ctx, "u1")
	if !ts.Equal(utc(9000)) {
		t.Fatalf("checkpoint should advance, got %v", ts)
	}
}

func TestCheckpointNeverFallsBehindStoredValue(t *testing.T) {
	db := newTestDB(t)
	cps := NewCheckpointStore(db)
	ctx := context.Background()

	// A record stamped between milliseconds must not stay strictly
	// ahead of the checkpoint, or it would be re-pulled every cycle.
	fine := utc(5000).Add(1500 * time.Microsecond)
	if err := cps.SetLastPull(ctx, "u1", fine); err != nil {
		t.Fatalf("set: %v", err)
	}

	ts, err := cps.LastPull(ctx, "u1")
	if err != nil {
		t.Fatalf("last pull: %v", err)
	}
	if ts.Before(fine) {
		t.Fatalf("stored checkpoint %v is behind %v", ts, fine)
	}
	if !ts.Equal(utc(5000).Add(2 * time.Millisecond)) {
		t.Fatalf("expected round-up to the next millisecond, got %v", ts)
	}

	// Already-aligned values round trip unchanged.
	if err := cps.SetLastPull(ctx, "u2", utc(5000)); err != nil {
		t.Fatalf("set: %v", err)
	}
	ts, _ = cps.LastPull(ctx, "u2")
	if !ts.Equal(utc(5000)) {
		t.Fatalf("aligned checkpoint changed: %v", ts)
	}
}

func TestCheckpointPerUser(t *testing.T) {
	db := newTestDB(t)
	cps := NewCheckpointStore(db)
	ctx := context.Background()

	if err := cps.SetLastPull(ctx, "u1", utc(5000)); err != nil {
		t.Fatalf("set: %v", err)
	}
	ts, err := cps.LastPull(ctx, "u2")
	if err != nil {
		t.Fatalf("last pull: %v", err)
	}
	if !ts.IsZero() {
		t.Fatalf("checkpoints must be per-user, got %v", ts)
	}
}

func TestHydrationFlag(t *testing.T) {
	db := newTestDB(t)
	cps := NewCheckpointStore(db)
	ctx := context.Background()

	done, err := cps.Hydrated(ctx, "u1")
	if err != nil {
		t.Fatalf("hydrated: %v", err)
	}
	if done {
		t.Fatalf("expected not hydrated initially")
	}

	if err := cps.SetHydrated(ctx, "u1"); err != nil {
		t.Fatalf("set hydrated: %v", err)
	}
	done, _ = cps.Hydrated(ctx, "u1")
	if !done {
		t.Fatalf("expected hydrated after set")
	}
}
