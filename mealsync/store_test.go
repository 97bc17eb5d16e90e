// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"testing"
	"time"
)

func testMeal(userID, mealID string, at time.Time) *Meal {
	return &Meal{
		MealID:    mealID,
		UserID:    userID,
		Timestamp: at,
		Type:      "lunch",
		Name:      "chicken salad",
		Totals:    Totals{Kcal: 420, Protein: 32, Carbs: 18, Fat: 22},
		Tags:      []string{"homemade"},
		CreatedAt: at,
		UpdatedAt: at,
		Source:    SourceManual,
	}
}

func utc(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func TestUpsertIdempotent(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	meal := testMeal("u1", "m1", utc(1000))
	if err := store.Upsert(ctx, meal); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.Upsert(ctx, meal); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM meals`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row after duplicate upsert, got %d", n)
	}

	got, err := store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "chicken salad" || got.Totals.Kcal != 420 || len(got.Tags) != 1 {
		t.Fatalf("unexpected final state: %+v", got)
	}
}

func TestUpsertPrefersCloudIDAsKey(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	meal := testMeal("u1", "m1", utc(1000))
	meal.CloudID = "c1"
	if err := store.Upsert(ctx, meal); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := store.Get(ctx, "c1"); err != nil {
		t.Fatalf("lookup by cloud id: %v", err)
	}
	if _, err := store.Get(ctx, "m1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for meal id lookup, got %v", err)
	}
}

func TestSoftDeleteKeepsRow(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	if err := store.Upsert(ctx, testMeal("u1", "m1", utc(1000))); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.SoftDelete(ctx, "m1", utc(2000)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	got, err := store.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("row should survive soft delete: %v", err)
	}
	if !got.Deleted {
		t.Fatalf("expected deleted flag set")
	}
	if !got.UpdatedAt.Equal(utc(2000)) {
		t.Fatalf("expected updated_at bumped to %v, got %v", utc(2000), got.UpdatedAt)
	}

	meals, _, err := store.Page(ctx, "u1", 10, nil, nil)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(meals) != 0 {
		t.Fatalf("soft-deleted row must not appear in pages, got %d", len(meals))
	}
}

func TestSoftDeleteMissingRow(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)

	err := store.SoftDelete(context.Background(), "nope", utc(1))
	if err == nil {
		t.Fatalf("expected error for missing row")
	}
}

func TestPageCursorContract(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	for i, sec := range []int64{1000, 2000, 3000} {
		m := testMeal("u1", string(rune('a'+i)), utc(sec))
		if err := store.Upsert(ctx, m); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	page1, cursor, err := store.Page(ctx, "u1", 2, nil, nil)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 2 {
		t.Fatalf("expected 2 meals, got %d", len(page1))
	}
	if !page1[0].Timestamp.After(page1[1].Timestamp) {
		t.Fatalf("expected newest-first ordering")
	}
	if cursor == nil {
		t.Fatalf("full page must return a continuation cursor")
	}
	if !cursor.Equal(utc(2000)) {
		t.Fatalf("cursor should be oldest timestamp of the page, got %v", cursor)
	}

	page2, cursor2, err := store.Page(ctx, "u1", 2, cursor, nil)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 1 {
		t.Fatalf("expected 1 meal on final page, got %d", len(page2))
	}
	if cursor2 != nil {
		t.Fatalf("partial page must return nil cursor")
	}
}

func TestPageFilters(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	light := testMeal("u1", "light", utc(1000))
	light.Totals.Kcal = 150
	heavy := testMeal("u1", "heavy", utc(2000))
	heavy.Totals.Kcal = 900
	other := testMeal("u2", "other", utc(1500))
	for _, m := range []*Meal{light, heavy, other} {
		if err := store.Upsert(ctx, m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	min, max := 100.0, 500.0
	meals, _, err := store.Page(ctx, "u1", 10, nil, &PageFilter{
		Kcal: NumericRange{Min: &min, Max: &max},
	})
	if err != nil {
		t.Fatalf("page with kcal filter: %v", err)
	}
	if len(meals) != 1 || meals[0].MealID != "light" {
		t.Fatalf("expected only the light meal, got %+v", meals)
	}

	from, to := utc(1500), utc(2500)
	meals, _, err = store.Page(ctx, "u1", 10, nil, &PageFilter{From: &from, To: &to})
	if err != nil {
		t.Fatalf("page with date filter: %v", err)
	}
	if len(meals) != 1 || meals[0].MealID != "heavy" {
		t.Fatalf("expected only the heavy meal in range, got %+v", meals)
	}
}

func TestRelinkImage(t *testing.T) {
	db := newTestDB(t)
	store := NewMealStore(db, NewBus(), nil)
	ctx := context.Background()

	meal := testMeal("u1", "m1", utc(1000))
	meal.PhotoLocalPath = "/data/photos/p1.jpg"
	meal.ImageID = "img1"
	if err := store.Upsert(ctx, meal); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	relinked, err := store.RelinkImage(ctx, "u1", "/data/photos/p1.jpg", "img1",
		"https://cdn.example.com/p1.jpg", utc(5000))
	if err != nil {
		t.Fatalf("relink: %v", err)
	}
	if len(relinked) != 1 {
		t.Fatalf("expected 1 relinked meal, got %d", len(relinked))
	}
	if relinked[0].PhotoURL != "https://cdn.example.com/p1.jpg" {
		t.Fatalf("expected photo URL rewritten, got %q", relinked[0].PhotoURL)
	}
	if !relinked[0].UpdatedAt.Equal(utc(5000)) {
		t.Fatalf("expected updated_at bumped, got %v", relinked[0].UpdatedAt)
	}
}

func TestLocalWriteEvents(t *testing.T) {
	db := newTestDB(t)
	bus := NewBus()
	store := NewMealStore(db, bus, nil)
	ctx := context.Background()

	events, cancel := bus.Subscribe()
	defer cancel()

	if err := store.Upsert(ctx, testMeal("u1", "m1", utc(1000))); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ev := <-events
	if ev.Kind != EventRecordChanged || ev.Key != "m1" || ev.UserID != "u1" {
		t.Fatalf("unexpected change event: %+v", ev)
	}

	if err := store.SoftDelete(ctx, "m1", utc(2000)); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	ev = <-events
	if ev.Kind != EventRecordDeleted || ev.Key != "m1" {
		t.Fatalf("unexpected delete event: %+v", ev)
	}
	if ev.UserID != "u1" {
		t.Fatalf("delete event must carry the record's owner, got %q", ev.UserID)
	}
}
