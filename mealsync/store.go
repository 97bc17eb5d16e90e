// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// mealColumns is the column list every meal query selects, in the
// order scanMeal expects.
const mealColumns = `record_key, cloud_id, meal_id, user_uid, timestamp, type, name,
	photo_url, image_local, image_id,
	totals_kcal, totals_protein, totals_carbs, totals_fat,
	deleted, created_at, updated_at, source, notes, tags`

// dbtx is the slice of database/sql shared by *sql.DB and *sql.Tx, so
// store writes can run either standalone or inside a caller's
// transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MealStore is the CRUD layer over the local meal log. It performs no
// network I/O; storage errors propagate to the caller and are never
// retried here.
type MealStore struct {
	db     *sql.DB
	bus    *Bus
	logger *slog.Logger
}

// NewMealStore wires a meal store over the shared database handle.
func NewMealStore(db *sql.DB, bus *Bus, logger *slog.Logger) *MealStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MealStore{db: db, bus: bus, logger: logger}
}

// Upsert inserts or replaces the record under its stable key. Calling
// it twice with the same payload is a no-op for the stored state. A
// record-changed event is emitted regardless of network state.
func (s *MealStore) Upsert(ctx context.Context, meal *Meal) error {
	if err := upsertMeal(ctx, s.db, meal); err != nil {
		return err
	}
	s.bus.Publish(Event{Kind: EventRecordChanged, Key: meal.Key(), UserID: meal.UserID, Time: meal.UpdatedAt})
	return nil
}

// UpsertTx is Upsert running inside the caller's transaction. No event
// is emitted; the caller publishes after commit so subscribers never
// observe a write that rolls back.
func (s *MealStore) UpsertTx(ctx context.Context, tx *sql.Tx, meal *Meal) error {
	return upsertMeal(ctx, tx, meal)
}

func upsertMeal(ctx context.Context, db dbtx, meal *Meal) error {
	tags, err := json.Marshal(meal.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	key := meal.Key()
	_, err = db.ExecContext(ctx, `
		INSERT INTO meals (
			record_key, cloud_id, meal_id, user_uid, timestamp, type, name,
			photo_url, image_local, image_id,
			totals_kcal, totals_protein, totals_carbs, totals_fat,
			deleted, created_at, updated_at, source, notes, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_key) DO UPDATE SET
			cloud_id=excluded.cloud_id,
			meal_id=excluded.meal_id,
			user_uid=excluded.user_uid,
			timestamp=excluded.timestamp,
			type=excluded.type,
			name=excluded.name,
			photo_url=excluded.photo_url,
			image_local=excluded.image_local,
			image_id=excluded.image_id,
			totals_kcal=excluded.totals_kcal,
			totals_protein=excluded.totals_protein,
			totals_carbs=excluded.totals_carbs,
			totals_fat=excluded.totals_fat,
			deleted=excluded.deleted,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			source=excluded.source,
			notes=excluded.notes,
			tags=excluded.tags`,
		key, nullString(meal.CloudID), meal.MealID, meal.UserID,
		formatTime(meal.Timestamp), nullString(meal.Type), nullString(meal.Name),
		nullString(meal.PhotoURL), nullString(meal.PhotoLocalPath), nullString(meal.ImageID),
		meal.Totals.Kcal, meal.Totals.Protein, meal.Totals.Carbs, meal.Totals.Fat,
		boolToInt(meal.Deleted), nullTime(meal.CreatedAt), formatTime(meal.UpdatedAt),
		nullString(string(meal.Source)), nullString(meal.Notes), string(tags),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert meal %s: %w", key, err)
	}
	return nil
}

// SoftDelete marks the record deleted and bumps its update timestamp.
// The row is never removed so the deletion propagates to replicas.
func (s *MealStore) SoftDelete(ctx context.Context, key string, ts time.Time) error {
	userID, err := softDeleteMeal(ctx, s.db, key, ts)
	if err != nil {
		return err
	}
	s.bus.Publish(Event{Kind: EventRecordDeleted, Key: key, UserID: userID, Time: ts})
	return nil
}

// SoftDeleteTx is SoftDelete running inside the caller's transaction.
// It returns the record's owner so the caller can publish the deletion
// event after commit.
func (s *MealStore) SoftDeleteTx(ctx context.Context, tx *sql.Tx, key string, ts time.Time) (string, error) {
	return softDeleteMeal(ctx, tx, key, ts)
}

func softDeleteMeal(ctx context.Context, db dbtx, key string, ts time.Time) (string, error) {
	var userID string
	err := db.QueryRowContext(ctx,
		`SELECT user_uid FROM meals WHERE record_key=?`, key).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("soft-delete meal %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load meal %s for delete: %w", key, err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE meals SET deleted=1, updated_at=? WHERE record_key=?`,
		formatTime(ts), key); err != nil {
		return "", fmt.Errorf("failed to soft-delete meal %s: %w", key, err)
	}
	return userID, nil
}

// Get returns a single record by stable key, ErrNotFound when absent.
func (s *MealStore) Get(ctx context.Context, key string) (*Meal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mealColumns+` FROM meals WHERE record_key=?`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query meal %s: %w", key, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanMeal(rows)
}

// NumericRange is a closed [Min, Max] filter bound; nil ends are open.
type NumericRange struct {
	Min *float64
	Max *float64
}

// PageFilter narrows a page query by a closed date range and by closed
// ranges on each nutrition total.
type PageFilter struct {
	From *time.Time
	To   *time.Time

	Kcal    NumericRange
	Protein NumericRange
	Carbs   NumericRange
	Fat     NumericRange
}

// Page returns up to limit non-deleted records for the user, newest
// event first. When before is non-nil only records strictly older are
// returned. The second result is the continuation cursor: the oldest
// timestamp in the page when the page is full, nil otherwise. Callers
// keep requesting with the returned cursor until it is nil.
func (s *MealStore) Page(ctx context.Context, userID string, limit int, before *time.Time, filter *PageFilter) ([]Meal, *time.Time, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + mealColumns + ` FROM meals WHERE user_uid=? AND deleted=0`)
	args := []any{userID}

	if before != nil {
		sb.WriteString(` AND timestamp<?`)
		args = append(args, formatTime(*before))
	}
	if filter != nil {
		if filter.From != nil {
			sb.WriteString(` AND timestamp>=?`)
			args = append(args, formatTime(*filter.From))
		}
		if filter.To != nil {
			sb.WriteString(` AND timestamp<=?`)
			args = append(args, formatTime(*filter.To))
		}
		for _, nr := range []struct {
			col string
			rng NumericRange
		}{
			{"totals_kcal", filter.Kcal},
			{"totals_protein", filter.Protein},
			{"totals_carbs", filter.Carbs},
			{"totals_fat", filter.Fat},
		} {
			if nr.rng.Min != nil {
				sb.WriteString(` AND ` + nr.col + `>=?`)
				args = append(args, *nr.rng.Min)
			}
			if nr.rng.Max != nil {
				sb.WriteString(` AND ` + nr.col + `<=?`)
				args = append(args, *nr.rng.Max)
			}
		}
	}
	sb.WriteString(` ORDER BY timestamp DESC LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to page meals: %w", err)
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, nil, err
		}
		meals = append(meals, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var cursor *time.Time
	if len(meals) == limit && limit > 0 {
		oldest := meals[len(meals)-1].Timestamp
		cursor = &oldest
	}
	return meals, cursor, nil
}

// RelinkImage rewrites every record of the user that references the
// uploaded image's local path with the remote URL and image id, bumps
// their update timestamps, and returns the rewritten records so the
// caller can enqueue follow-up pushes.
func (s *MealStore) RelinkImage(ctx context.Context, userID, localPath, imageID, remoteURL string, ts time.Time) ([]Meal, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meals SET photo_url=?, image_id=?, updated_at=?
		WHERE user_uid=? AND image_local=?`,
		remoteURL, imageID, formatTime(ts), userID, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to relink image %s: %w", imageID, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mealColumns+` FROM meals WHERE user_uid=? AND image_local=?`,
		userID, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load relinked meals: %w", err)
	}
	defer rows.Close()

	var meals []Meal
	for rows.Next() {
		m, err := scanMeal(rows)
		if err != nil {
			return nil, err
		}
		meals = append(meals, *m)
		s.bus.Publish(Event{Kind: EventRecordChanged, Key: m.Key(), UserID: userID, Time: ts})
	}
	return meals, rows.Err()
}

func scanMeal(rows *sql.Rows) (*Meal, error) {
	var (
		m                                      Meal
		cloudID, typ, name, photoURL           sql.NullString
		imageLocal, imageID, source, notes     sql.NullString
		tags                                   sql.NullString
		timestampRaw, createdAtRaw, updatedRaw sql.NullString
		deleted                                int
		recordKey                              string
	)
	if err := rows.Scan(
		&recordKey, &cloudID, &m.MealID, &m.UserID, &timestampRaw, &typ, &name,
		&photoURL, &imageLocal, &imageID,
		&m.Totals.Kcal, &m.Totals.Protein, &m.Totals.Carbs, &m.Totals.Fat,
		&deleted, &createdAtRaw, &updatedRaw, &source, &notes, &tags,
	); err != nil {
		return nil, fmt.Errorf("failed to scan meal row: %w", err)
	}

	m.CloudID = cloudID.String
	m.Type = typ.String
	m.Name = name.String
	m.PhotoURL = photoURL.String
	m.PhotoLocalPath = imageLocal.String
	m.ImageID = imageID.String
	m.Source = MealSource(source.String)
	m.Notes = notes.String
	m.Deleted = deleted != 0

	var err error
	if m.Timestamp, err = parseTime(timestampRaw.String); err != nil {
		return nil, fmt.Errorf("failed to parse meal timestamp: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAtRaw.String); err != nil {
		return nil, fmt.Errorf("failed to parse meal created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedRaw.String); err != nil {
		return nil, fmt.Errorf("failed to parse meal updated_at: %w", err)
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse meal tags: %w", err)
		}
	}
	return &m, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
