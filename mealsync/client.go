// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Client is the upward interface the presentation layer talks to. All
// of its local operations are synchronous, durable writes that never
// block on network availability; the enqueued mirror of each mutation
// is drained later by the sync engine.
type Client struct {
	DB     *sql.DB
	UserID string

	meals       *MealStore
	images      *ImageStore
	queue       *OpQueue
	checkpoints *CheckpointStore
	bus         *Bus
	engine      *Engine
	logger      *slog.Logger
}

// NewClient migrates the database and wires the stores and the sync
// engine. A nil config falls back to DefaultConfig.
func NewClient(db *sql.DB, userID string, cloud CloudService, conn Connectivity, config *Config, logger *slog.Logger) (*Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = DefaultConfig()
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	bus := NewBus()
	meals := NewMealStore(db, bus, logger)
	images := NewImageStore(db)
	queue := NewOpQueue(db)
	checkpoints := NewCheckpointStore(db)
	engine := NewEngine(userID, meals, images, queue, checkpoints, cloud, conn, bus, config, logger)

	return &Client{
		DB:          db,
		UserID:      userID,
		meals:       meals,
		images:      images,
		queue:       queue,
		checkpoints: checkpoints,
		bus:         bus,
		engine:      engine,
		logger:      logger,
	}, nil
}

// Start launches the background sync loop. Cancel the context to stop.
func (c *Client) Start(ctx context.Context) {
	c.engine.Start(ctx)
}

// UpsertMeal saves the meal locally and enqueues its push, both in one
// transaction: the record and its queue entry commit together, so a
// crash can never leave a durable record the engine does not know to
// push. Missing identifiers and timestamps are filled in: a fresh meal
// id, created and updated stamps.
func (c *Client) UpsertMeal(ctx context.Context, meal *Meal) error {
	now := time.Now().UTC()
	if meal.MealID == "" {
		meal.MealID = NewMealID()
	}
	if meal.UserID == "" {
		meal.UserID = c.UserID
	}
	if meal.CreatedAt.IsZero() {
		meal.CreatedAt = now
	}
	if meal.Timestamp.IsZero() {
		meal.Timestamp = now
	}
	meal.UpdatedAt = now

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin meal write: %w", err)
	}
	defer tx.Rollback()

	if err := c.meals.UpsertTx(ctx, tx, meal); err != nil {
		return err
	}
	if err := c.queue.EnqueueUpsertTx(ctx, tx, c.UserID, meal); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit meal write: %w", err)
	}

	c.bus.Publish(Event{Kind: EventRecordChanged, Key: meal.Key(), UserID: meal.UserID, Time: meal.UpdatedAt})
	return nil
}

// DeleteMeal soft-deletes the record locally and enqueues the
// tombstone push in the same transaction.
func (c *Client) DeleteMeal(ctx context.Context, key string) error {
	now := time.Now().UTC()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin meal delete: %w", err)
	}
	defer tx.Rollback()

	userID, err := c.meals.SoftDeleteTx(ctx, tx, key, now)
	if err != nil {
		return err
	}
	if err := c.queue.EnqueueDeleteTx(ctx, tx, c.UserID, key, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit meal delete: %w", err)
	}

	c.bus.Publish(Event{Kind: EventRecordDeleted, Key: key, UserID: userID, Time: now})
	return nil
}

// PageMeals returns a newest-first page of the user's meal log; see
// MealStore.Page for the cursor contract.
func (c *Client) PageMeals(ctx context.Context, limit int, before *time.Time, filter *PageFilter) ([]Meal, *time.Time, error) {
	return c.meals.Page(ctx, c.UserID, limit, before, filter)
}

// GetMeal returns a single record by stable key.
func (c *Client) GetMeal(ctx context.Context, key string) (*Meal, error) {
	return c.meals.Get(ctx, key)
}

// AttachPhoto registers a locally captured photo for the meal: the
// image joins the upload worklist and the meal is re-saved carrying
// the local path until the upload supplies a remote URL. The worklist
// row, the record rewrite and the queued push commit in one
// transaction.
func (c *Client) AttachPhoto(ctx context.Context, key, localPath string) (string, error) {
	meal, err := c.meals.Get(ctx, key)
	if err != nil {
		return "", err
	}

	imageID := NewImageID()
	now := time.Now().UTC()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin photo attach: %w", err)
	}
	defer tx.Rollback()

	if err := c.images.UpsertTx(ctx, tx, &Image{
		ImageID:   imageID,
		UserID:    c.UserID,
		LocalPath: localPath,
		Status:    ImagePending,
		UpdatedAt: now,
	}); err != nil {
		return "", err
	}

	meal.PhotoLocalPath = localPath
	meal.ImageID = imageID
	meal.UpdatedAt = now
	if err := c.meals.UpsertTx(ctx, tx, meal); err != nil {
		return "", err
	}
	if err := c.queue.EnqueueUpsertTx(ctx, tx, c.UserID, meal); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit photo attach: %w", err)
	}

	c.bus.Publish(Event{Kind: EventRecordChanged, Key: meal.Key(), UserID: meal.UserID, Time: now})
	return imageID, nil
}

// DiscardPhoto gives up on a stuck upload: the image moves to the
// failed state and leaves the pending worklist, so the sync engine
// stops retrying it. The meal keeps its local path for display.
func (c *Client) DiscardPhoto(ctx context.Context, imageID string) error {
	return c.images.MarkFailed(ctx, imageID)
}

// SaveTemplate pushes a meal into the user's saved/template set. The
// template set is remote-backed; offline saves wait in the queue like
// any other mutation.
func (c *Client) SaveTemplate(ctx context.Context, meal *Meal) error {
	now := time.Now().UTC()
	if meal.MealID == "" {
		meal.MealID = NewMealID()
	}
	if meal.UserID == "" {
		meal.UserID = c.UserID
	}
	meal.UpdatedAt = now
	return c.queue.EnqueueSavedUpsert(ctx, c.UserID, meal)
}

// DeleteTemplate enqueues a tombstone for a saved meal.
func (c *Client) DeleteTemplate(ctx context.Context, key string) error {
	return c.queue.EnqueueSavedDelete(ctx, c.UserID, key, time.Now().UTC())
}

// PendingImageCount reports how many captured photos still await
// upload, for the UI's aggregate indicator.
func (c *Client) PendingImageCount(ctx context.Context) (int, error) {
	return c.images.PendingCount(ctx, c.UserID)
}

// UnsyncedCount reports how many local mutations have not reached the
// remote store yet (queued operations plus pending images).
func (c *Client) UnsyncedCount(ctx context.Context) (int, error) {
	ops, err := c.queue.Count(ctx, c.UserID)
	if err != nil {
		return 0, err
	}
	imgs, err := c.images.PendingCount(ctx, c.UserID)
	if err != nil {
		return 0, err
	}
	return ops + imgs, nil
}

// TriggerSyncNow runs a sync cycle immediately; a cycle already in
// flight coalesces the call into a no-op.
func (c *Client) TriggerSyncNow(ctx context.Context) error {
	return c.engine.SyncNow(ctx)
}

// Hydrate performs the one-time initial backfill; see Engine.Hydrate.
func (c *Client) Hydrate(ctx context.Context) error {
	return c.engine.Hydrate(ctx)
}

// Subscribe registers a listener for change notifications.
func (c *Client) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe()
}
