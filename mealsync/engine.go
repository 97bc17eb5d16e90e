// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config holds tuning knobs for the sync engine.
type Config struct {
	PushBatchSize int           // queue drain batch size, e.g. 25
	PullPageSize  int           // remote delta page size, e.g. 100
	SyncInterval  time.Duration // coarse periodic trigger
	HydrateWindow time.Duration // how far back the initial backfill reaches
}

// DefaultConfig returns the tuning the mobile app ships with.
func DefaultConfig() *Config {
	return &Config{
		PushBatchSize: 25,
		PullPageSize:  100,
		SyncInterval:  5 * time.Minute,
		HydrateWindow: 30 * 24 * time.Hour,
	}
}

// Engine runs the sync cycle: image upload drain, queue push, remote
// delta pull, checkpoint advance. At most one cycle is in flight at a
// time; overlapping triggers coalesce into a no-op. Each step checks
// connectivity at entry and aborts cleanly when offline.
type Engine struct {
	userID      string
	meals       *MealStore
	images      *ImageStore
	queue       *OpQueue
	checkpoints *CheckpointStore
	cloud       CloudService
	conn        Connectivity
	bus         *Bus
	config      *Config
	logger      *slog.Logger

	running int32
}

// NewEngine wires the sync engine over the repositories and the remote
// service. A nil config falls back to DefaultConfig.
func NewEngine(userID string, meals *MealStore, images *ImageStore, queue *OpQueue,
	checkpoints *CheckpointStore, cloud CloudService, conn Connectivity,
	bus *Bus, config *Config, logger *slog.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		userID:      userID,
		meals:       meals,
		images:      images,
		queue:       queue,
		checkpoints: checkpoints,
		cloud:       cloud,
		conn:        conn,
		bus:         bus,
		config:      config,
		logger:      logger,
	}
}

// Start launches the background trigger loop: an immediate cycle, a
// coarse periodic timer, and a cycle on every connectivity regain. It
// returns after spawning; cancel the context to stop.
func (e *Engine) Start(ctx context.Context) {
	go e.loop(ctx)
}

func (e *Engine) loop(ctx context.Context) {
	if err := e.SyncNow(ctx); err != nil {
		e.logger.Error("sync cycle failed", "error", err)
	}

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.SyncNow(ctx); err != nil {
				e.logger.Error("sync cycle failed", "error", err)
			}
		case online, ok := <-e.conn.Changes():
			if !ok {
				return
			}
			if online {
				e.logger.Debug("connectivity regained, starting sync cycle")
				if err := e.SyncNow(ctx); err != nil {
					e.logger.Error("sync cycle failed", "error", err)
				}
			}
		}
	}
}

// SyncNow runs one full cycle. A call that finds a cycle already in
// flight returns immediately without queuing another. An offline
// abort is not an error; only storage faults and pull-page failures
// surface.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		e.logger.Debug("sync cycle already running, coalescing trigger")
		return nil
	}
	defer atomic.StoreInt32(&e.running, 0)

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"images", e.uploadImages},
		{"push", e.pushQueue},
		{"pull", e.pullChanges},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			if errors.Is(err, ErrOffline) {
				e.logger.Debug("sync step skipped, offline", "step", step.name)
				return nil
			}
			return fmt.Errorf("sync step %s: %w", step.name, err)
		}
	}

	e.bus.Publish(Event{Kind: EventSynced, UserID: e.userID, Time: time.Now()})
	return nil
}

// uploadImages drains the pending image worklist. One image's upload
// failure is logged and skipped so it cannot block the rest of the
// batch; the row stays pending and is retried next cycle. On success
// every meal referencing the image's local path is rewritten with the
// remote URL and re-enqueued so the URL update itself becomes a push.
func (e *Engine) uploadImages(ctx context.Context) error {
	if !e.conn.Online() {
		return ErrOffline
	}

	pending, err := e.images.PendingForUser(ctx, e.userID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	var ok, failed int
	for _, img := range pending {
		remoteURL, err := e.cloud.UploadImage(ctx, e.userID, img.LocalPath)
		if err != nil {
			failed++
			e.logger.Warn("image upload failed, will retry",
				"image_id", img.ImageID, "error", err)
			continue
		}

		if err := e.images.MarkUploaded(ctx, img.ImageID, remoteURL); err != nil {
			return err
		}

		now := time.Now()
		meals, err := e.meals.RelinkImage(ctx, e.userID, img.LocalPath, img.ImageID, remoteURL, now)
		if err != nil {
			return err
		}
		for i := range meals {
			if err := e.queue.EnqueueUpsert(ctx, e.userID, &meals[i]); err != nil {
				return err
			}
		}
		ok++
	}

	e.logger.Info("image upload step done", "uploaded", ok, "failed", failed)
	return nil
}

// pushQueue drains the operation queue in strictly ascending id order.
// Remote state is compared with last-write-wins: the local payload is
// written when the remote record is missing or strictly older; ties
// favor the local write. Both outcomes remove the entry; a lost
// conflict must not be retried. Only a transport failure keeps the
// entry queued with its attempt counter bumped.
func (e *Engine) pushQueue(ctx context.Context) error {
	if !e.conn.Online() {
		return ErrOffline
	}

	processed := 0
	for {
		batch, err := e.queue.NextBatch(ctx, e.config.PushBatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		completed := 0
		for i := range batch {
			op := &batch[i]
			if op.PayloadErr != nil {
				// Data-integrity fault: keep the entry visible instead
				// of silently dropping it, and keep draining the rest.
				e.logger.Error("queued payload is malformed",
					"op_id", op.ID, "key", op.Key, "error", op.PayloadErr)
				if err := e.queue.BumpAttempts(ctx, op.ID); err != nil {
					return err
				}
				e.bus.Publish(Event{Kind: EventPushFailed, Key: op.Key, UserID: op.UserID, Time: time.Now()})
				continue
			}

			if err := e.pushOne(ctx, op); err != nil {
				e.logger.Warn("push failed, keeping op queued",
					"op_id", op.ID, "key", op.Key, "kind", op.Kind,
					"attempts", op.Attempts+1, "error", err)
				if err := e.queue.BumpAttempts(ctx, op.ID); err != nil {
					return err
				}
				e.bus.Publish(Event{Kind: EventPushFailed, Key: op.Key, UserID: op.UserID, Time: time.Now()})
				continue
			}

			if err := e.queue.MarkDone(ctx, op.ID); err != nil {
				return err
			}
			completed++
			processed++
		}

		// A pass that removed nothing would re-read the same failing
		// entries forever; leave them for the next cycle instead.
		if completed == 0 || len(batch) < e.config.PushBatchSize {
			break
		}
	}

	e.logger.Info("push step done", "processed", processed)
	return nil
}

// pushOne applies a single operation remotely. A nil return means the
// operation reached its terminal outcome (written or lost the LWW
// comparison) and can be removed from the queue.
func (e *Engine) pushOne(ctx context.Context, op *Operation) error {
	coll := op.Kind.Collection()

	remote, err := e.cloud.Get(ctx, op.UserID, coll, op.Key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	localTS := op.Meal.UpdatedAt
	if op.Kind.IsDelete() {
		localTS = op.Timestamp
	}
	if remote != nil && localTS.Before(remote.UpdatedAt) {
		// Remote is authoritative; the local write already lost.
		e.logger.Info("push skipped, remote newer",
			"key", op.Key, "kind", op.Kind,
			"local", localTS, "remote", remote.UpdatedAt)
		return nil
	}

	payload := op.Meal
	if op.Kind.IsDelete() {
		// Tombstone write, never a remote removal.
		payload = &Meal{CloudID: op.Key, UserID: op.UserID, Deleted: true, UpdatedAt: op.Timestamp}
	}
	if err := e.cloud.Set(ctx, op.UserID, coll, op.Key, payload); err != nil {
		return err
	}

	e.logger.Debug("push applied", "key", op.Key, "kind", op.Kind)
	return nil
}

// pullChanges reads remote deltas past the checkpoint, adopts every
// returned record verbatim (push has already resolved local-favored
// conflicts), and advances the checkpoint to the maximum updated-at
// seen, but only after the full page range succeeded. A failed page
// leaves the checkpoint untouched, so the next cycle re-pulls the same
// range; adoption is idempotent, so that is safe.
func (e *Engine) pullChanges(ctx context.Context) error {
	if !e.conn.Online() {
		return ErrOffline
	}

	last, err := e.checkpoints.LastPull(ctx, e.userID)
	if err != nil {
		return err
	}

	maxSeen := last
	cursor := ""
	total := 0
	for {
		records, next, err := e.cloud.QueryUpdatedSince(ctx, e.userID, last, e.config.PullPageSize, cursor)
		if err != nil {
			return fmt.Errorf("failed to pull remote changes: %w", err)
		}

		for i := range records {
			rec := &records[i]
			if err := e.meals.Upsert(ctx, rec); err != nil {
				return err
			}
			if rec.UpdatedAt.After(maxSeen) {
				maxSeen = rec.UpdatedAt
			}
			total++
		}

		if next == "" {
			break
		}
		cursor = next
	}

	if maxSeen.After(last) {
		if err := e.checkpoints.SetLastPull(ctx, e.userID, maxSeen); err != nil {
			return err
		}
	}

	e.logger.Info("pull step done", "records", total, "checkpoint", maxSeen)
	return nil
}

// Hydrate performs the one-time initial backfill for a fresh install:
// it pulls the recent window of remote records, seeds the checkpoint,
// and records the done-flag so subsequent calls are no-ops.
func (e *Engine) Hydrate(ctx context.Context) error {
	done, err := e.checkpoints.Hydrated(ctx, e.userID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	if !e.conn.Online() {
		return ErrOffline
	}

	since := time.Now().Add(-e.config.HydrateWindow).Truncate(24 * time.Hour)
	var maxSeen time.Time
	cursor := ""
	total := 0
	for {
		records, next, err := e.cloud.QueryUpdatedSince(ctx, e.userID, since, e.config.PullPageSize, cursor)
		if err != nil {
			return fmt.Errorf("hydration pull failed: %w", err)
		}
		for i := range records {
			rec := &records[i]
			if err := e.meals.Upsert(ctx, rec); err != nil {
				return err
			}
			if rec.UpdatedAt.After(maxSeen) {
				maxSeen = rec.UpdatedAt
			}
			total++
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if !maxSeen.IsZero() {
		if err := e.checkpoints.SetLastPull(ctx, e.userID, maxSeen); err != nil {
			return err
		}
	}
	if err := e.checkpoints.SetHydrated(ctx, e.userID); err != nil {
		return err
	}

	e.logger.Info("hydration done", "records", total, "since", since)
	return nil
}
