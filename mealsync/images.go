// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ImageStore tracks local media assets awaiting upload. It is pure
// bookkeeping consumed by the sync engine's image step; nothing here
// performs network activity.
type ImageStore struct {
	db *sql.DB
}

// NewImageStore wires an image store over the shared database handle.
func NewImageStore(db *sql.DB) *ImageStore {
	return &ImageStore{db: db}
}

// Upsert inserts or replaces the image row.
func (s *ImageStore) Upsert(ctx context.Context, img *Image) error {
	return upsertImage(ctx, s.db, img)
}

// UpsertTx is Upsert running inside the caller's transaction.
func (s *ImageStore) UpsertTx(ctx context.Context, tx *sql.Tx, img *Image) error {
	return upsertImage(ctx, tx, img)
}

func upsertImage(ctx context.Context, db dbtx, img *Image) error {
	ts := img.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO images (image_id, user_uid, local_path, cloud_url, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			user_uid=excluded.user_uid,
			local_path=excluded.local_path,
			cloud_url=excluded.cloud_url,
			status=excluded.status,
			updated_at=excluded.updated_at`,
		img.ImageID, img.UserID, img.LocalPath, nullString(img.RemoteURL),
		string(img.Status), formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to upsert image %s: %w", img.ImageID, err)
	}
	return nil
}

// PendingForUser returns every image still awaiting upload for the
// user. The sync engine uses this as its upload worklist.
func (s *ImageStore) PendingForUser(ctx context.Context, userID string) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT image_id, user_uid, local_path, cloud_url, status, updated_at
		FROM images WHERE user_uid=? AND status=?`,
		userID, string(ImagePending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending images: %w", err)
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var (
			img      Image
			cloudURL sql.NullString
			status   string
			updated  string
		)
		if err := rows.Scan(&img.ImageID, &img.UserID, &img.LocalPath, &cloudURL, &status, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		img.RemoteURL = cloudURL.String
		img.Status = ImageStatus(status)
		if img.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("failed to parse image updated_at: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// MarkUploaded transitions the image to uploaded with its remote URL.
func (s *ImageStore) MarkUploaded(ctx context.Context, imageID, remoteURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET status=?, cloud_url=?, updated_at=? WHERE image_id=?`,
		string(ImageUploaded), remoteURL, formatTime(time.Now()), imageID)
	if err != nil {
		return fmt.Errorf("failed to mark image %s uploaded: %w", imageID, err)
	}
	return nil
}

// MarkFailed records a failed upload attempt. The row stays in the
// worklist only when re-marked pending; failed is a terminal state a
// caller may use after giving up on a corrupt asset.
func (s *ImageStore) MarkFailed(ctx context.Context, imageID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE images SET status=?, updated_at=? WHERE image_id=?`,
		string(ImageFailed), formatTime(time.Now()), imageID)
	if err != nil {
		return fmt.Errorf("failed to mark image %s failed: %w", imageID, err)
	}
	return nil
}

// PendingCount returns the number of images still awaiting upload.
func (s *ImageStore) PendingCount(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM images WHERE user_uid=? AND status=?`,
		userID, string(ImagePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending images: %w", err)
	}
	return n, nil
}
