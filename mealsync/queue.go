// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OpQueue is the durable outbox of pending remote mutations. Rows are
// appended with an auto-incrementing id that defines drain order, read
// without removal, and deleted only once the remote effect has been
// confirmed.
type OpQueue struct {
	db *sql.DB
}

// NewOpQueue wires the queue over the shared database handle.
func NewOpQueue(db *sql.DB) *OpQueue {
	return &OpQueue{db: db}
}

// EnqueueUpsert appends a push of the record's full payload, captured
// as a snapshot at enqueue time.
func (q *OpQueue) EnqueueUpsert(ctx context.Context, userID string, meal *Meal) error {
	return enqueueOp(ctx, q.db, userID, meal.Key(), OpUpsert, meal, meal.UpdatedAt)
}

// EnqueueUpsertTx is EnqueueUpsert running inside the caller's
// transaction, so the local write and its queued push commit together.
func (q *OpQueue) EnqueueUpsertTx(ctx context.Context, tx *sql.Tx, userID string, meal *Meal) error {
	return enqueueOp(ctx, tx, userID, meal.Key(), OpUpsert, meal, meal.UpdatedAt)
}

// EnqueueDelete appends a tombstone push for the record.
func (q *OpQueue) EnqueueDelete(ctx context.Context, userID, key string, ts time.Time) error {
	tomb := &Meal{CloudID: key, UserID: userID, Deleted: true, UpdatedAt: ts}
	return enqueueOp(ctx, q.db, userID, key, OpDelete, tomb, ts)
}

// EnqueueDeleteTx is EnqueueDelete running inside the caller's
// transaction.
func (q *OpQueue) EnqueueDeleteTx(ctx context.Context, tx *sql.Tx, userID, key string, ts time.Time) error {
	tomb := &Meal{CloudID: key, UserID: userID, Deleted: true, UpdatedAt: ts}
	return enqueueOp(ctx, tx, userID, key, OpDelete, tomb, ts)
}

// EnqueueSavedUpsert appends a push targeting the user's saved-meal
// (template) set.
func (q *OpQueue) EnqueueSavedUpsert(ctx context.Context, userID string, meal *Meal) error {
	return enqueueOp(ctx, q.db, userID, meal.Key(), OpUpsertSaved, meal, meal.UpdatedAt)
}

// EnqueueSavedDelete appends a tombstone push for a saved meal.
func (q *OpQueue) EnqueueSavedDelete(ctx context.Context, userID, key string, ts time.Time) error {
	tomb := &Meal{CloudID: key, UserID: userID, Deleted: true, UpdatedAt: ts}
	return enqueueOp(ctx, q.db, userID, key, OpDeleteSaved, tomb, ts)
}

func enqueueOp(ctx context.Context, db dbtx, userID, key string, kind OpKind, payload *Meal, ts time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal queue payload for %s: %w", key, err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO op_queue (record_key, user_uid, kind, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		key, userID, string(kind), string(body), formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s: %w", kind, key, err)
	}
	return nil
}

// NextBatch returns up to limit operations oldest-first without
// removing them; the consumer confirms completion with MarkDone. A row
// whose payload no longer decodes is returned with PayloadErr set so
// the consumer can surface it instead of halting the drain.
func (q *OpQueue) NextBatch(ctx context.Context, limit int) ([]Operation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, record_key, user_uid, kind, payload, updated_at, attempts
		FROM op_queue ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query op queue: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		var (
			op      Operation
			kind    string
			payload string
			updated string
		)
		if err := rows.Scan(&op.ID, &op.Key, &op.UserID, &kind, &payload, &updated, &op.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan op row: %w", err)
		}
		op.Kind = OpKind(kind)
		if op.Timestamp, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("failed to parse op timestamp: %w", err)
		}

		var meal Meal
		if err := json.Unmarshal([]byte(payload), &meal); err != nil {
			op.PayloadErr = fmt.Errorf("malformed queue payload: %w", err)
		} else {
			op.Meal = &meal
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkDone removes the operation; the only way a row leaves the queue.
func (q *OpQueue) MarkDone(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM op_queue WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark op %d done: %w", id, err)
	}
	return nil
}

// BumpAttempts increments the retry counter in place after a transient
// remote failure. There is no retry ceiling; the counter exists for
// observability.
func (q *OpQueue) BumpAttempts(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE op_queue SET attempts=attempts+1 WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump attempts for op %d: %w", id, err)
	}
	return nil
}

// Count returns the number of queued operations for the user.
func (q *OpQueue) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM op_queue WHERE user_uid=?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued ops: %w", err)
	}
	return n, nil
}
