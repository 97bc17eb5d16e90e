// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

// Package mealsync is the offline-first data layer of the food scanner
// app: a local SQLite store for meal records, a durable operation queue
// for pending remote mutations, an image-upload worklist, and a sync
// engine that reconciles local and remote state with last-write-wins
// conflict resolution.
//
// Local reads and writes never touch the network; the sync engine runs
// in the background and drains the queue whenever connectivity allows.
package mealsync

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared across the package.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrOffline indicates a sync step was skipped because the device
	// reported no connectivity. Callers treat it as a clean abort.
	ErrOffline = errors.New("offline")
)

// Totals holds the nutrition summary of a meal.
type Totals struct {
	Kcal    float64 `json:"kcal"`
	Protein float64 `json:"protein"`
	Carbs   float64 `json:"carbs"`
	Fat     float64 `json:"fat"`
}

// MealSource records how a meal entry was created.
type MealSource string

const (
	SourceManual MealSource = "manual"
	SourceAI     MealSource = "ai"
	SourceList   MealSource = "list"
)

// Meal is the primary domain record. CloudID is assigned once the
// record has a remote identity; until then MealID (locally generated)
// acts as the stable key. UpdatedAt is the sole conflict-resolution
// authority: whole-record last-write-wins, no field-level merge.
type Meal struct {
	CloudID        string     `json:"cloudId,omitempty"`
	MealID         string     `json:"mealId"`
	UserID         string     `json:"userUid"`
	Timestamp      time.Time  `json:"timestamp"`
	Type           string     `json:"type,omitempty"`
	Name           string     `json:"name,omitempty"`
	PhotoURL       string     `json:"photoUrl,omitempty"`
	PhotoLocalPath string     `json:"photoLocalPath,omitempty"`
	ImageID        string     `json:"imageId,omitempty"`
	Totals         Totals     `json:"totals"`
	Notes          string     `json:"notes,omitempty"`
	Tags           []string   `json:"tags,omitempty"`
	Deleted        bool       `json:"deleted,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Source         MealSource `json:"source,omitempty"`
}

// Key returns the stable key for the record: the cloud id once
// assigned, otherwise the locally generated meal id.
func (m *Meal) Key() string {
	if m.CloudID != "" {
		return m.CloudID
	}
	return m.MealID
}

// ImageStatus tracks the upload lifecycle of a local media asset.
type ImageStatus string

const (
	ImagePending  ImageStatus = "pending"
	ImageUploaded ImageStatus = "uploaded"
	ImageFailed   ImageStatus = "failed"
)

// Image is a local media asset awaiting (or done with) upload.
type Image struct {
	ImageID   string
	UserID    string
	LocalPath string
	RemoteURL string
	Status    ImageStatus
	UpdatedAt time.Time
}

// OpKind identifies the intent of a queued operation. The saved
// variants target the user's saved/template meal set rather than the
// primary meal log.
type OpKind string

const (
	OpUpsert      OpKind = "upsert"
	OpDelete      OpKind = "delete"
	OpUpsertSaved OpKind = "upsert_saved"
	OpDeleteSaved OpKind = "delete_saved"
)

// Collection returns the remote collection this kind targets.
func (k OpKind) Collection() Collection {
	if k == OpUpsertSaved || k == OpDeleteSaved {
		return CollectionSavedMeals
	}
	return CollectionMeals
}

// IsDelete reports whether the kind is a tombstone write.
func (k OpKind) IsDelete() bool { return k == OpDelete || k == OpDeleteSaved }

// Operation is a queued remote mutation. The payload is decoded at the
// persistence edge; a row whose stored JSON cannot be decoded surfaces
// with PayloadErr set and a nil Meal so the engine can report it
// instead of crashing the drain.
type Operation struct {
	ID         int64
	Key        string
	UserID     string
	Kind       OpKind
	Meal       *Meal
	Timestamp  time.Time
	Attempts   int
	PayloadErr error
}

// NewMealID returns a fresh locally generated meal identifier.
func NewMealID() string { return uuid.New().String() }

// NewImageID returns a fresh opaque image identifier.
func NewImageID() string { return uuid.New().String() }

// timeLayout stores timestamps as UTC millisecond ISO strings so that
// lexical order in SQLite equals chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate payloads written by other clients with full
		// nanosecond precision or offset notation.
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, err
}
