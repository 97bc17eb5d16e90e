// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Collection names a remote record set.
type Collection string

const (
	// CollectionMeals is the primary meal log.
	CollectionMeals Collection = "meals"

	// CollectionSavedMeals is the user's saved/template meal set.
	CollectionSavedMeals Collection = "saved_meals"
)

// CloudService is the abstract remote records backend the sync engine
// talks to. Implementations are expected to provide per-user document
// storage with eventual consistency; Set has merge semantics so a
// tombstone write does not erase unrelated fields.
type CloudService interface {
	// Get returns the remote record or ErrNotFound.
	Get(ctx context.Context, userID string, coll Collection, key string) (*Meal, error)

	// Set writes the record under the key, merging into any existing
	// document.
	Set(ctx context.Context, userID string, coll Collection, key string, meal *Meal) error

	// QueryUpdatedSince returns records with UpdatedAt strictly greater
	// than since, ordered ascending by UpdatedAt, one page at a time.
	// The returned cursor is empty on the last page.
	QueryUpdatedSince(ctx context.Context, userID string, since time.Time, pageSize int, cursor string) ([]Meal, string, error)

	// UploadImage transfers the local file and returns its public URL.
	UploadImage(ctx context.Context, userID, localPath string) (string, error)
}

// Connectivity is the boolean network signal the engine consults at
// every step boundary. Changes delivers transition notifications; a
// regained connection triggers a fresh sync cycle.
type Connectivity interface {
	Online() bool
	Changes() <-chan bool
}

// ManualConnectivity is a Connectivity implementation driven by
// explicit SetOnline calls, used by tests and by hosts that bridge a
// platform reachability API.
type ManualConnectivity struct {
	online int32
	mu     sync.Mutex
	ch     chan bool
}

// NewManualConnectivity starts in the given state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	c := &ManualConnectivity{ch: make(chan bool, 8)}
	if online {
		c.online = 1
	}
	return c
}

// Online reports the current state.
func (c *ManualConnectivity) Online() bool {
	return atomic.LoadInt32(&c.online) == 1
}

// Changes returns the transition channel.
func (c *ManualConnectivity) Changes() <-chan bool {
	return c.ch
}

// SetOnline flips the state and notifies listeners of transitions.
// Notification is best-effort: a full channel drops the signal rather
// than blocking the caller.
func (c *ManualConnectivity) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	if atomic.SwapInt32(&c.online, v) == v {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case c.ch <- online:
	default:
	}
}
