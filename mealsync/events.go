// Copyright 2026 Lukasz Kurczab
// SPDX-License-Identifier: Apache-2.0

package mealsync

import (
	"sync"
	"time"
)

// EventKind names the change notifications the data layer emits.
type EventKind string

const (
	// EventRecordChanged fires after a local upsert (including records
	// adopted from a remote pull).
	EventRecordChanged EventKind = "record-changed"

	// EventRecordDeleted fires after a local soft delete.
	EventRecordDeleted EventKind = "record-deleted"

	// EventSynced fires after a sync cycle completes all three steps.
	EventSynced EventKind = "synced"

	// EventPushFailed fires when a queued operation fails to reach the
	// remote service and stays queued for the next cycle.
	EventPushFailed EventKind = "push-failed"
)

// Event carries a change notification to subscribers.
type Event struct {
	Kind   EventKind
	Key    string
	UserID string
	Time   time.Time
}

const eventBuffer = 16

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining its channel loses events rather than
// stalling a local write.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus returns an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned func removes the
// subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, eventBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
