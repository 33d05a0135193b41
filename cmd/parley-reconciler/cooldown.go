// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"sync"
	"time"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/ref"
)

// cooldownTracker suppresses repeated reconciliation attempts against
// rooms that just failed. A room with no promotable member fails
// identically on every knock; without suppression each knock would
// re-fetch state and re-log the same terminal condition.
//
// Process local and in memory: state is lost on restart and
// recomputed on the next trigger, which is acceptable because the
// tracker only rate-limits, it never gates correctness.
type cooldownTracker struct {
	mu       sync.Mutex
	clock    clock.Clock
	window   time.Duration
	failures map[ref.RoomID]time.Time
}

func newCooldownTracker(clk clock.Clock, window time.Duration) *cooldownTracker {
	return &cooldownTracker{
		clock:    clk,
		window:   window,
		failures: make(map[ref.RoomID]time.Time),
	}
}

// shouldSkip reports whether the room failed within the cooldown
// window.
func (t *cooldownTracker) shouldSkip(roomID ref.RoomID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lastFailure, exists := t.failures[roomID]
	if !exists {
		return false
	}
	return t.clock.Now().Sub(lastFailure) < t.window
}

// recordFailure marks the room as failed now. Expired entries are
// pruned on the way, bounding the map to rooms that failed within the
// last window.
func (t *cooldownTracker) recordFailure(roomID ref.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	for room, lastFailure := range t.failures {
		if now.Sub(lastFailure) >= t.window {
			delete(t.failures, room)
		}
	}
	t.failures[roomID] = now
}

// snapshot returns the remaining cooldown per room, for diagnostics.
func (t *cooldownTracker) snapshot() map[ref.RoomID]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	remaining := make(map[ref.RoomID]time.Duration)
	for room, lastFailure := range t.failures {
		if left := t.window - now.Sub(lastFailure); left > 0 {
			remaining[room] = left
		}
	}
	return remaining
}
