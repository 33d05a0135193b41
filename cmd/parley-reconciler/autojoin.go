// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"time"

	"github.com/parleychat/parley/lib/ref"
)

// retryMakeJoin completes the join handshake for target after an
// invite that superseded their knock. An invite issued moments ago may
// not yet be visible on the join path, so failures retry with doubling
// backoff (0, 1, 2, 4, 8, ... seconds) up to the configured attempt
// cap, after which the attempt is abandoned. A later re-invite
// restarts the handshake from scratch.
func (r *Reconciler) retryMakeJoin(ctx context.Context, roomID ref.RoomID, sender, target ref.UserID, isDirect bool) {
	delay := time.Duration(0)

	for attempt := 1; attempt <= r.maxJoinAttempts; attempt++ {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(delay):
			}
		}

		err := r.session.JoinRoomAs(ctx, target, roomID)
		if err == nil {
			r.logger.Info("completed auto-join",
				"room_id", roomID,
				"user_id", target,
				"attempt", attempt,
			)
			r.addStat(func(s *reconcilerStats) { s.AutoJoinsSucceeded++ })
			if isDirect && !sender.IsZero() {
				r.markRoomAsDirectMessage(ctx, target, sender, roomID)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		r.logger.Warn("auto-join attempt failed",
			"room_id", roomID,
			"user_id", target,
			"attempt", attempt,
			"max_attempts", r.maxJoinAttempts,
			"error", err,
		)

		if delay == 0 {
			delay = time.Second
		} else {
			delay *= 2
		}
	}

	r.logger.Warn("giving up on auto-join",
		"room_id", roomID,
		"user_id", target,
		"attempts", r.maxJoinAttempts,
	)
	r.addStat(func(s *reconcilerStats) { s.AutoJoinsGivenUp++ })
}
