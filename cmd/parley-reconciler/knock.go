// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/messaging"
)

// hasPreviouslyKnocked reports whether the user's membership history
// in the room ends in a knock, either directly or through the event
// superseded by a pending invite. Any lookup failure returns false:
// auto-joining a user on uncertain history is worse than leaving a
// legitimate handshake incomplete, because the next invite re-triggers
// the check while a wrong join cannot be taken back silently.
func (r *Reconciler) hasPreviouslyKnocked(ctx context.Context, roomID ref.RoomID, user ref.UserID) bool {
	current := r.currentMemberEvent(ctx, roomID, user)
	if current == nil {
		return false
	}

	switch current.Membership() {
	case messaging.MembershipKnock:
		return true

	case messaging.MembershipInvite:
		// An invite that replaced a knock carries the superseded
		// event's ID in unsigned data.
		if current.Unsigned == nil || current.Unsigned.ReplacesState.IsZero() {
			return false
		}
		previous, err := r.session.Event(ctx, roomID, current.Unsigned.ReplacesState)
		if err != nil {
			r.logger.Warn("failed to fetch superseded membership event",
				"room_id", roomID,
				"user_id", user,
				"event_id", current.Unsigned.ReplacesState,
				"error", err,
			)
			return false
		}
		return previous.Membership() == messaging.MembershipKnock
	}
	return false
}

// currentMemberEvent returns the user's current member state event in
// the room, or nil when absent or unfetchable. The full-state endpoint
// is used instead of the content-only one because the superseded-event
// chain lives in unsigned data.
func (r *Reconciler) currentMemberEvent(ctx context.Context, roomID ref.RoomID, user ref.UserID) *messaging.Event {
	events, err := r.session.RoomState(ctx, roomID)
	if err != nil {
		r.logger.Warn("failed to fetch room state for knock history",
			"room_id", roomID,
			"user_id", user,
			"error", err,
		)
		return nil
	}
	for index := range events {
		event := &events[index]
		if event.Type == messaging.EventTypeMember && event.IsState() && *event.StateKey == user.String() {
			return event
		}
	}
	return nil
}
