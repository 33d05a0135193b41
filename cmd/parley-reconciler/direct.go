// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"

	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/messaging"
)

// markRoomAsDirectMessage records the room in owner's direct-message
// index under counterparty, after an auto-joined invite that was
// flagged direct. Advisory UI metadata: the read-modify-write can race
// another client and lose an update, which is tolerated. What is not
// tolerated is corrupting entries this function does not understand,
// so unrecognized shapes abort the write entirely.
func (r *Reconciler) markRoomAsDirectMessage(ctx context.Context, owner, counterparty ref.UserID, roomID ref.RoomID) {
	index := make(map[string]json.RawMessage)

	raw, err := r.session.AccountData(ctx, owner, messaging.AccountDataDirectMessages)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &index); err != nil {
			r.logger.Warn("direct-message index is not an object, leaving it alone",
				"user_id", owner,
				"error", err,
			)
			return
		}
	case messaging.IsMatrixError(err, messaging.ErrCodeNotFound):
		// No index yet; start one.
	default:
		r.logger.Warn("failed to read direct-message index",
			"user_id", owner,
			"error", err,
		)
		return
	}

	var rooms []ref.RoomID
	if existing, exists := index[counterparty.String()]; exists {
		if err := json.Unmarshal(existing, &rooms); err != nil {
			r.logger.Warn("direct-message entry has unrecognized shape, leaving it alone",
				"user_id", owner,
				"counterparty", counterparty,
				"error", err,
			)
			return
		}
	}

	for _, existing := range rooms {
		if existing == roomID {
			return
		}
	}
	rooms = append(rooms, roomID)

	updated, err := json.Marshal(rooms)
	if err != nil {
		r.logger.Warn("failed to encode direct-message entry",
			"user_id", owner,
			"error", err,
		)
		return
	}
	index[counterparty.String()] = updated

	if err := r.session.SetAccountData(ctx, owner, messaging.AccountDataDirectMessages, index); err != nil {
		r.logger.Warn("failed to write direct-message index",
			"user_id", owner,
			"counterparty", counterparty,
			"room_id", roomID,
			"error", err,
		)
		return
	}

	r.logger.Info("tagged room as direct message",
		"user_id", owner,
		"counterparty", counterparty,
		"room_id", roomID,
	)
}
