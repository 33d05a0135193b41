// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/messaging"
)

// defaultInvitePower is the power level required to invite when the
// room's power levels omit the "invite" field.
const defaultInvitePower = 50

// powerLevels is the defensively parsed subset of an
// m.room.power_levels event the inviter resolution needs. Missing or
// malformed fields take the protocol defaults; nothing here errors.
type powerLevels struct {
	users        map[ref.UserID]int
	usersDefault int
	invite       int
}

// effectivePower returns the user's power level, falling back to
// users_default when the user has no entry.
func (p *powerLevels) effectivePower(user ref.UserID) int {
	if power, exists := p.users[user]; exists {
		return power
	}
	return p.usersDefault
}

// parsePowerLevels extracts power levels from raw event content.
// Non-numeric values anywhere are treated as absent; a malformed
// users map entry falls back to users_default via effectivePower.
func parsePowerLevels(content map[string]any) powerLevels {
	parsed := powerLevels{
		users:  make(map[ref.UserID]int),
		invite: defaultInvitePower,
	}
	if value, ok := asInt(content["invite"]); ok {
		parsed.invite = value
	}
	if value, ok := asInt(content["users_default"]); ok {
		parsed.usersDefault = value
	}
	if users, ok := content["users"].(map[string]any); ok {
		for rawUser, rawPower := range users {
			user, err := ref.ParseUserID(rawUser)
			if err != nil {
				continue
			}
			if power, ok := asInt(rawPower); ok {
				parsed.users[user] = power
			}
		}
	}
	return parsed
}

// asInt converts the numeric shapes JSON decoding produces. Power
// levels are integers in the protocol but arrive as float64 through
// map[string]any.
func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

// roomSnapshot is one room's current state as the inviter resolution
// sees it: parsed power levels, the raw power-levels content (kept so
// promotion updates merge into it rather than replacing it), the
// joined local members, and the join rule.
type roomSnapshot struct {
	power          powerLevels
	rawPowerLevels map[string]any
	hasPowerLevels bool
	joinedLocal    []ref.UserID
	joinRule       string
}

// snapshotRoom fetches the room's full state and extracts the pieces
// inviter resolution needs.
func (r *Reconciler) snapshotRoom(ctx context.Context, roomID ref.RoomID) (*roomSnapshot, error) {
	events, err := r.session.RoomState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("fetching room state: %w", err)
	}

	snapshot := &roomSnapshot{}
	for index := range events {
		event := &events[index]
		if !event.IsState() {
			continue
		}
		switch event.Type {
		case messaging.EventTypePowerLevels:
			if *event.StateKey == "" {
				snapshot.rawPowerLevels = event.Content
				snapshot.power = parsePowerLevels(event.Content)
				snapshot.hasPowerLevels = true
			}
		case messaging.EventTypeJoinRules:
			if *event.StateKey == "" {
				snapshot.joinRule, _ = event.Content["join_rule"].(string)
			}
		case messaging.EventTypeMember:
			if event.Membership() != messaging.MembershipJoin {
				continue
			}
			member, err := ref.ParseUserID(*event.StateKey)
			if err != nil {
				continue
			}
			if r.isLocalUser(member) && member != r.session.UserID() {
				snapshot.joinedLocal = append(snapshot.joinedLocal, member)
			}
		}
	}
	return snapshot, nil
}

// resolveInviter picks the local joined member with maximal effective
// power. Ties break to the lexicographically smallest user ID so
// repeated resolution against unchanged state is deterministic. In the
// non-promoting variant a best candidate below the invite power yields
// no inviter; the promoting variant always returns the best candidate
// and leaves the power check to the caller.
func resolveInviter(snapshot *roomSnapshot, promoting bool) (ref.UserID, bool) {
	if !snapshot.hasPowerLevels || len(snapshot.joinedLocal) == 0 {
		return ref.UserID{}, false
	}

	var best ref.UserID
	bestPower := 0
	for _, candidate := range snapshot.joinedLocal {
		power := snapshot.power.effectivePower(candidate)
		switch {
		case best.IsZero(), power > bestPower:
			best = candidate
			bestPower = power
		case power == bestPower && candidate.String() < best.String():
			best = candidate
		}
	}

	if !promoting && bestPower < snapshot.power.invite {
		return ref.UserID{}, false
	}
	return best, true
}

// ensureInviterAndInvite restores invite authority in the room and
// invites target. Best effort: every failure path logs, records a
// cooldown failure for the room, and returns. The next knock after
// the cooldown re-evaluates from scratch.
func (r *Reconciler) ensureInviterAndInvite(ctx context.Context, roomID ref.RoomID, target ref.UserID) {
	snapshot, err := r.snapshotRoom(ctx, roomID)
	if err != nil {
		r.logger.Error("cannot resolve inviter",
			"room_id", roomID,
			"target", target,
			"error", err,
		)
		r.cooldown.recordFailure(roomID)
		return
	}

	inviter, found := resolveInviter(snapshot, true)
	if !found {
		// No local joined member to promote. Terminal for this
		// attempt: only a future membership change can fix it.
		r.logger.Warn("no eligible inviter in room",
			"room_id", roomID,
			"target", target,
			"local_members", len(snapshot.joinedLocal),
		)
		r.cooldown.recordFailure(roomID)
		return
	}

	if !r.promoteIfNeeded(ctx, roomID, snapshot, inviter) {
		r.cooldown.recordFailure(roomID)
		return
	}

	if err := r.session.InviteUserAs(ctx, inviter, roomID, target); err != nil {
		r.logger.Error("invite failed",
			"room_id", roomID,
			"sender", inviter,
			"target", target,
			"error", err,
		)
		r.cooldown.recordFailure(roomID)
		return
	}
	r.addStat(func(s *reconcilerStats) { s.InvitesSent++ })
}

// ensureInviterOnLeave proactively restores invite authority after a
// departure, without inviting anyone. Only restricted join rules get
// this treatment: in rooms anyone can join or knock into, a promotion
// nobody asked for is wasted state churn.
func (r *Reconciler) ensureInviterOnLeave(ctx context.Context, roomID ref.RoomID) {
	snapshot, err := r.snapshotRoom(ctx, roomID)
	if err != nil {
		r.logger.Error("cannot resolve inviter after departure",
			"room_id", roomID,
			"error", err,
		)
		return
	}

	if snapshot.joinRule != messaging.JoinRuleRestricted && snapshot.joinRule != messaging.JoinRuleKnockRestricted {
		return
	}

	inviter, found := resolveInviter(snapshot, true)
	if !found {
		r.logger.Warn("no eligible inviter left after departure",
			"room_id", roomID,
			"join_rule", snapshot.joinRule,
		)
		return
	}
	r.promoteIfNeeded(ctx, roomID, snapshot, inviter)
}

// promoteIfNeeded raises the inviter's power level to exactly the
// room's invite power when it is below it. The update merges the
// single changed entry into the existing users map; all other
// power-levels content is carried through untouched, so two
// concurrent promotions of the same user write identical events.
// Returns false when the write fails.
func (r *Reconciler) promoteIfNeeded(ctx context.Context, roomID ref.RoomID, snapshot *roomSnapshot, inviter ref.UserID) bool {
	currentPower := snapshot.power.effectivePower(inviter)
	if currentPower >= snapshot.power.invite {
		return true
	}

	content := make(map[string]any, len(snapshot.rawPowerLevels))
	for key, value := range snapshot.rawPowerLevels {
		content[key] = value
	}
	users := make(map[string]any)
	if existing, ok := snapshot.rawPowerLevels["users"].(map[string]any); ok {
		for user, power := range existing {
			users[user] = power
		}
	}
	users[inviter.String()] = snapshot.power.invite
	content["users"] = users

	// The reconciler's own account sends the update; promotion is
	// needed precisely when no user in the room could authorize it
	// themselves.
	if _, err := r.session.SendStateEventAs(ctx, r.session.UserID(), roomID, messaging.EventTypePowerLevels, "", content); err != nil {
		r.logger.Error("promotion failed",
			"room_id", roomID,
			"user_id", inviter,
			"from_power", currentPower,
			"to_power", snapshot.power.invite,
			"error", err,
		)
		return false
	}

	r.logger.Info("promoted member to invite authority",
		"room_id", roomID,
		"user_id", inviter,
		"from_power", currentPower,
		"to_power", snapshot.power.invite,
	)
	r.addStat(func(s *reconcilerStats) { s.Promotions++ })
	return true
}
