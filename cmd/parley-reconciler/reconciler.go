// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/config"
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/lib/service"
	"github.com/parleychat/parley/messaging"
)

// syncFilter restricts the /sync response to the event types the
// reconciler acts on. Timeline includes the same types as state
// because membership changes arrive as timeline events during
// incremental sync.
var syncFilter = buildSyncFilter()

func buildSyncFilter() string {
	memberTypes := []string{
		messaging.EventTypeMember,
		messaging.EventTypePowerLevels,
		messaging.EventTypeJoinRules,
	}
	emptyTypes := []string{}

	filter := map[string]any{
		"room": map[string]any{
			"state": map[string]any{
				"types": memberTypes,
			},
			"timeline": map[string]any{
				"types": memberTypes,
				"limit": 100,
			},
			"ephemeral": map[string]any{
				"types": emptyTypes,
			},
			"account_data": map[string]any{
				"types": emptyTypes,
			},
		},
		"presence": map[string]any{
			"types": emptyTypes,
		},
		"account_data": map[string]any{
			"types": emptyTypes,
		},
	}

	data, err := json.Marshal(filter)
	if err != nil {
		panic("building sync filter: " + err.Error())
	}
	return string(data)
}

// Reconciler is the membership reconciliation coordinator. Each
// qualifying member event spawns an independent goroutine; there is no
// per-room locking. Concurrent invocations for the same room converge
// because every actuation recomputes from current room state and the
// writes (merge-and-set power levels, invite, join) are idempotent.
type Reconciler struct {
	session messaging.Session
	clock   clock.Clock
	logger  *slog.Logger

	// serverName decides which users are local. Only local users are
	// auto-joined or promoted.
	serverName string

	enableKnockAutoInvite bool
	maxJoinAttempts       int

	// active is false in observe-only mode: an instance whose
	// worker_name does not match the configured reconcile worker
	// watches the stream but never actuates.
	active bool

	cooldown  *cooldownTracker
	startedAt time.Time

	mu    sync.Mutex
	stats reconcilerStats
}

// reconcilerStats counts reconciliation outcomes for the diagnostic
// socket. Guarded by Reconciler.mu.
type reconcilerStats struct {
	KnocksSeen         int `cbor:"knocks_seen"`
	KnocksSuppressed   int `cbor:"knocks_suppressed"`
	InvitesSent        int `cbor:"invites_sent"`
	Promotions         int `cbor:"promotions"`
	AutoJoinsSucceeded int `cbor:"auto_joins_succeeded"`
	AutoJoinsGivenUp   int `cbor:"auto_joins_given_up"`
}

func newReconciler(session messaging.Session, clk clock.Clock, cfg *config.Config, active bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		session:               session,
		clock:                 clk,
		logger:                logger,
		serverName:            cfg.ServerName,
		enableKnockAutoInvite: cfg.Reconcile.EnableKnockAutoInvite,
		maxJoinAttempts:       cfg.Reconcile.MaxJoinRetries,
		active:                active,
		cooldown:              newCooldownTracker(clk, time.Duration(cfg.Reconcile.CooldownSeconds)*time.Second),
		startedAt:             clk.Now(),
	}
}

// handleSync processes one /sync response. Invite acceptance for the
// reconciler's own account happens inline (it must be a member before
// a room appears in the join section); everything else is dispatched
// as fire-and-forget goroutines so a slow room never delays the next
// poll.
func (r *Reconciler) handleSync(ctx context.Context, response *messaging.SyncResponse) {
	if len(response.Rooms.Invite) > 0 {
		service.AcceptInvites(ctx, r.session, response.Rooms.Invite, r.logger)
	}

	for roomID, room := range response.Rooms.Join {
		r.processRoom(ctx, roomID, room)
	}
}

// processRoom classifies every member state event of one room's sync
// section and dispatches the qualifying transitions. An event can
// appear in both the state and timeline sections of the same
// response; seen tracks event IDs so it is dispatched once.
func (r *Reconciler) processRoom(ctx context.Context, roomID ref.RoomID, room messaging.JoinedRoom) {
	seen := make(map[ref.EventID]bool)

	dispatch := func(events []messaging.Event) {
		for index := range events {
			event := &events[index]
			if !event.EventID.IsZero() {
				if seen[event.EventID] {
					continue
				}
				seen[event.EventID] = true
			}
			transition := r.classifyMembership(roomID, event)
			if transition.kind == transitionNone {
				continue
			}
			r.dispatchTransition(ctx, transition)
		}
	}

	dispatch(room.State.Events)
	dispatch(room.Timeline.Events)
}

// dispatchTransition routes one classified transition. Each actuation
// runs in its own goroutine; the actuators are best-effort and log
// their own failures, so nothing propagates back into the sync loop.
func (r *Reconciler) dispatchTransition(ctx context.Context, transition membershipTransition) {
	if !r.active {
		r.logger.Debug("observe-only mode, skipping transition",
			"room_id", transition.room,
			"kind", transition.kind,
		)
		return
	}

	switch transition.kind {
	case transitionKnock:
		r.addStat(func(s *reconcilerStats) { s.KnocksSeen++ })
		if !r.enableKnockAutoInvite {
			return
		}
		if r.cooldown.shouldSkip(transition.room) {
			r.addStat(func(s *reconcilerStats) { s.KnocksSuppressed++ })
			r.logger.Debug("room in cooldown, skipping knock",
				"room_id", transition.room,
				"user_id", transition.user,
			)
			return
		}
		go r.ensureInviterAndInvite(ctx, transition.room, transition.user)

	case transitionInviteForLocalUser:
		// Invites for the reconciler's own account are handled by
		// AcceptInvites; everything else goes through the knock
		// history check.
		if transition.user == r.session.UserID() {
			return
		}
		go r.maybeAutoJoin(ctx, transition)

	case transitionLeaveOrBan:
		go r.ensureInviterOnLeave(ctx, transition.room)
	}
}

// maybeAutoJoin completes the join handshake for an invite that
// supersedes a knock. Invites with no knock history are left alone:
// joining on the user's behalf without their prior request would be
// overreach.
func (r *Reconciler) maybeAutoJoin(ctx context.Context, transition membershipTransition) {
	if !r.hasPreviouslyKnocked(ctx, transition.room, transition.user) {
		return
	}
	r.retryMakeJoin(ctx, transition.room, transition.sender, transition.user, transition.isDirect)
}

func (r *Reconciler) addStat(update func(*reconcilerStats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&r.stats)
}

func (r *Reconciler) statsSnapshot() reconcilerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
