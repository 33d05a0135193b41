// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"sort"

	"github.com/parleychat/parley/lib/service"
)

// registerActions registers the diagnostic socket API. The socket is
// reachable only by local processes with filesystem access to its
// path; there is no further authentication layer.
func (r *Reconciler) registerActions(server *service.SocketServer) {
	server.Handle("status", r.handleStatus)
	server.Handle("info", r.handleInfo)
	server.Handle("cooldowns", r.handleCooldowns)
}

// statusResponse is the "status" action's liveness answer.
type statusResponse struct {
	UptimeSeconds int  `cbor:"uptime_seconds"`
	Active        bool `cbor:"active"`
}

func (r *Reconciler) handleStatus(ctx context.Context, raw []byte) (any, error) {
	uptime := r.clock.Now().Sub(r.startedAt)
	return statusResponse{
		UptimeSeconds: int(uptime.Seconds()),
		Active:        r.active,
	}, nil
}

// infoResponse is the "info" action's counter dump.
type infoResponse struct {
	UptimeSeconds int             `cbor:"uptime_seconds"`
	Active        bool            `cbor:"active"`
	Stats         reconcilerStats `cbor:"stats"`
	CooldownRooms int             `cbor:"cooldown_rooms"`
}

func (r *Reconciler) handleInfo(ctx context.Context, raw []byte) (any, error) {
	uptime := r.clock.Now().Sub(r.startedAt)
	return infoResponse{
		UptimeSeconds: int(uptime.Seconds()),
		Active:        r.active,
		Stats:         r.statsSnapshot(),
		CooldownRooms: len(r.cooldown.snapshot()),
	}, nil
}

// cooldownEntry is one room's remaining suppression window.
type cooldownEntry struct {
	RoomID           string `cbor:"room_id"`
	RemainingSeconds int    `cbor:"remaining_seconds"`
}

// cooldownsResponse is the "cooldowns" action's answer, sorted by
// room ID for stable output.
type cooldownsResponse struct {
	Rooms []cooldownEntry `cbor:"rooms"`
}

func (r *Reconciler) handleCooldowns(ctx context.Context, raw []byte) (any, error) {
	snapshot := r.cooldown.snapshot()

	entries := make([]cooldownEntry, 0, len(snapshot))
	for roomID, remaining := range snapshot {
		entries = append(entries, cooldownEntry{
			RoomID:           roomID.String(),
			RemainingSeconds: int(remaining.Seconds()),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RoomID < entries[j].RoomID
	})
	return cooldownsResponse{Rooms: entries}, nil
}
