// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import "github.com/parleychat/parley/lib/ref"

// Matrix event types and content keys the reconciler works with.
const (
	EventTypeMember      = "m.room.member"
	EventTypePowerLevels = "m.room.power_levels"
	EventTypeJoinRules   = "m.room.join_rules"

	// AccountDataDirectMessages is the account data key holding a
	// user's direct-message index: a map from counterparty user ID to
	// a list of room IDs.
	AccountDataDirectMessages = "m.direct"
)

// Membership values of an m.room.member state event.
const (
	MembershipInvite = "invite"
	MembershipJoin   = "join"
	MembershipKnock  = "knock"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Join rule values of an m.room.join_rules state event. Restricted
// and knock-restricted rooms require a sufficiently powerful resident
// member to authorize joins, which is why departures from them
// trigger proactive inviter restoration.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)

// Event is a Matrix event as returned by /sync, /state, and the
// single-event lookup endpoint. Content stays loosely typed; callers
// parse it defensively because federated rooms can carry arbitrary
// shapes.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// IsState reports whether the event is a state event (has a state
// key, possibly empty).
func (e *Event) IsState() bool { return e.StateKey != nil }

// Membership returns the membership value of an m.room.member event,
// or "" when absent or not a string.
func (e *Event) Membership() string {
	value, _ := e.Content["membership"].(string)
	return value
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age int64 `json:"age,omitempty"`

	// ReplacesState is the event ID of the state event this one
	// superseded, when the homeserver includes it. The knock history
	// resolver follows it to see whether an invite replaced a knock.
	ReplacesState ref.EventID `json:"replaces_state,omitempty"`

	// PrevContent is the content of the superseded state event.
	PrevContent map[string]any `json:"prev_content,omitempty"`
}

// SyncOptions controls the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from the previous sync; empty for initial
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // send the timeout parameter even when zero
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level /sync response.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection groups per-room sync data by membership state. Map
// keys decode through ref.RoomID's TextUnmarshaler, validating every
// room ID at the boundary.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom carries sync data for a room the session has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom carries stripped state for a pending invite.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// TimelineSection holds timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection holds state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID ref.UserID `json:"user_id"`
}

// InviteRequest is the body of the room invite endpoint.
type InviteRequest struct {
	UserID ref.UserID `json:"user_id"`
}

// SendEventResponse is returned by state event sends.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}
