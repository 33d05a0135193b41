// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/messaging"
)

// transitionKind is the classification of a member state event.
type transitionKind int

const (
	transitionNone transitionKind = iota
	transitionInviteForLocalUser
	transitionKnock
	transitionLeaveOrBan
)

func (k transitionKind) String() string {
	switch k {
	case transitionInviteForLocalUser:
		return "invite"
	case transitionKnock:
		return "knock"
	case transitionLeaveOrBan:
		return "leave"
	}
	return "none"
}

// membershipTransition is a classified member state event. user is the
// event's subject (the state key), sender the user who caused the
// transition.
type membershipTransition struct {
	kind     transitionKind
	room     ref.RoomID
	user     ref.UserID
	sender   ref.UserID
	isDirect bool
}

// classifyMembership extracts a typed transition from one event, or
// transitionNone for anything the reconciler does not act on. Side
// effect free; malformed state keys or membership values classify as
// transitionNone rather than erroring.
func (r *Reconciler) classifyMembership(roomID ref.RoomID, event *messaging.Event) membershipTransition {
	none := membershipTransition{kind: transitionNone}

	if event.Type != messaging.EventTypeMember || !event.IsState() {
		return none
	}
	subject, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return none
	}

	switch event.Membership() {
	case messaging.MembershipInvite:
		if !r.isLocalUser(subject) {
			return none
		}
		isDirect, _ := event.Content["is_direct"].(bool)
		return membershipTransition{
			kind:     transitionInviteForLocalUser,
			room:     roomID,
			user:     subject,
			sender:   event.Sender,
			isDirect: isDirect,
		}

	case messaging.MembershipKnock:
		return membershipTransition{
			kind: transitionKnock,
			room: roomID,
			user: subject,
		}

	case messaging.MembershipLeave, messaging.MembershipBan:
		return membershipTransition{
			kind: transitionLeaveOrBan,
			room: roomID,
		}
	}
	return none
}

// isLocalUser reports whether the user is hosted by this deployment.
func (r *Reconciler) isLocalUser(user ref.UserID) bool {
	return !user.IsZero() && user.Server() == r.serverName
}
