// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"testing"
	"time"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/lib/testutil"
)

func TestParsePowerLevels(t *testing.T) {
	t.Run("defaults for empty content", func(t *testing.T) {
		parsed := parsePowerLevels(map[string]any{})
		if parsed.invite != 50 {
			t.Errorf("invite = %d, want 50", parsed.invite)
		}
		if parsed.usersDefault != 0 {
			t.Errorf("users_default = %d, want 0", parsed.usersDefault)
		}
	})

	t.Run("explicit values", func(t *testing.T) {
		parsed := parsePowerLevels(map[string]any{
			"invite":        float64(25),
			"users_default": float64(10),
			"users": map[string]any{
				"@alice:parley.chat": float64(100),
			},
		})
		if parsed.invite != 25 || parsed.usersDefault != 10 {
			t.Errorf("invite = %d, users_default = %d", parsed.invite, parsed.usersDefault)
		}
		alice := ref.MustParseUserID("@alice:parley.chat")
		if parsed.effectivePower(alice) != 100 {
			t.Errorf("alice power = %d, want 100", parsed.effectivePower(alice))
		}
	})

	t.Run("malformed entries fall back to defaults", func(t *testing.T) {
		parsed := parsePowerLevels(map[string]any{
			"invite":        "fifty",
			"users_default": []any{},
			"users": map[string]any{
				"@alice:parley.chat": "lots",
				"not-a-user-id":      float64(100),
				"@bob:parley.chat":   float64(5),
			},
		})
		if parsed.invite != 50 {
			t.Errorf("invite = %d, want default 50", parsed.invite)
		}
		alice := ref.MustParseUserID("@alice:parley.chat")
		if parsed.effectivePower(alice) != 0 {
			t.Errorf("alice power = %d, want users_default 0", parsed.effectivePower(alice))
		}
		bob := ref.MustParseUserID("@bob:parley.chat")
		if parsed.effectivePower(bob) != 5 {
			t.Errorf("bob power = %d, want 5", parsed.effectivePower(bob))
		}
	})

	t.Run("non-map users section", func(t *testing.T) {
		parsed := parsePowerLevels(map[string]any{"users": "everyone"})
		if len(parsed.users) != 0 {
			t.Errorf("users = %v, want empty", parsed.users)
		}
	})
}

func localUsers(ids ...string) []ref.UserID {
	users := make([]ref.UserID, len(ids))
	for i, id := range ids {
		users[i] = ref.MustParseUserID(id)
	}
	return users
}

func TestResolveInviter(t *testing.T) {
	alice := ref.MustParseUserID("@alice:parley.chat")
	bob := ref.MustParseUserID("@bob:parley.chat")

	snapshotWith := func(users map[ref.UserID]int, members ...string) *roomSnapshot {
		return &roomSnapshot{
			power:          powerLevels{users: users, invite: 50},
			hasPowerLevels: true,
			joinedLocal:    localUsers(members...),
		}
	}

	t.Run("no power levels", func(t *testing.T) {
		snapshot := &roomSnapshot{joinedLocal: localUsers("@alice:parley.chat")}
		if _, found := resolveInviter(snapshot, true); found {
			t.Error("resolved an inviter without power levels")
		}
	})

	t.Run("no local members", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{alice: 100})
		if _, found := resolveInviter(snapshot, true); found {
			t.Error("resolved an inviter with no local members")
		}
	})

	t.Run("maximal power wins", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{alice: 100, bob: 10},
			"@alice:parley.chat", "@bob:parley.chat")
		inviter, found := resolveInviter(snapshot, false)
		if !found || inviter != alice {
			t.Errorf("inviter = %v found = %v, want alice", inviter, found)
		}
	})

	t.Run("tie breaks to lexicographically smallest", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{alice: 100, bob: 100},
			"@bob:parley.chat", "@alice:parley.chat")
		inviter, found := resolveInviter(snapshot, false)
		if !found || inviter != alice {
			t.Errorf("inviter = %v found = %v, want alice", inviter, found)
		}
	})

	t.Run("non-promoting refuses a weak candidate", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{bob: 10}, "@bob:parley.chat")
		if _, found := resolveInviter(snapshot, false); found {
			t.Error("non-promoting variant resolved a candidate below invite power")
		}
	})

	t.Run("promoting returns a weak candidate", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{bob: 10}, "@bob:parley.chat")
		inviter, found := resolveInviter(snapshot, true)
		if !found || inviter != bob {
			t.Errorf("inviter = %v found = %v, want bob", inviter, found)
		}
	})

	t.Run("deterministic over repeated calls", func(t *testing.T) {
		snapshot := snapshotWith(map[ref.UserID]int{alice: 50, bob: 50},
			"@bob:parley.chat", "@alice:parley.chat")
		first, _ := resolveInviter(snapshot, false)
		for i := 0; i < 10; i++ {
			again, _ := resolveInviter(snapshot, false)
			if again != first {
				t.Fatalf("call %d resolved %v, first call resolved %v", i, again, first)
			}
		}
	})
}

func TestPromoteIfNeededMergesUsersMap(t *testing.T) {
	session := newFakeSession()
	reconciler := newTestReconciler(session, clock.Fake(time.Unix(1700000000, 0)))
	room := ref.MustParseRoomID("!lobby:parley.chat")
	bob := ref.MustParseUserID("@bob:parley.chat")

	snapshot := &roomSnapshot{
		power: powerLevels{
			users:  map[ref.UserID]int{ref.MustParseUserID("@alice:parley.chat"): 100},
			invite: 50,
		},
		rawPowerLevels: map[string]any{
			"invite":        float64(50),
			"state_default": float64(50),
			"users": map[string]any{
				"@alice:parley.chat": float64(100),
			},
		},
		hasPowerLevels: true,
	}

	if !reconciler.promoteIfNeeded(context.Background(), room, snapshot, bob) {
		t.Fatal("promoteIfNeeded returned false")
	}

	record := testutil.RequireReceive(t, session.promoted, time.Second, "power levels update")
	users, ok := record.content["users"].(map[string]any)
	if !ok {
		t.Fatalf("users section = %T", record.content["users"])
	}
	if users["@alice:parley.chat"] != float64(100) {
		t.Errorf("alice entry = %v, existing entries must be preserved", users["@alice:parley.chat"])
	}
	if power, ok := asInt(users["@bob:parley.chat"]); !ok || power != 50 {
		t.Errorf("bob entry = %v, want exactly invite power 50", users["@bob:parley.chat"])
	}
	if record.content["state_default"] != float64(50) {
		t.Errorf("state_default = %v, unrelated fields must be carried through", record.content["state_default"])
	}
}

func TestPromoteIfNeededSkipsSufficientPower(t *testing.T) {
	session := newFakeSession()
	reconciler := newTestReconciler(session, clock.Fake(time.Unix(1700000000, 0)))
	room := ref.MustParseRoomID("!lobby:parley.chat")
	alice := ref.MustParseUserID("@alice:parley.chat")

	snapshot := &roomSnapshot{
		power: powerLevels{
			users:  map[ref.UserID]int{alice: 100},
			invite: 50,
		},
		hasPowerLevels: true,
	}

	if !reconciler.promoteIfNeeded(context.Background(), room, snapshot, alice) {
		t.Fatal("promoteIfNeeded returned false")
	}
	if session.stateSendCount() != 0 {
		t.Errorf("state sends = %d, want none for an already sufficient inviter", session.stateSendCount())
	}
}

func TestEnsureInviterOnLeaveJoinRuleGate(t *testing.T) {
	for _, test := range []struct {
		rule          string
		wantPromotion bool
	}{
		{"restricted", true},
		{"knock_restricted", true},
		{"public", false},
		{"knock", false},
		{"invite", false},
	} {
		t.Run(test.rule, func(t *testing.T) {
			session := newFakeSession()
			reconciler := newTestReconciler(session, clock.Fake(time.Unix(1700000000, 0)))
			room := ref.MustParseRoomID("!space:parley.chat")

			session.setState(room, powerLevelsEvent("$pl", map[string]any{
				"invite": float64(50),
				"users":  map[string]any{},
			}))
			session.setState(room, joinRulesEvent("$jr", test.rule))
			session.setState(room, memberEvent("$bob", "@bob:parley.chat", "@bob:parley.chat", "join"))

			reconciler.ensureInviterOnLeave(context.Background(), room)

			if test.wantPromotion {
				record := testutil.RequireReceive(t, session.promoted, time.Second, "promotion for rule %s", test.rule)
				users := record.content["users"].(map[string]any)
				if power, ok := asInt(users["@bob:parley.chat"]); !ok || power != 50 {
					t.Errorf("bob entry = %v, want 50", users["@bob:parley.chat"])
				}
			} else if session.stateSendCount() != 0 {
				t.Errorf("rule %s triggered a promotion", test.rule)
			}
		})
	}
}
