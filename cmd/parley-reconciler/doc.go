// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// parley-reconciler is the membership reconciliation daemon. It
// watches the /sync stream with appservice credentials and keeps
// rooms reachable:
//
//   - When a user knocks on a room, it finds the most powerful local
//     joined member, promotes them to invite authority if they lack
//     it, and issues the invite on their behalf.
//
//   - When an invite arrives for a local user whose previous
//     membership was a knock, it completes the join for them,
//     retrying with backoff to absorb propagation lag between the
//     invite and its visibility on the join path.
//
//   - When a member leaves or is banned from a restricted room, it
//     proactively restores invite authority so the room cannot
//     strand its remaining members without an approver.
//
// Rooms where reconciliation fails (typically because no local joined
// member exists to promote) enter a cooldown window so repeated
// knocks do not re-trigger futile work.
//
// All actuation impersonates local users through the appservice
// user_id query parameter; the reconciler's own account only joins
// rooms it is invited to so it can watch them. A diagnostic Unix
// socket exposes status, counters, and the current cooldown set.
package main
