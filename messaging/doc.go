// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the Matrix client-server API for the Parley
// reconciler.
//
// [Client] holds the homeserver URL and HTTP transport. An
// [AppserviceSession] wraps a Client with an application-service token
// and performs the operations the reconciler needs: incremental /sync
// with long-polling, room state reads, single-event lookup, state
// event and membership writes, and per-user account data.
//
// Because the reconciler acts on behalf of ordinary local users (an
// invite must be sent by the promoted room member, a join must be
// performed by the invitee), write operations take an explicit acting
// user and use appservice user_id impersonation — the standalone
// equivalent of running inside the homeserver with module privileges.
// [Session] is the interface the reconciler consumes; tests substitute
// an in-memory fake.
//
// All API errors are returned as [*MatrixError] carrying the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, ...) and HTTP status.
// Request URLs are built by string concatenation rather than url.URL
// to avoid double-encoding of path segments that already contain
// URL-encoded characters.
package messaging
