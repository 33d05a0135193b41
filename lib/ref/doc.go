// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated Matrix identifier types.
//
// Raw identifier strings from the homeserver (user IDs, room IDs,
// event IDs) are parsed into these types at the API boundary, so code
// deeper in the reconciler never handles an identifier that hasn't
// been structurally checked. All types are immutable value types whose
// zero value is invalid; use IsZero to test for "unset".
//
// The types implement encoding.TextMarshaler and TextUnmarshaler, so
// encoding/json validates identifiers automatically when decoding
// homeserver responses.
package ref
