// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the daemon plumbing shared by Parley's
// Matrix-backed services: the /sync long-poll loop with reconnect
// backoff, invite acceptance, and a Unix-socket CBOR request/response
// server for operator diagnostics.
//
// The split between InitialSync and RunSyncLoop lets a service build
// its in-memory model synchronously from the first full-state response
// before entering the event-driven incremental phase.
package service
