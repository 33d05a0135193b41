// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/lib/testutil"
	"github.com/parleychat/parley/messaging"
)

// scriptedSession returns canned /sync results in order. Only the
// methods the sync loop touches are implemented; the rest panic.
type scriptedSession struct {
	mu      sync.Mutex
	results []syncResult
	calls   []messaging.SyncOptions
	joined  []ref.RoomID
	synced  chan struct{}
}

type syncResult struct {
	response *messaging.SyncResponse
	err      error
}

func newScriptedSession(results ...syncResult) *scriptedSession {
	return &scriptedSession{results: results, synced: make(chan struct{}, len(results)+1)}
}

func (s *scriptedSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	s.mu.Lock()
	s.calls = append(s.calls, options)
	if len(s.results) == 0 {
		s.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := s.results[0]
	s.results = s.results[1:]
	s.mu.Unlock()
	s.synced <- struct{}{}
	return next.response, next.err
}

func (s *scriptedSession) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID.String() == "!rejects:parley.chat" {
		return fmt.Errorf("join rejected")
	}
	s.joined = append(s.joined, roomID)
	return nil
}

func (s *scriptedSession) UserID() ref.UserID { return ref.MustParseUserID("@reconciler:parley.chat") }

func (s *scriptedSession) WhoAmI(context.Context) (ref.UserID, error) {
	return s.UserID(), nil
}

func (s *scriptedSession) RoomState(context.Context, ref.RoomID) ([]messaging.Event, error) {
	panic("not implemented")
}

func (s *scriptedSession) StateEventContent(context.Context, ref.RoomID, string, string) (json.RawMessage, error) {
	panic("not implemented")
}

func (s *scriptedSession) Event(context.Context, ref.RoomID, ref.EventID) (*messaging.Event, error) {
	panic("not implemented")
}

func (s *scriptedSession) SendStateEventAs(context.Context, ref.UserID, ref.RoomID, string, string, any) (ref.EventID, error) {
	panic("not implemented")
}

func (s *scriptedSession) InviteUserAs(context.Context, ref.UserID, ref.RoomID, ref.UserID) error {
	panic("not implemented")
}

func (s *scriptedSession) JoinRoomAs(context.Context, ref.UserID, ref.RoomID) error {
	panic("not implemented")
}

func (s *scriptedSession) AccountData(context.Context, ref.UserID, string) (json.RawMessage, error) {
	panic("not implemented")
}

func (s *scriptedSession) SetAccountData(context.Context, ref.UserID, string, any) error {
	panic("not implemented")
}

func TestRunSyncLoopAdvancesSinceToken(t *testing.T) {
	session := newScriptedSession(
		syncResult{response: &messaging.SyncResponse{NextBatch: "batch-2"}},
		syncResult{response: &messaging.SyncResponse{NextBatch: "batch-3"}},
	)

	handled := make(chan string, 2)
	handler := func(ctx context.Context, response *messaging.SyncResponse) {
		handled <- response.NextBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunSyncLoop(ctx, session, SyncConfig{}, "batch-1", handler, clock.Real(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	testutil.RequireReceive(t, handled, time.Second, "first sync response")
	testutil.RequireReceive(t, handled, time.Second, "second sync response")
	cancel()
	testutil.RequireClosed(t, done, time.Second, "sync loop exit")

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.calls[0].Since != "batch-1" {
		t.Errorf("first since = %q, want batch-1", session.calls[0].Since)
	}
	if session.calls[1].Since != "batch-2" {
		t.Errorf("second since = %q, want batch-2", session.calls[1].Since)
	}
}

func TestRunSyncLoopBacksOffOnError(t *testing.T) {
	session := newScriptedSession(
		syncResult{err: fmt.Errorf("connection refused")},
		syncResult{err: fmt.Errorf("connection refused")},
		syncResult{response: &messaging.SyncResponse{NextBatch: "batch-2"}},
	)

	handled := make(chan string, 1)
	handler := func(ctx context.Context, response *messaging.SyncResponse) {
		handled <- response.NextBatch
	}

	fake := clock.Fake(time.Unix(1700000000, 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunSyncLoop(ctx, session, SyncConfig{}, "batch-1", handler, fake, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	// First failure: 1s backoff.
	testutil.RequireReceive(t, session.synced, time.Second, "first sync attempt")
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	// Second failure: 2s backoff.
	testutil.RequireReceive(t, session.synced, time.Second, "second sync attempt")
	fake.WaitForTimers(1)
	fake.Advance(2 * time.Second)

	testutil.RequireReceive(t, session.synced, time.Second, "third sync attempt")
	if got := testutil.RequireReceive(t, handled, time.Second, "recovered sync response"); got != "batch-2" {
		t.Errorf("handled batch = %q, want batch-2", got)
	}

	cancel()
	testutil.RequireClosed(t, done, time.Second, "sync loop exit")
}

func TestAcceptInvites(t *testing.T) {
	session := newScriptedSession()
	invites := map[ref.RoomID]messaging.InvitedRoom{
		ref.MustParseRoomID("!lobby:parley.chat"):   {},
		ref.MustParseRoomID("!rejects:parley.chat"): {},
	}

	accepted := AcceptInvites(context.Background(), session, invites, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if len(accepted) != 1 || accepted[0].String() != "!lobby:parley.chat" {
		t.Errorf("accepted = %v, want [!lobby:parley.chat]", accepted)
	}
	if len(session.joined) != 1 {
		t.Errorf("joined = %v, want one room", session.joined)
	}
}
