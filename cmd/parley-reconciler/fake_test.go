// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/parleychat/parley/lib/clock"
	"github.com/parleychat/parley/lib/config"
	"github.com/parleychat/parley/lib/ref"
	"github.com/parleychat/parley/messaging"
)

// fakeSession is an in-memory messaging.Session. Room state is a map
// of (type, state_key) to the current event, like the homeserver's
// resolved view. Actuation calls are recorded and signalled on
// buffered channels so tests can wait for fire-and-forget goroutines
// without sleeping.
type fakeSession struct {
	mu     sync.Mutex
	userID ref.UserID

	state       map[ref.RoomID]map[string]messaging.Event
	eventsByID  map[ref.EventID]messaging.Event
	accountData map[string]json.RawMessage

	// stateErr, when set, fails all RoomState calls.
	stateErr error

	// joinFailuresRemaining maps room|user to how many JoinRoomAs
	// calls fail with a transient error before one succeeds.
	joinFailuresRemaining map[string]int

	joinAttempts []joinAttempt
	invites      []inviteRecord
	stateSends   []stateSendRecord

	joined         chan joinAttempt
	invited        chan inviteRecord
	promoted       chan stateSendRecord
	accountWritten chan string
}

type joinAttempt struct {
	room ref.RoomID
	user ref.UserID
	err  error
}

type inviteRecord struct {
	room   ref.RoomID
	sender ref.UserID
	target ref.UserID
}

type stateSendRecord struct {
	room      ref.RoomID
	sender    ref.UserID
	eventType string
	stateKey  string
	content   map[string]any
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		userID:                ref.MustParseUserID("@reconciler:parley.chat"),
		state:                 make(map[ref.RoomID]map[string]messaging.Event),
		eventsByID:            make(map[ref.EventID]messaging.Event),
		accountData:           make(map[string]json.RawMessage),
		joinFailuresRemaining: make(map[string]int),
		joined:                make(chan joinAttempt, 16),
		invited:               make(chan inviteRecord, 16),
		promoted:              make(chan stateSendRecord, 16),
		accountWritten:        make(chan string, 16),
	}
}

// setState installs an event as the room's current state for its
// (type, state_key) pair and indexes it for by-ID lookup.
func (s *fakeSession) setState(roomID ref.RoomID, event messaging.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, exists := s.state[roomID]
	if !exists {
		room = make(map[string]messaging.Event)
		s.state[roomID] = room
	}
	room[event.Type+"\x00"+*event.StateKey] = event
	if !event.EventID.IsZero() {
		s.eventsByID[event.EventID] = event
	}
}

func (s *fakeSession) failJoins(roomID ref.RoomID, user ref.UserID, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinFailuresRemaining[roomID.String()+"\x00"+user.String()] = count
}

func (s *fakeSession) UserID() ref.UserID { return s.userID }

func (s *fakeSession) WhoAmI(context.Context) (ref.UserID, error) { return s.userID, nil }

func (s *fakeSession) Sync(context.Context, messaging.SyncOptions) (*messaging.SyncResponse, error) {
	return &messaging.SyncResponse{}, nil
}

func (s *fakeSession) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	return s.JoinRoomAs(ctx, s.userID, roomID)
}

func (s *fakeSession) RoomState(ctx context.Context, roomID ref.RoomID) ([]messaging.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateErr != nil {
		return nil, s.stateErr
	}
	var events []messaging.Event
	for _, event := range s.state[roomID] {
		events = append(events, event)
	}
	return events, nil
}

func (s *fakeSession) StateEventContent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, exists := s.state[roomID][eventType+"\x00"+stateKey]
	if !exists {
		return nil, notFoundError()
	}
	return json.Marshal(event.Content)
}

func (s *fakeSession) Event(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*messaging.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, exists := s.eventsByID[eventID]
	if !exists {
		return nil, notFoundError()
	}
	return &event, nil
}

func (s *fakeSession) SendStateEventAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error) {
	contentMap, _ := content.(map[string]any)
	record := stateSendRecord{
		room:      roomID,
		sender:    sender,
		eventType: eventType,
		stateKey:  stateKey,
		content:   contentMap,
	}

	s.mu.Lock()
	s.stateSends = append(s.stateSends, record)
	sendNumber := len(s.stateSends)
	s.mu.Unlock()

	eventID := ref.MustParseEventID(fmt.Sprintf("$send-%d", sendNumber))
	s.setState(roomID, messaging.Event{
		EventID:  eventID,
		Type:     eventType,
		Sender:   sender,
		StateKey: &stateKey,
		Content:  contentMap,
	})
	s.promoted <- record
	return eventID, nil
}

func (s *fakeSession) InviteUserAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, target ref.UserID) error {
	record := inviteRecord{room: roomID, sender: sender, target: target}
	s.mu.Lock()
	s.invites = append(s.invites, record)
	s.mu.Unlock()
	s.invited <- record
	return nil
}

func (s *fakeSession) JoinRoomAs(ctx context.Context, user ref.UserID, roomID ref.RoomID) error {
	key := roomID.String() + "\x00" + user.String()

	s.mu.Lock()
	if s.joinFailuresRemaining[key] > 0 {
		s.joinFailuresRemaining[key]--
		attempt := joinAttempt{room: roomID, user: user, err: fmt.Errorf("invite not yet visible")}
		s.joinAttempts = append(s.joinAttempts, attempt)
		s.mu.Unlock()
		return attempt.err
	}
	attempt := joinAttempt{room: roomID, user: user}
	s.joinAttempts = append(s.joinAttempts, attempt)
	s.mu.Unlock()

	s.joined <- attempt
	return nil
}

func (s *fakeSession) AccountData(ctx context.Context, user ref.UserID, eventType string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, exists := s.accountData[user.String()+"\x00"+eventType]
	if !exists {
		return nil, notFoundError()
	}
	return value, nil
}

func (s *fakeSession) SetAccountData(ctx context.Context, user ref.UserID, eventType string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accountData[user.String()+"\x00"+eventType] = data
	s.mu.Unlock()
	s.accountWritten <- user.String()
	return nil
}

func (s *fakeSession) joinAttemptCount(roomID ref.RoomID, user ref.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, attempt := range s.joinAttempts {
		if attempt.room == roomID && attempt.user == user {
			count++
		}
	}
	return count
}

func (s *fakeSession) inviteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invites)
}

func (s *fakeSession) stateSendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stateSends)
}

func notFoundError() error {
	return &messaging.MatrixError{
		Code:       messaging.ErrCodeNotFound,
		Message:    "not found",
		StatusCode: http.StatusNotFound,
	}
}

// --- Event builders ---

func memberEvent(eventID, sender, subject, membership string) messaging.Event {
	stateKey := subject
	return messaging.Event{
		EventID:  ref.MustParseEventID(eventID),
		Type:     messaging.EventTypeMember,
		Sender:   ref.MustParseUserID(sender),
		StateKey: &stateKey,
		Content:  map[string]any{"membership": membership},
	}
}

func powerLevelsEvent(eventID string, content map[string]any) messaging.Event {
	stateKey := ""
	return messaging.Event{
		EventID:  ref.MustParseEventID(eventID),
		Type:     messaging.EventTypePowerLevels,
		Sender:   ref.MustParseUserID("@admin:parley.chat"),
		StateKey: &stateKey,
		Content:  content,
	}
}

func joinRulesEvent(eventID, rule string) messaging.Event {
	stateKey := ""
	return messaging.Event{
		EventID:  ref.MustParseEventID(eventID),
		Type:     messaging.EventTypeJoinRules,
		Sender:   ref.MustParseUserID("@admin:parley.chat"),
		StateKey: &stateKey,
		Content:  map[string]any{"join_rule": rule},
	}
}

func syncWithTimeline(roomID ref.RoomID, events ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: "batch",
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				roomID: {Timeline: messaging.TimelineSection{Events: events}},
			},
		},
	}
}

// newTestReconciler builds an active reconciler with default knobs on
// the given fake clock.
func newTestReconciler(session messaging.Session, clk clock.Clock) *Reconciler {
	cfg := &config.Config{
		ServerName: "parley.chat",
		Reconcile: config.ReconcileConfig{
			EnableKnockAutoInvite: true,
			CooldownSeconds:       300,
			MaxJoinRetries:        5,
		},
	}
	return newReconciler(session, clk, cfg, true, slog.New(slog.NewTextHandler(io.Discard, nil)))
}
