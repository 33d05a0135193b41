// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/parleychat/parley/lib/ref"
)

// Session is the Matrix surface the reconciler consumes. The
// production implementation is *AppserviceSession; tests substitute
// an in-memory fake.
//
// Operations suffixed As act on behalf of the given local user via
// appservice impersonation. The homeserver rejects impersonation of
// users outside the appservice namespace, so a compromised reconciler
// cannot act as remote users.
type Session interface {
	// UserID returns the appservice's own user ID.
	UserID() ref.UserID

	// WhoAmI validates the token and returns the acting user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// Sync performs one /sync request.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// JoinRoom joins a room as the appservice user itself. Used to
	// accept invites so the reconciler can watch the room.
	JoinRoom(ctx context.Context, roomID ref.RoomID) error

	// RoomState fetches all current state events of a room, as full
	// events (with event IDs and unsigned data).
	RoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error)

	// StateEventContent fetches one state event's content. A missing
	// event yields a *MatrixError with code M_NOT_FOUND.
	StateEventContent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error)

	// Event fetches a single event by ID.
	Event(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error)

	// SendStateEventAs sends a state event with the given local user
	// as sender.
	SendStateEventAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error)

	// InviteUserAs invites target to a room with sender as the
	// inviting member.
	InviteUserAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, target ref.UserID) error

	// JoinRoomAs joins a room on behalf of the given local user.
	JoinRoomAs(ctx context.Context, user ref.UserID, roomID ref.RoomID) error

	// AccountData reads a global account data value for a local user.
	// A value that was never set yields a *MatrixError with code
	// M_NOT_FOUND.
	AccountData(ctx context.Context, user ref.UserID, eventType string) (json.RawMessage, error)

	// SetAccountData writes a global account data value for a local
	// user, replacing any previous value.
	SetAccountData(ctx context.Context, user ref.UserID, eventType string, content any) error
}

// Compile-time check: *AppserviceSession implements Session.
var _ Session = (*AppserviceSession)(nil)

// AppserviceSession is an authenticated session using an
// application-service token. It acts as the appservice's own account
// by default and impersonates other local users through the user_id
// query parameter on the As operations.
type AppserviceSession struct {
	client *Client
	token  string
	userID ref.UserID
}

// NewAppserviceSession creates a session from an appservice token.
// userID is the appservice's own account (derived from the
// registration's sender_localpart). The token is not validated here;
// call WhoAmI to verify it.
func NewAppserviceSession(client *Client, userID ref.UserID, token string) (*AppserviceSession, error) {
	if token == "" {
		return nil, fmt.Errorf("messaging: appservice token is required")
	}
	if userID.IsZero() {
		return nil, fmt.Errorf("messaging: appservice user ID is required")
	}
	return &AppserviceSession{client: client, token: token, userID: userID}, nil
}

// UserID returns the appservice's own user ID.
func (s *AppserviceSession) UserID() ref.UserID { return s.userID }

// CloseIdleConnections drops pooled HTTP connections on the
// underlying client.
func (s *AppserviceSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// asUser returns query values that impersonate the given user, or nil
// when the user is the appservice itself.
func (s *AppserviceSession) asUser(user ref.UserID) url.Values {
	if user.IsZero() || user == s.userID {
		return nil
	}
	return url.Values{"user_id": []string{user.String()}}
}

// WhoAmI validates the token and returns the acting user ID.
func (s *AppserviceSession) WhoAmI(ctx context.Context) (ref.UserID, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.token, nil, nil)
	if err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.UserID{}, fmt.Errorf("messaging: parsing whoami response: %w", err)
	}
	return response.UserID, nil
}

// Sync performs one /sync request.
func (s *AppserviceSession) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	if options.Timeout > 0 || options.SetTimeout {
		query.Set("timeout", strconv.Itoa(options.Timeout))
	}
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}

	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.token, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: parsing sync response: %w", err)
	}
	return &response, nil
}

// JoinRoom joins a room as the appservice user itself.
func (s *AppserviceSession) JoinRoom(ctx context.Context, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.token, struct{}{}, nil); err != nil {
		return fmt.Errorf("messaging: join room %s failed: %w", roomID, err)
	}
	return nil
}

// RoomState fetches all current state events of a room.
func (s *AppserviceSession) RoomState(ctx context.Context, roomID ref.RoomID) ([]Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state", url.PathEscape(roomID.String()))
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.token, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get room state for %s failed: %w", roomID, err)
	}

	var events []Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("messaging: parsing room state response: %w", err)
	}
	return events, nil
}

// StateEventContent fetches one state event's content.
func (s *AppserviceSession) StateEventContent(ctx context.Context, roomID ref.RoomID, eventType, stateKey string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.token, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get state event %s/%s in %s failed: %w", eventType, stateKey, roomID, err)
	}
	return json.RawMessage(body), nil
}

// Event fetches a single event by ID.
func (s *AppserviceSession) Event(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*Event, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventID.String()),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.token, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: get event %s in %s failed: %w", eventID, roomID, err)
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("messaging: parsing event response: %w", err)
	}
	return &event, nil
}

// SendStateEventAs sends a state event with the given local user as
// sender.
func (s *AppserviceSession) SendStateEventAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, eventType, stateKey string, content any) (ref.EventID, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/state/%s/%s",
		url.PathEscape(roomID.String()),
		url.PathEscape(eventType),
		url.PathEscape(stateKey),
	)
	body, err := s.client.doRequest(ctx, http.MethodPut, path, s.token, content, s.asUser(sender))
	if err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: send state event %s to %s as %s failed: %w", eventType, roomID, sender, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return ref.EventID{}, fmt.Errorf("messaging: parsing send state response: %w", err)
	}
	return response.EventID, nil
}

// InviteUserAs invites target to a room with sender as the inviting
// member.
func (s *AppserviceSession) InviteUserAs(ctx context.Context, sender ref.UserID, roomID ref.RoomID, target ref.UserID) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/invite", url.PathEscape(roomID.String()))
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.token, InviteRequest{UserID: target}, s.asUser(sender)); err != nil {
		return fmt.Errorf("messaging: invite %s to %s as %s failed: %w", target, roomID, sender, err)
	}

	s.client.logger.Info("sent invite",
		"room_id", roomID,
		"sender", sender,
		"target", target,
	)
	return nil
}

// JoinRoomAs joins a room on behalf of the given local user.
func (s *AppserviceSession) JoinRoomAs(ctx context.Context, user ref.UserID, roomID ref.RoomID) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID.String())
	if _, err := s.client.doRequest(ctx, http.MethodPost, path, s.token, struct{}{}, s.asUser(user)); err != nil {
		return fmt.Errorf("messaging: join %s as %s failed: %w", roomID, user, err)
	}
	return nil
}

// AccountData reads a global account data value for a local user.
func (s *AppserviceSession) AccountData(ctx context.Context, user ref.UserID, eventType string) (json.RawMessage, error) {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(user.String()),
		url.PathEscape(eventType),
	)
	body, err := s.client.doRequest(ctx, http.MethodGet, path, s.token, nil, s.asUser(user))
	if err != nil {
		return nil, fmt.Errorf("messaging: get account data %s for %s failed: %w", eventType, user, err)
	}
	return json.RawMessage(body), nil
}

// SetAccountData writes a global account data value for a local user.
func (s *AppserviceSession) SetAccountData(ctx context.Context, user ref.UserID, eventType string, content any) error {
	path := fmt.Sprintf("/_matrix/client/v3/user/%s/account_data/%s",
		url.PathEscape(user.String()),
		url.PathEscape(eventType),
	)
	if _, err := s.client.doRequest(ctx, http.MethodPut, path, s.token, content, s.asUser(user)); err != nil {
		return fmt.Errorf("messaging: set account data %s for %s failed: %w", eventType, user, err)
	}
	return nil
}
