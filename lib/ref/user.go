// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// UserID is a validated Matrix user ID (e.g., "@carol:parley.chat").
//
// A user ID starts with '@' and contains a ':' separating the
// localpart from the server name. Validation is structural only: any
// well-formed Matrix user ID is accepted, local or remote. Whether a
// user is hosted by this deployment is decided by comparing Server()
// against the configured server name, not by this type.
type UserID struct {
	id string
}

// ParseUserID validates and wraps a raw Matrix user ID string.
func ParseUserID(raw string) (UserID, error) {
	if _, _, err := splitSigil(raw, '@', "user ID"); err != nil {
		return UserID{}, err
	}
	return UserID{id: raw}, nil
}

// MustParseUserID is like ParseUserID but panics on error. For tests
// and static initialization with known-valid input.
func MustParseUserID(raw string) UserID {
	u, err := ParseUserID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseUserID(%q): %v", raw, err))
	}
	return u
}

// String returns the full user ID string.
func (u UserID) String() string { return u.id }

// IsZero reports whether the UserID is the zero value.
func (u UserID) IsZero() bool { return u.id == "" }

// Localpart returns the portion between the '@' sigil and the first
// ':'. Panics on a zero-value UserID.
func (u UserID) Localpart() string {
	localpart, _ := u.split()
	return localpart
}

// Server returns the server name portion after the first ':'. Panics
// on a zero-value UserID.
func (u UserID) Server() string {
	_, server := u.split()
	return server
}

func (u UserID) split() (localpart, server string) {
	if u.id == "" {
		panic("ref.UserID: split called on zero value")
	}
	localpart, server, err := splitSigil(u.id, '@', "user ID")
	if err != nil {
		// Validated at construction; structurally unreachable.
		panic(fmt.Sprintf("ref.UserID: internal error parsing %q: %v", u.id, err))
	}
	return localpart, server
}

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	return []byte(u.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty input
// produces the zero value rather than an error, so optional JSON
// fields decode cleanly.
func (u *UserID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*u = UserID{}
		return nil
	}
	parsed, err := ParseUserID(string(data))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// splitSigil extracts localpart and server from a sigil-prefixed
// Matrix identifier such as "@user:server" or "!opaque:server".
func splitSigil(identifier string, sigil byte, kind string) (localpart, server string, err error) {
	if len(identifier) < 2 || identifier[0] != sigil {
		return "", "", fmt.Errorf("invalid %s %q: must start with %c", kind, identifier, sigil)
	}
	colon := strings.IndexByte(identifier[1:], ':')
	if colon < 0 {
		return "", "", fmt.Errorf("invalid %s %q: missing :server suffix", kind, identifier)
	}
	if colon == 0 {
		return "", "", fmt.Errorf("invalid %s %q: empty localpart", kind, identifier)
	}
	localpart = identifier[1 : 1+colon]
	server = identifier[1+colon+1:]
	if server == "" {
		return "", "", fmt.Errorf("invalid %s %q: empty server name", kind, identifier)
	}
	return localpart, server, nil
}
