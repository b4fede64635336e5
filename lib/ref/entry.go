// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"

	"github.com/google/uuid"
)

// EntryID identifies a versioned encrypted object (a vlob) within a
// realm. Stable for the lifetime of the file or folder it names; file
// content revisions change the manifest, never the EntryID.
type EntryID struct {
	id uuid.UUID
}

// NewEntryID generates a fresh random EntryID.
func NewEntryID() EntryID {
	return EntryID{id: uuid.New()}
}

// ParseEntryID parses the canonical UUID text form.
func ParseEntryID(s string) (EntryID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return EntryID{}, fmt.Errorf("ref: invalid entry id %q: %w", s, err)
	}
	return EntryID{id: id}, nil
}

// String returns the canonical UUID form.
func (e EntryID) String() string { return e.id.String() }

// IsZero reports whether e is the zero value.
func (e EntryID) IsZero() bool { return e.id == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (e EntryID) MarshalText() ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero EntryID")
	}
	return []byte(e.id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EntryID) UnmarshalText(data []byte) error {
	parsed, err := ParseEntryID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal EntryID: %w", err)
	}
	*e = parsed
	return nil
}

// RealmID identifies a workspace realm: the root of authority for a
// set of entries, role certificates, and key epochs.
type RealmID struct {
	id uuid.UUID
}

// NewRealmID generates a fresh random RealmID.
func NewRealmID() RealmID {
	return RealmID{id: uuid.New()}
}

// ParseRealmID parses the canonical UUID text form.
func ParseRealmID(s string) (RealmID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RealmID{}, fmt.Errorf("ref: invalid realm id %q: %w", s, err)
	}
	return RealmID{id: id}, nil
}

// String returns the canonical UUID form.
func (r RealmID) String() string { return r.id.String() }

// IsZero reports whether r is the zero value.
func (r RealmID) IsZero() bool { return r.id == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (r RealmID) MarshalText() ([]byte, error) {
	if r.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero RealmID")
	}
	return []byte(r.id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RealmID) UnmarshalText(data []byte) error {
	parsed, err := ParseRealmID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal RealmID: %w", err)
	}
	*r = parsed
	return nil
}

// InvitationToken is the high-entropy ephemeral token identifying an
// enrollment invitation. Transcribed by the human operator
// out-of-band, so the text form is the canonical UUID string.
type InvitationToken struct {
	id uuid.UUID
}

// NewInvitationToken generates a fresh random token.
func NewInvitationToken() InvitationToken {
	return InvitationToken{id: uuid.New()}
}

// ParseInvitationToken parses the canonical UUID text form.
func ParseInvitationToken(s string) (InvitationToken, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return InvitationToken{}, fmt.Errorf("ref: invalid invitation token: %w", err)
	}
	return InvitationToken{id: id}, nil
}

// String returns the canonical UUID form.
func (t InvitationToken) String() string { return t.id.String() }

// IsZero reports whether t is the zero value.
func (t InvitationToken) IsZero() bool { return t.id == uuid.Nil }

// MarshalText implements encoding.TextMarshaler.
func (t InvitationToken) MarshalText() ([]byte, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero InvitationToken")
	}
	return []byte(t.id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *InvitationToken) UnmarshalText(data []byte) error {
	parsed, err := ParseInvitationToken(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal InvitationToken: %w", err)
	}
	*t = parsed
	return nil
}
