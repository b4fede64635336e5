// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"fmt"
	"time"

	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// typeRole is the payload type tag for realm role certificates.
const typeRole = "realm_role_certificate"

// Role is a privilege level within a realm, strictly ordered:
// Owner > Manager > Contributor > Reader. RoleNone marks a member
// whose access has been removed (a role revocation entry in the realm
// log).
type Role uint8

const (
	// RoleNone means no access. Only appears in role-revocation log
	// entries; never granted directly.
	RoleNone Role = iota

	// RoleReader may read manifests and blocks.
	RoleReader

	// RoleContributor may additionally create and update vlobs and
	// blocks.
	RoleContributor

	// RoleManager may additionally grant and revoke Contributor and
	// Reader roles.
	RoleManager

	// RoleOwner may grant and revoke any role, rotate the realm key,
	// and transfer ownership. Every realm has at least one Owner: the
	// device that created it.
	RoleOwner
)

// roleNames is the canonical text form of each role, used on the wire
// and in the realm log.
var roleNames = map[Role]string{
	RoleNone:        "none",
	RoleReader:      "reader",
	RoleContributor: "contributor",
	RoleManager:     "manager",
	RoleOwner:       "owner",
}

// ParseRole parses the canonical text form of a role.
func ParseRole(s string) (Role, error) {
	for role, name := range roleNames {
		if name == s {
			return role, nil
		}
	}
	return RoleNone, fmt.Errorf("certificate: unknown role %q", s)
}

// String returns the canonical text form.
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// CanRead reports whether the role permits reading realm data.
func (r Role) CanRead() bool { return r >= RoleReader }

// CanWrite reports whether the role permits creating and updating
// vlobs and blocks.
func (r Role) CanWrite() bool { return r >= RoleContributor }

// CanGrant reports whether a holder of r may grant or revoke the
// target role. Owners grant anything; Managers grant Contributor and
// Reader (and revoke to RoleNone at those levels); nobody else grants.
func (r Role) CanGrant(target Role) bool {
	switch r {
	case RoleOwner:
		return true
	case RoleManager:
		return target <= RoleContributor
	default:
		return false
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	name, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("certificate: marshal of invalid role %d", uint8(r))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(data []byte) error {
	parsed, err := ParseRole(string(data))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RealmRole is the payload of a realm role certificate: one entry in
// a realm's ordered role log. Granting, changing, and revoking a
// member's role are all expressed as new entries; the log is
// append-only and the latest entry per device wins.
type RealmRole struct {
	// Type is always "realm_role_certificate".
	Type string `cbor:"0,keyasint"`

	// RealmID scopes the grant.
	RealmID ref.RealmID `cbor:"1,keyasint"`

	// DeviceID is the member whose role changes.
	DeviceID ref.DeviceID `cbor:"2,keyasint"`

	// Role is the new role. RoleNone removes access.
	Role Role `cbor:"3,keyasint"`

	// Epoch is the realm key epoch current when this entry was
	// issued. Privilege checks on later entries are evaluated against
	// realm state as of the issuing entry, not current state, so a
	// later revocation of the issuer does not retroactively
	// invalidate grants it made while legitimate.
	Epoch uint64 `cbor:"4,keyasint"`

	// Issuer signed the entry. Its role at issuance time must permit
	// granting Role (see Role.CanGrant).
	Issuer Issuer `cbor:"5,keyasint"`

	// Timestamp is the Unix time (seconds) of issuance.
	Timestamp int64 `cbor:"6,keyasint"`
}

// SignRealmRole issues a realm role log entry.
func SignRealmRole(issuerKey *crypt.SigningKey, issuer Issuer, realm ref.RealmID, member ref.DeviceID, role Role, epoch uint64, issuedAt time.Time) ([]byte, error) {
	return sign(issuerKey, &RealmRole{
		Type:      typeRole,
		RealmID:   realm,
		DeviceID:  member,
		Role:      role,
		Epoch:     epoch,
		Issuer:    issuer,
		Timestamp: issuedAt.Unix(),
	})
}

// VerifyRealmRole checks the signature of a role certificate blob and
// returns the decoded payload.
func VerifyRealmRole(issuerKey crypt.VerifyKey, blob []byte) (*RealmRole, error) {
	var payload RealmRole
	if err := verifyAndDecode(issuerKey, blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeRole {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeRole)
	}
	return &payload, nil
}

// DecodeRealmRoleUnverified decodes a role payload without signature
// verification. See DecodeDeviceUnverified for the contract.
func DecodeRealmRoleUnverified(blob []byte) (*RealmRole, error) {
	var payload RealmRole
	if err := decodeUnverified(blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeRole {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeRole)
	}
	return &payload, nil
}
