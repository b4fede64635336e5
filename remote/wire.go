// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// Protocol errors shared by client and server.
var (
	// ErrNotFound means the realm, vlob, block or invitation does not
	// exist on the server.
	ErrNotFound = errors.New("remote: not found")

	// ErrAlreadyExists means a create collided with an existing
	// realm or vlob.
	ErrAlreadyExists = errors.New("remote: already exists")

	// ErrInsufficientPrivilege means the caller's realm role does not
	// permit the operation.
	ErrInsufficientPrivilege = errors.New("remote: insufficient privilege")

	// ErrInvitationExpired means the invitation token's deadline has
	// passed.
	ErrInvitationExpired = errors.New("remote: invitation expired")

	// ErrInvitationAlreadyUsed means the invitation token was already
	// claimed. Tokens are single-use.
	ErrInvitationAlreadyUsed = errors.New("remote: invitation already used")

	// ErrProtocol means a malformed frame or an unknown command. Not
	// retryable; it indicates incompatible or buggy peers.
	ErrProtocol = errors.New("remote: protocol error")
)

// Conflict is the error returned by VlobUpdate when the offered
// version is not exactly one past the server's current version. It
// carries the server's current state so the caller can merge without
// a second round trip.
type Conflict struct {
	ActualVersion uint64
	ActualBlob    []byte
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("remote: version conflict, server at version %d", c.ActualVersion)
}

// Commands.
const (
	cmdRealmCreate      = "realm_create"
	cmdRealmUpdateRoles = "realm_update_roles"
	cmdRealmGetRoles    = "realm_get_role_certificates"
	cmdVlobCreate       = "vlob_create"
	cmdVlobRead         = "vlob_read"
	cmdVlobUpdate       = "vlob_update"
	cmdVlobGroupCheck   = "vlob_group_check"
	cmdBlockCreate      = "block_create"
	cmdBlockRead        = "block_read"
	cmdInviteNew        = "invite_new"
	cmdInviteClaim      = "invite_claim"
)

// Response status codes. "ok" carries a body; everything else maps to
// one of the sentinel errors above, except statusBadVersion which
// carries a Conflict body.
const (
	statusOK            = "ok"
	statusNotFound      = "not_found"
	statusAlreadyExists = "already_exists"
	statusBadVersion    = "bad_version"
	statusNoPrivilege   = "insufficient_privilege"
	statusInviteExpired = "invitation_expired"
	statusInviteUsed    = "invitation_already_used"
	statusBadRequest    = "bad_request"
)

type request struct {
	Cmd    string           `cbor:"0,keyasint"`
	Device ref.DeviceID     `cbor:"1,keyasint"`
	Body   codec.RawMessage `cbor:"2,keyasint,omitempty"`
}

type response struct {
	Status string           `cbor:"0,keyasint"`
	Detail string           `cbor:"1,keyasint,omitempty"`
	Body   codec.RawMessage `cbor:"2,keyasint,omitempty"`
}

// Per-command bodies.

type realmCreateReq struct {
	Realm    ref.RealmID `cbor:"0,keyasint"`
	RoleCert []byte      `cbor:"1,keyasint"`
}

type realmRolesReq struct {
	Realm    ref.RealmID `cbor:"0,keyasint"`
	RoleCert []byte      `cbor:"1,keyasint"`
}

type realmGetRolesReq struct {
	Realm ref.RealmID `cbor:"0,keyasint"`
}

type realmGetRolesResp struct {
	Certificates [][]byte `cbor:"0,keyasint"`
}

type vlobCreateReq struct {
	Realm ref.RealmID `cbor:"0,keyasint"`
	Entry ref.EntryID `cbor:"1,keyasint"`
	Blob  []byte      `cbor:"2,keyasint"`
}

type vlobReadReq struct {
	Realm ref.RealmID `cbor:"0,keyasint"`
	Entry ref.EntryID `cbor:"1,keyasint"`
	// Version 0 means latest.
	Version uint64 `cbor:"2,keyasint,omitempty"`
}

type vlobReadResp struct {
	Version uint64 `cbor:"0,keyasint"`
	Blob    []byte `cbor:"1,keyasint"`
}

type vlobUpdateReq struct {
	Realm   ref.RealmID `cbor:"0,keyasint"`
	Entry   ref.EntryID `cbor:"1,keyasint"`
	Version uint64      `cbor:"2,keyasint"`
	Blob    []byte      `cbor:"3,keyasint"`
}

type vlobConflictResp struct {
	ActualVersion uint64 `cbor:"0,keyasint"`
	ActualBlob    []byte `cbor:"1,keyasint"`
}

// VlobCheckItem names one entry and the version the caller already
// has, for batched staleness probing.
type VlobCheckItem struct {
	Entry   ref.EntryID `cbor:"0,keyasint"`
	Version uint64      `cbor:"1,keyasint"`
}

// VlobChange reports one entry whose server version is past the
// caller's.
type VlobChange struct {
	Entry   ref.EntryID `cbor:"0,keyasint"`
	Version uint64      `cbor:"1,keyasint"`
}

type vlobGroupCheckReq struct {
	Realm ref.RealmID     `cbor:"0,keyasint"`
	Items []VlobCheckItem `cbor:"1,keyasint"`
}

type vlobGroupCheckResp struct {
	Changed []VlobChange `cbor:"0,keyasint"`
}

type blockCreateReq struct {
	Realm      ref.RealmID `cbor:"0,keyasint"`
	Block      ref.BlockID `cbor:"1,keyasint"`
	Ciphertext []byte      `cbor:"2,keyasint"`
}

type blockReadReq struct {
	Realm ref.RealmID `cbor:"0,keyasint"`
	Block ref.BlockID `cbor:"1,keyasint"`
}

type blockReadResp struct {
	Ciphertext []byte `cbor:"0,keyasint"`
}

type inviteNewReq struct {
	// TTLSeconds bounds the invitation's lifetime.
	TTLSeconds int64 `cbor:"0,keyasint"`
}

type inviteNewResp struct {
	Token ref.InvitationToken `cbor:"0,keyasint"`
}

type inviteClaimReq struct {
	Token ref.InvitationToken `cbor:"0,keyasint"`
}

// maxFrameSize bounds a single frame. Manifests are small; blocks are
// chunked well below this by the store layer.
const maxFrameSize = 1 << 24

// writeFrame writes one length-prefixed CBOR frame.
func writeFrame(w io.Writer, message any) error {
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("remote: encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("remote: frame of %d bytes exceeds limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// readFrame reads one length-prefixed CBOR frame into message.
func readFrame(r io.Reader, message any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// statusError maps a non-ok response to its sentinel error.
func statusError(resp *response) error {
	switch resp.Status {
	case statusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Detail)
	case statusAlreadyExists:
		return fmt.Errorf("%w: %s", ErrAlreadyExists, resp.Detail)
	case statusNoPrivilege:
		return fmt.Errorf("%w: %s", ErrInsufficientPrivilege, resp.Detail)
	case statusInviteExpired:
		return ErrInvitationExpired
	case statusInviteUsed:
		return ErrInvitationAlreadyUsed
	case statusBadVersion:
		var body vlobConflictResp
		if err := codec.Unmarshal(resp.Body, &body); err != nil {
			return fmt.Errorf("%w: malformed conflict body: %v", ErrProtocol, err)
		}
		return &Conflict{ActualVersion: body.ActualVersion, ActualBlob: body.ActualBlob}
	default:
		return fmt.Errorf("%w: status %q: %s", ErrProtocol, resp.Status, resp.Detail)
	}
}
