// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"fmt"
	"time"

	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// typeRevocation is the payload type tag for revocation certificates.
const typeRevocation = "revocation_certificate"

// Revocation is the payload of a revocation certificate. Revocation
// is permanent: the blob is appended to the trust store's revocation
// log and never deleted, and the revoked device can never be
// re-trusted under the same identity.
type Revocation struct {
	// Type is always "revocation_certificate".
	Type string `cbor:"0,keyasint"`

	// DeviceID is the device being revoked.
	DeviceID ref.DeviceID `cbor:"1,keyasint"`

	// Issuer signed the revocation. Must itself be trusted and
	// unrevoked at the time the revocation is ingested.
	Issuer Issuer `cbor:"2,keyasint"`

	// Timestamp is the Unix time (seconds) of revocation.
	Timestamp int64 `cbor:"3,keyasint"`

	// Reason is an optional operator-supplied note ("laptop stolen").
	// Informational only; carries no protocol meaning.
	Reason string `cbor:"4,keyasint,omitempty"`
}

// SignRevocation issues a revocation certificate for a device.
func SignRevocation(issuerKey *crypt.SigningKey, issuer Issuer, revoked ref.DeviceID, reason string, issuedAt time.Time) ([]byte, error) {
	return sign(issuerKey, &Revocation{
		Type:      typeRevocation,
		DeviceID:  revoked,
		Issuer:    issuer,
		Timestamp: issuedAt.Unix(),
		Reason:    reason,
	})
}

// VerifyRevocation checks the signature of a revocation certificate
// blob and returns the decoded payload.
func VerifyRevocation(issuerKey crypt.VerifyKey, blob []byte) (*Revocation, error) {
	var payload Revocation
	if err := verifyAndDecode(issuerKey, blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeRevocation {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeRevocation)
	}
	return &payload, nil
}

// DecodeRevocationUnverified decodes a revocation payload without
// signature verification. See DecodeDeviceUnverified for the contract.
func DecodeRevocationUnverified(blob []byte) (*Revocation, error) {
	var payload Revocation
	if err := decodeUnverified(blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeRevocation {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeRevocation)
	}
	return &payload, nil
}
