// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
)

// Errors returned by the Verify* functions.
var (
	ErrTooShort         = errors.New("certificate: blob too short for signature")
	ErrInvalidSignature = errors.New("certificate: invalid Ed25519 signature")
)

// Fingerprint is the BLAKE3 digest of a certificate blob (payload and
// signature together). Used as the primary key in the trust store's
// certificate arena.
type Fingerprint [32]byte

// FingerprintOf computes the fingerprint of a certificate blob.
func FingerprintOf(blob []byte) Fingerprint {
	return blake3.Sum256(blob)
}

// sign encodes payload with deterministic CBOR and appends the
// issuer's Ed25519 signature over the encoded bytes.
func sign(issuer *crypt.SigningKey, payload any) ([]byte, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("certificate: encoding payload: %w", err)
	}

	signature := issuer.Sign(encoded)

	blob := make([]byte, 0, len(encoded)+crypt.SignatureSize)
	blob = append(blob, encoded...)
	blob = append(blob, signature...)
	return blob, nil
}

// verifyAndDecode checks the trailing signature against issuerKey and
// decodes the payload into out. The caller chooses the payload type,
// which makes a device certificate blob undecodable as a role
// certificate (field tags differ) — but cross-type confusion is
// ultimately prevented by each payload carrying its own type tag.
func verifyAndDecode(issuerKey crypt.VerifyKey, blob []byte, out any) error {
	if len(blob) <= crypt.SignatureSize {
		return ErrTooShort
	}

	split := len(blob) - crypt.SignatureSize
	payload := blob[:split]
	signature := blob[split:]

	if !issuerKey.Verify(payload, signature) {
		return ErrInvalidSignature
	}

	if err := codec.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("certificate: decoding payload: %w", err)
	}
	return nil
}

// decodeUnverified decodes a certificate payload WITHOUT checking the
// signature. The trust store needs this to discover who the claimed
// issuer is before it can look up the issuer's key; the result must
// never be acted on until verifyAndDecode passes.
func decodeUnverified(blob []byte, out any) error {
	if len(blob) <= crypt.SignatureSize {
		return ErrTooShort
	}
	if err := codec.Unmarshal(blob[:len(blob)-crypt.SignatureSize], out); err != nil {
		return fmt.Errorf("certificate: decoding payload: %w", err)
	}
	return nil
}
