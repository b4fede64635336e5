// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"fmt"
	"time"

	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// typeDevice is the payload type tag for device certificates. Checked
// on decode so a blob of one certificate kind can never be accepted as
// another.
const typeDevice = "device_certificate"

// Device is the payload of a device certificate: the immutable signed
// statement binding a device's public keys to its identity. Issued
// once, at enrollment, by an already-trusted device (or by the
// root-of-trust key for a user's first device).
type Device struct {
	// Type is always "device_certificate".
	Type string `cbor:"0,keyasint"`

	// DeviceID is the subject: the device these keys belong to.
	DeviceID ref.DeviceID `cbor:"1,keyasint"`

	// VerifyKey is the subject's Ed25519 public key. Signatures on
	// manifests, certificates, and protocol requests authored by
	// this device verify against it.
	VerifyKey crypt.VerifyKey `cbor:"2,keyasint"`

	// ExchangeKey is the subject's X25519 public key. Realm members
	// seal epoch keys to it during key rotation.
	ExchangeKey crypt.PublicExchangeKey `cbor:"3,keyasint"`

	// Issuer signed this certificate. Its own certificate must chain
	// to the root of trust.
	Issuer Issuer `cbor:"4,keyasint"`

	// Timestamp is the Unix time (seconds) of issuance.
	Timestamp int64 `cbor:"5,keyasint"`
}

// SignDevice issues a device certificate: encodes the payload and
// signs it with the issuer's key. Returns the immutable blob.
func SignDevice(issuerKey *crypt.SigningKey, issuer Issuer, subject ref.DeviceID, verifyKey crypt.VerifyKey, exchangeKey crypt.PublicExchangeKey, issuedAt time.Time) ([]byte, error) {
	if verifyKey.IsZero() || exchangeKey.IsZero() {
		return nil, fmt.Errorf("certificate: device certificate requires both public keys")
	}
	return sign(issuerKey, &Device{
		Type:        typeDevice,
		DeviceID:    subject,
		VerifyKey:   verifyKey,
		ExchangeKey: exchangeKey,
		Issuer:      issuer,
		Timestamp:   issuedAt.Unix(),
	})
}

// VerifyDevice checks the signature of a device certificate blob
// against the issuer's verify key and returns the decoded payload.
func VerifyDevice(issuerKey crypt.VerifyKey, blob []byte) (*Device, error) {
	var payload Device
	if err := verifyAndDecode(issuerKey, blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeDevice {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeDevice)
	}
	return &payload, nil
}

// DecodeDeviceUnverified decodes a device certificate payload without
// signature verification. Used by the trust store to discover the
// claimed issuer before resolving its key; the result must not be
// trusted until VerifyDevice passes.
func DecodeDeviceUnverified(blob []byte) (*Device, error) {
	var payload Device
	if err := decodeUnverified(blob, &payload); err != nil {
		return nil, err
	}
	if payload.Type != typeDevice {
		return nil, fmt.Errorf("certificate: payload type %q, want %q", payload.Type, typeDevice)
	}
	return &payload, nil
}
