// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/touilleWoman/parsec-cloud/lib/secret"
)

// SignatureSize is the fixed size of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize // 64 bytes

// SigningKey is an opaque handle to an Ed25519 private key. The key
// bytes live in a secret.Buffer and never leave it; there is no
// serialization path. Call Close when the device session ends.
type SigningKey struct {
	private *secret.Buffer
}

// GenerateSigningKey creates a fresh Ed25519 keypair. The private half
// is returned as an opaque handle, the public half as a VerifyKey safe
// to publish in certificates.
func GenerateSigningKey() (*SigningKey, VerifyKey, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, VerifyKey{}, fmt.Errorf("crypt: generating Ed25519 keypair: %w", err)
	}

	buffer, err := secret.NewFromBytes(private)
	if err != nil {
		return nil, VerifyKey{}, err
	}

	var verify VerifyKey
	copy(verify.raw[:], public)
	return &SigningKey{private: buffer}, verify, nil
}

// SigningKeyFromSeed reconstructs a SigningKey from a 32-byte Ed25519
// seed. Used when loading a device key bundle from disk. The seed
// slice is zeroed by the call.
func SigningKeyFromSeed(seed []byte) (*SigningKey, VerifyKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, VerifyKey{}, fmt.Errorf("crypt: signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	private := ed25519.NewKeyFromSeed(seed)
	for i := range seed {
		seed[i] = 0
	}

	public := private.Public().(ed25519.PublicKey)
	buffer, err := secret.NewFromBytes(private)
	if err != nil {
		return nil, VerifyKey{}, err
	}

	var verify VerifyKey
	copy(verify.raw[:], public)
	return &SigningKey{private: buffer}, verify, nil
}

// Sign signs message and returns the 64-byte Ed25519 signature.
func (k *SigningKey) Sign(message []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(k.private.Bytes()), message)
}

// Seed returns a copy of the 32-byte seed in a fresh secret buffer.
// Used only by localdevice when writing the sealed key bundle.
func (k *SigningKey) Seed() (*secret.Buffer, error) {
	private := ed25519.PrivateKey(k.private.Bytes())
	seed := private.Seed()
	return secret.NewFromBytes(seed)
}

// Close releases the private key material.
func (k *SigningKey) Close() error {
	return k.private.Close()
}

// VerifyKey is an Ed25519 public key. Safe to publish; appears in
// device certificates and the realm role log.
type VerifyKey struct {
	raw [ed25519.PublicKeySize]byte
}

// Verify reports whether signature is a valid Ed25519 signature of
// message under this key.
func (v VerifyKey) Verify(message, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(v.raw[:]), message, signature)
}

// IsZero reports whether v is the zero value.
func (v VerifyKey) IsZero() bool {
	return v.raw == [ed25519.PublicKeySize]byte{}
}

// String returns the lowercase hex form.
func (v VerifyKey) String() string { return hex.EncodeToString(v.raw[:]) }

// MarshalText implements encoding.TextMarshaler.
func (v VerifyKey) MarshalText() ([]byte, error) {
	if v.IsZero() {
		return nil, fmt.Errorf("crypt: marshal of zero VerifyKey")
	}
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *VerifyKey) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal VerifyKey: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("unmarshal VerifyKey: %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	copy(v.raw[:], raw)
	return nil
}
