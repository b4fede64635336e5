// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/touilleWoman/parsec-cloud/lib/secret"
)

// ExchangeKeySize is the size of X25519 private and public keys.
const ExchangeKeySize = curve25519.ScalarSize // 32 bytes

// HKDF info strings for key agreement derivation paths. Domain
// separation between the enrollment transport secret and epoch key
// distribution; changing either invalidates all existing ciphertext on
// that path.
var (
	HKDFInfoEnrollmentChannel = []byte("parsec.enroll.channel.v1")
	HKDFInfoEpochDistribution = []byte("parsec.realm.epoch.v1")
)

// ExchangeKey is an opaque handle to an X25519 private key. Each
// device holds a long-term ExchangeKey (its certificate publishes the
// public half); the enrollment handshake additionally generates
// ephemeral ones.
type ExchangeKey struct {
	private *secret.Buffer
}

// GenerateExchangeKey creates a fresh X25519 keypair.
func GenerateExchangeKey() (*ExchangeKey, PublicExchangeKey, error) {
	scalar := make([]byte, ExchangeKeySize)
	if _, err := io.ReadFull(rand.Reader, scalar); err != nil {
		return nil, PublicExchangeKey{}, fmt.Errorf("crypt: generating X25519 scalar: %w", err)
	}

	publicRaw, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		return nil, PublicExchangeKey{}, fmt.Errorf("crypt: computing X25519 public key: %w", err)
	}

	buffer, err := secret.NewFromBytes(scalar)
	if err != nil {
		return nil, PublicExchangeKey{}, err
	}

	var public PublicExchangeKey
	copy(public.raw[:], publicRaw)
	return &ExchangeKey{private: buffer}, public, nil
}

// ExchangeKeyFromSeed reconstructs an ExchangeKey from a 32-byte
// scalar. The seed slice is zeroed by the call.
func ExchangeKeyFromSeed(seed []byte) (*ExchangeKey, PublicExchangeKey, error) {
	if len(seed) != ExchangeKeySize {
		return nil, PublicExchangeKey{}, fmt.Errorf("crypt: exchange seed has %d bytes, want %d", len(seed), ExchangeKeySize)
	}

	publicRaw, err := curve25519.X25519(seed, curve25519.Basepoint)
	if err != nil {
		return nil, PublicExchangeKey{}, fmt.Errorf("crypt: computing X25519 public key: %w", err)
	}

	buffer, err := secret.NewFromBytes(seed)
	if err != nil {
		return nil, PublicExchangeKey{}, err
	}

	var public PublicExchangeKey
	copy(public.raw[:], publicRaw)
	return &ExchangeKey{private: buffer}, public, nil
}

// Derive performs authenticated key agreement with a peer's public key
// and expands the shared point through HKDF-SHA256 into a SecretKey.
// The info parameter provides domain separation (use one of the
// HKDFInfo* constants). Both sides derive the same key when each uses
// its own private half against the other's public half.
func (k *ExchangeKey) Derive(peer PublicExchangeKey, info []byte) (*SecretKey, error) {
	shared, err := curve25519.X25519(k.private.Bytes(), peer.raw[:])
	if err != nil {
		return nil, fmt.Errorf("crypt: X25519 agreement: %w", err)
	}

	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, shared, nil, info)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypt: HKDF expansion: %w", err)
	}
	for i := range shared {
		shared[i] = 0
	}

	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, err
	}
	return &SecretKey{key: buffer}, nil
}

// Seed returns a copy of the 32-byte scalar in a fresh secret buffer.
// Used only by localdevice when writing the sealed key bundle.
func (k *ExchangeKey) Seed() (*secret.Buffer, error) {
	return k.private.Clone()
}

// Close releases the private key material.
func (k *ExchangeKey) Close() error {
	return k.private.Close()
}

// PublicExchangeKey is an X25519 public key. Safe to publish; appears
// in device certificates so realm members can seal epoch keys to each
// other.
type PublicExchangeKey struct {
	raw [ExchangeKeySize]byte
}

// IsZero reports whether p is the zero value.
func (p PublicExchangeKey) IsZero() bool {
	return p.raw == [ExchangeKeySize]byte{}
}

// Bytes returns the raw 32-byte public key.
func (p PublicExchangeKey) Bytes() []byte {
	raw := p.raw
	return raw[:]
}

// String returns the lowercase hex form.
func (p PublicExchangeKey) String() string { return hex.EncodeToString(p.raw[:]) }

// MarshalText implements encoding.TextMarshaler.
func (p PublicExchangeKey) MarshalText() ([]byte, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("crypt: marshal of zero PublicExchangeKey")
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *PublicExchangeKey) UnmarshalText(data []byte) error {
	raw, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal PublicExchangeKey: %w", err)
	}
	if len(raw) != ExchangeKeySize {
		return fmt.Errorf("unmarshal PublicExchangeKey: %d bytes, want %d", len(raw), ExchangeKeySize)
	}
	copy(p.raw[:], raw)
	return nil
}
