// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/touilleWoman/parsec-cloud/lib/secret"
)

// KeySize is the size in bytes of all symmetric keys: realm epoch
// keys, per-block keys, and enrollment transport secrets.
const KeySize = chacha20poly1305.KeySize // 32 bytes

// BoxVersion is the version byte prepended to every sealed box.
// Included as additional authenticated data, so tampering with the
// version byte causes authentication failure.
const BoxVersion byte = 0x01

// BoxOverhead is the total byte overhead per sealed box:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const BoxOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrDecrypt is returned by Open when the ciphertext fails to
// authenticate: wrong key, truncation, or any single-bit tamper.
// Deliberately carries no detail about which.
var ErrDecrypt = errors.New("crypt: decryption failed")

// SecretKey is an opaque handle to a 32-byte symmetric key for
// XChaCha20-Poly1305 sealing.
type SecretKey struct {
	key *secret.Buffer
}

// NewSecretKey generates a fresh random symmetric key.
func NewSecretKey() (*SecretKey, error) {
	buffer, err := secret.NewRandom(KeySize)
	if err != nil {
		return nil, err
	}
	return &SecretKey{key: buffer}, nil
}

// SecretKeyFromBytes wraps existing key bytes. The source slice is
// zeroed by the call.
func SecretKeyFromBytes(raw []byte) (*SecretKey, error) {
	if len(raw) != KeySize {
		return nil, fmt.Errorf("crypt: secret key has %d bytes, want %d", len(raw), KeySize)
	}
	buffer, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, err
	}
	return &SecretKey{key: buffer}, nil
}

// Seal encrypts plaintext and returns a box in the standard format:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// The version byte is authenticated. Use SealWithAAD to additionally
// bind the box to an identity (entry id, block digest, recipient).
func (k *SecretKey) Seal(plaintext []byte) ([]byte, error) {
	return k.SealWithAAD(plaintext, nil)
}

// SealWithAAD is Seal with extra additional authenticated data. The
// AAD is not stored in the box; Open must be given the same bytes or
// authentication fails. This binds a box to its context — a block box
// sealed with its digest as AAD cannot be swapped for another block's
// box.
func (k *SecretKey) SealWithAAD(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypt: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("crypt: generating nonce: %w", err)
	}

	box := make([]byte, 0, len(plaintext)+BoxOverhead)
	box = append(box, BoxVersion)
	box = append(box, nonce[:]...)
	box = aead.Seal(box, nonce[:], plaintext, buildAAD(aad))
	return box, nil
}

// Open authenticates and decrypts a box produced by Seal. Fails with
// ErrDecrypt on wrong key, truncation, or tamper.
func (k *SecretKey) Open(box []byte) ([]byte, error) {
	return k.OpenWithAAD(box, nil)
}

// OpenWithAAD is Open with the extra AAD that was passed to
// SealWithAAD.
func (k *SecretKey) OpenWithAAD(box, aad []byte) ([]byte, error) {
	if len(box) < BoxOverhead {
		return nil, ErrDecrypt
	}
	if box[0] != BoxVersion {
		return nil, ErrDecrypt
	}

	aead, err := chacha20poly1305.NewX(k.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("crypt: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := box[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := box[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(aad))
	if err != nil {
		// Never propagate the cipher library's error detail; a
		// tampered box and a wrong key must be indistinguishable.
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Bytes returns the raw key. Only localdevice (writing the sealed
// bundle) and epoch distribution (sealing to members) read this.
func (k *SecretKey) Bytes() []byte {
	return k.key.Bytes()
}

// Clone returns an independent handle to the same key material.
func (k *SecretKey) Clone() (*SecretKey, error) {
	buffer, err := k.key.Clone()
	if err != nil {
		return nil, err
	}
	return &SecretKey{key: buffer}, nil
}

// Close releases the key material.
func (k *SecretKey) Close() error {
	return k.key.Close()
}

// buildAAD prepends the version byte to the caller's AAD so the format
// version is always authenticated, with or without extra context.
func buildAAD(aad []byte) []byte {
	full := make([]byte, 0, 1+len(aad))
	full = append(full, BoxVersion)
	full = append(full, aad...)
	return full
}
