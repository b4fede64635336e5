// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypt provides the cryptographic primitives for the engine:
// Ed25519 signatures, X25519 authenticated key agreement,
// XChaCha20-Poly1305 sealing, HKDF key derivation, and short
// authentication string computation for the enrollment handshake.
//
// Private key material is held in lib/secret buffers (mmap outside
// the Go heap, mlocked, zeroed on close) behind opaque handle types
// with no serialization path. A SigningKey or ExchangeKey cannot be
// logged, CBOR-encoded, or accidentally written to disk; only the
// public halves implement TextMarshaler.
//
// All operations are pure: nothing in this package touches the
// filesystem, the network, or global state.
package crypt
