// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides CBOR encoding and decoding with Core
// Deterministic Encoding for all persisted records and wire messages.
//
// Determinism is load-bearing here: the realm guarantees that two
// manifests committed under the same (entry, version) pair are
// byte-identical, and certificate signatures cover the encoded payload
// bytes. Both properties require that the same logical value always
// encodes to the same bytes, which RFC 8949 §4.2 Core Deterministic
// Encoding provides (sorted map keys, smallest integer forms, no
// indefinite-length items).
//
// All packages encode through this package rather than importing
// fxamacker/cbor directly, so the encoder configuration lives in
// exactly one place.
package codec
