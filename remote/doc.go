// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote speaks the realm protocol: the client side used by
// the sync engine and realm manager, and a reference in-memory server
// holding the authoritative version sequences.
//
// The wire format is length-prefixed deterministic CBOR frames over
// any stream connection. Every payload the server stores is opaque
// ciphertext; the server orders versions and enforces roles but can
// read neither file content nor names. Role enforcement uses the
// realm's role certificates, which the server stores and serves
// verbatim so clients can verify them against their own trust chain.
//
// The client retries transient transport failures with exponential
// backoff. Protocol-level rejections (version conflicts, missing
// vlobs, insufficient privilege) are never retried; they surface as
// typed errors the caller resolves.
package remote
