// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package certificate defines the signed statements that carry trust
// through the system: device certificates (binding public keys to a
// device identity), revocation certificates, and realm role
// certificates (binding a privilege level to a device within a realm).
//
// Every certificate has the same wire shape: a deterministic-CBOR
// payload followed by a 64-byte Ed25519 signature from the issuer,
// so the signed bytes are recoverable by slicing and re-verification
// never depends on re-encoding. Certificates are immutable; an issued
// blob is stored and forwarded byte-for-byte.
//
// Verification here is signature-level only. Whether the ISSUER is
// itself trusted — the chain walk, revocation checks, role privilege
// rules — belongs to the trust store and the realm manager.
package certificate
