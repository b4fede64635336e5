// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust implements the device trust store: the append-only,
// SQLite-backed arena of verified device certificates and the
// revocation log, with chain-of-trust resolution rooted at a pinned
// root verify key.
//
// Trust is inductive. A certificate is only ever admitted when its
// issuer is the pinned root key or an already-admitted, unrevoked
// device, so every stored certificate chains to the root by
// construction. IsTrusted still re-walks the chain on every call
// (bounded graph walk over the in-memory arena, cycle detection via a
// visited set) and consults the live revocation set, so a revocation
// takes effect immediately — including for certificates that were
// cached as trusted before the revocation arrived.
//
// Failure is always closed: a missing link, a cycle, or a signature
// mismatch yields "not trusted", never a fallback.
//
// The store is the exclusive owner of certificate and revocation
// persistence. The enrollment engine appends through AddCertificate
// under verified conditions; nothing else writes.
package trust
