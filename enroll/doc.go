// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package enroll runs the trust bootstrap between an enrolled device
// (the greeter) and a new device (the claimer).
//
// The two sides meet over an untrusted message channel, perform an
// ephemeral X25519 exchange, and derive a short authentication string
// from the handshake transcript. A human compares the SAS out of band
// on both devices; only after both sides confirm does the greeter
// issue the new device's certificate, signed with its own key so the
// new certificate chains to the root through the greeter.
//
// The channel itself needs no confidentiality or integrity: an
// attacker in the middle substituting keys changes the transcript and
// with it the SAS, which the humans then refuse. Everything after the
// SAS gate travels sealed under the derived channel key.
package enroll
