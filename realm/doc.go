// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package realm manages membership and key epochs for one realm.
//
// Membership is an append-only log of signed role certificates,
// stored by the server and verified by every client against its own
// trust store. A log entry is valid only if its issuer held a role
// permitting the change at the moment of issuance; the whole log
// replays from the start, so every client derives the same member
// table or rejects the log outright.
//
// Content keys are versioned in epochs. Removing a member rotates to
// a fresh epoch key, sealed individually to each remaining member's
// exchange key, so a removed device can read nothing written after
// its removal.
package realm
