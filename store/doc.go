// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the local encrypted object store: versioned
// manifests describing files and folders, plus the content-addressed
// blocks holding file data.
//
// The store keeps two manifest planes. Remote manifests are the
// immutable version history confirmed by the server: one row per
// (entry id, version), never rewritten. Local manifests are the
// working copy: at most one per entry, carrying the base version it
// diverged from and a dirty flag the sync engine drains.
//
// Everything is encrypted before it touches SQLite. Manifests are
// sealed with the device's local storage key, with the entry id and
// plane bound as associated data so rows cannot be swapped between
// entries. Blocks are sealed with the realm key supplied by the
// caller and addressed by the BLAKE3 digest of their ciphertext, so
// any corruption is detected before decryption is attempted.
package store
