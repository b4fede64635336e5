// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer reconciles the local object store with the realm
// server.
//
// Pushes are optimistic: each dirty entry is offered at exactly one
// past its base version. When another device got there first, the
// server's rejection carries the winning version, the engine merges
// the two histories three ways (common base, local working copy,
// remote winner) and retries on top of the result. Folder merges
// resolve per child, renaming the local side of a true collision so
// nothing is ever dropped; file content conflicts keep the remote
// version under the entry and materialize the local version as a
// sibling conflict file.
//
// Pulls are batched: one group check asks for everything stale, then
// only the changed entries are fetched and merged under the same
// rules. Unrelated entries synchronize in parallel; a per-entry lock
// serializes work on any single entry.
package syncer
