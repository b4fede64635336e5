// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package mountapi is the plaintext filesystem facade a mount adapter
// (FUSE, WebDAV, a CLI) builds on. It exposes read, write, and
// namespace operations over the local store and the sync engine;
// ciphertext, manifests, and realm keys never cross this boundary.
//
// Writes land in the local store as dirty working copies and reach
// the server on the next sync pass. Reads fault missing blocks in
// through the sync engine's block fetch path.
package mountapi
