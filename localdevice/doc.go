// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package localdevice stores device key bundles on disk. A bundle
// holds everything a device needs to come back after a restart: its
// Ed25519 signing seed, X25519 exchange seed, local storage key, the
// device certificate with its trust chain, and the root-of-trust
// verify key.
//
// Bundles are CBOR-encoded and sealed with an age scrypt passphrase
// recipient, one file per device under a config directory. Writes go
// through a temp file and rename, so a crash never leaves a torn
// bundle behind.
package localdevice
