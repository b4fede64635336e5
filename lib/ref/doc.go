// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides the validated identifier types used throughout
// the engine: user and device identities, realm and entry identifiers,
// block digests, and invitation tokens.
//
// Each identifier is a distinct Go type so that a DeviceID can never
// be passed where an EntryID is expected. All types implement
// encoding.TextMarshaler and encoding.TextUnmarshaler, so lib/codec
// serializes them as CBOR text strings and parsing re-validates on
// every decode — a malformed identifier never survives deserialization.
//
// Construction goes through New*/Parse* functions that validate shape.
// The zero value of every type is invalid and recognizable via IsZero.
package ref
