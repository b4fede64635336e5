// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package crypt

import (
	"github.com/zeebo/blake3"
)

// sasAlphabet is the 32-symbol alphabet for short authentication
// strings. Excludes 0/O/1/I to survive human transcription over a
// phone call or a squinted look at a phone screen.
const sasAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// SASLength is the number of symbols in a short authentication string.
// Four symbols of 5 bits each give 20 bits: enough that an active
// man-in-the-middle has a 1-in-a-million chance per attempt, and
// attempts are single-shot because a mismatch burns the invitation.
const SASLength = 4

// sasDomain separates the SAS derivation from any other use of BLAKE3
// over handshake material.
var sasDomain = []byte("parsec.enroll.sas.v1")

// SASCode derives the short authentication string for an enrollment
// handshake transcript. Both peers call this with the identical
// transcript (token, both ephemeral public keys, both nonces, in
// fixed order) and display the result to their human operators. The
// codes match if and only if the two peers ran the exchange against
// each other rather than through an interceptor.
func SASCode(transcript []byte) string {
	hasher := blake3.New()
	hasher.Write(sasDomain)
	hasher.Write(transcript)
	digest := hasher.Sum(nil)

	// Take 5 bits per symbol from the digest.
	code := make([]byte, SASLength)
	for i := 0; i < SASLength; i++ {
		bitOffset := i * 5
		byteOffset := bitOffset / 8
		shift := bitOffset % 8

		value := uint16(digest[byteOffset]) >> shift
		if shift > 3 {
			value |= uint16(digest[byteOffset+1]) << (8 - shift)
		}
		code[i] = sasAlphabet[value&0x1F]
	}
	return string(code)
}
