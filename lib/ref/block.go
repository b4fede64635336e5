// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// BlockIDSize is the size in bytes of a block digest (BLAKE3-256).
const BlockIDSize = 32

// BlockID is the content address of an immutable encrypted block: the
// BLAKE3 digest of the block ciphertext. Addressing ciphertext rather
// than plaintext means the server can verify what it stores without
// ever holding a decryption key.
type BlockID struct {
	digest [BlockIDSize]byte
}

// BlockIDOf computes the BlockID of ciphertext.
func BlockIDOf(ciphertext []byte) BlockID {
	return BlockID{digest: blake3.Sum256(ciphertext)}
}

// ParseBlockID parses the 64-character hex text form.
func ParseBlockID(s string) (BlockID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return BlockID{}, fmt.Errorf("ref: invalid block id %q: %w", s, err)
	}
	if len(raw) != BlockIDSize {
		return BlockID{}, fmt.Errorf("ref: block id has %d bytes, want %d", len(raw), BlockIDSize)
	}
	var id BlockID
	copy(id.digest[:], raw)
	return id, nil
}

// Bytes returns the raw 32-byte digest.
func (b BlockID) Bytes() []byte {
	digest := b.digest
	return digest[:]
}

// String returns the lowercase hex form.
func (b BlockID) String() string { return hex.EncodeToString(b.digest[:]) }

// IsZero reports whether b is the zero value. The all-zero digest is
// not a valid content address (it is not the BLAKE3 of anything we
// would store).
func (b BlockID) IsZero() bool {
	return bytes.Equal(b.digest[:], make([]byte, BlockIDSize))
}

// MarshalText implements encoding.TextMarshaler.
func (b BlockID) MarshalText() ([]byte, error) {
	if b.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero BlockID")
	}
	return []byte(b.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (b *BlockID) UnmarshalText(data []byte) error {
	parsed, err := ParseBlockID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal BlockID: %w", err)
	}
	*b = parsed
	return nil
}
