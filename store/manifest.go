// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"fmt"

	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// Manifest kinds. The kind tag travels inside the encrypted payload;
// the server never learns whether an entry is a file or a folder.
const (
	KindFile   = "file_manifest"
	KindFolder = "folder_manifest"
)

// BlockAccess locates one block of a file's content: which block,
// where it sits in the file, and how many plaintext bytes it holds.
// KeyEpoch records the realm key epoch that sealed the block; zero
// means the current epoch.
type BlockAccess struct {
	ID       ref.BlockID `cbor:"0,keyasint"`
	Offset   uint64      `cbor:"1,keyasint"`
	Size     uint64      `cbor:"2,keyasint"`
	KeyEpoch uint64      `cbor:"3,keyasint,omitempty"`
}

// Manifest is the versioned description of one entry. A file manifest
// carries Size and Blocks; a folder manifest carries Children. The
// Kind tag says which; the unused fields stay empty.
//
// Manifests encode deterministically, so a given (entry, version)
// always serializes to the same bytes on every device.
type Manifest struct {
	Kind      string       `cbor:"0,keyasint"`
	ID        ref.EntryID  `cbor:"1,keyasint"`
	Author    ref.DeviceID `cbor:"2,keyasint"`
	Version   uint64       `cbor:"3,keyasint"`
	CreatedAt int64        `cbor:"4,keyasint"`
	UpdatedAt int64        `cbor:"5,keyasint"`

	// File fields.
	Size   uint64        `cbor:"6,keyasint,omitempty"`
	Blocks []BlockAccess `cbor:"7,keyasint,omitempty"`

	// Folder fields. Keys are child names as shown to the user.
	Children map[string]ref.EntryID `cbor:"8,keyasint,omitempty"`
}

// IsFile reports whether the manifest describes a file.
func (m *Manifest) IsFile() bool { return m.Kind == KindFile }

// IsFolder reports whether the manifest describes a folder.
func (m *Manifest) IsFolder() bool { return m.Kind == KindFolder }

// Validate checks structural consistency: a known kind, a non-zero
// entry id and author, and no fields belonging to the other kind.
func (m *Manifest) Validate() error {
	if m.ID.IsZero() {
		return fmt.Errorf("manifest: zero entry id")
	}
	if m.Author.IsZero() {
		return fmt.Errorf("manifest: missing author")
	}
	switch m.Kind {
	case KindFile:
		if m.Children != nil {
			return fmt.Errorf("manifest: file manifest carries children")
		}
		var total uint64
		for i, block := range m.Blocks {
			if block.ID.IsZero() {
				return fmt.Errorf("manifest: block %d has zero id", i)
			}
			if block.Offset != total {
				return fmt.Errorf("manifest: block %d at offset %d, expected %d", i, block.Offset, total)
			}
			total += block.Size
		}
		if total != m.Size {
			return fmt.Errorf("manifest: blocks cover %d bytes, size says %d", total, m.Size)
		}
	case KindFolder:
		if m.Blocks != nil || m.Size != 0 {
			return fmt.Errorf("manifest: folder manifest carries file content")
		}
		for name, child := range m.Children {
			if name == "" {
				return fmt.Errorf("manifest: empty child name")
			}
			if child.IsZero() {
				return fmt.Errorf("manifest: child %q has zero entry id", name)
			}
		}
	default:
		return fmt.Errorf("manifest: unknown kind %q", m.Kind)
	}
	return nil
}

// Clone returns a deep copy. Mutating the copy's Blocks or Children
// never aliases the original.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.Blocks != nil {
		out.Blocks = make([]BlockAccess, len(m.Blocks))
		copy(out.Blocks, m.Blocks)
	}
	if m.Children != nil {
		out.Children = make(map[string]ref.EntryID, len(m.Children))
		for name, child := range m.Children {
			out.Children[name] = child
		}
	}
	return &out
}

// Equal reports whether two manifests are identical. Deterministic
// encoding makes byte comparison of the encodings sufficient.
func (m *Manifest) Equal(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, err := codec.Marshal(m)
	if err != nil {
		return false
	}
	b, err := codec.Marshal(other)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// LocalManifest is the working copy of an entry: the manifest content
// plus local-only synchronization state that never leaves the device.
type LocalManifest struct {
	Manifest *Manifest `cbor:"0,keyasint"`

	// BaseVersion is the remote version this working copy diverged
	// from. Zero for an entry that has never been synced.
	BaseVersion uint64 `cbor:"1,keyasint"`

	// NeedSync marks the entry dirty: local changes not yet pushed.
	NeedSync bool `cbor:"2,keyasint"`

	// IsPlaceholder marks an entry created locally whose realm-side
	// vlob does not exist yet. The first push creates it.
	IsPlaceholder bool `cbor:"3,keyasint"`
}

// Clone returns a deep copy.
func (l *LocalManifest) Clone() *LocalManifest {
	out := *l
	if l.Manifest != nil {
		out.Manifest = l.Manifest.Clone()
	}
	return &out
}
