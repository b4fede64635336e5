// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"fmt"
	"sort"

	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/store"
)

// mergeResult is the outcome of a three-way manifest merge.
type mergeResult struct {
	// Merged is the new working copy, rebased onto the remote
	// version.
	Merged *store.Manifest

	// NeedSync reports whether Merged still differs from the remote
	// manifest and must be pushed.
	NeedSync bool

	// ConflictFile is non-nil when a file's content was edited on
	// both sides: the losing local content under a fresh entry id,
	// to be linked into the parent folder as a conflict file.
	ConflictFile *store.Manifest
}

// mergeManifests reconciles a local working copy with a remote
// version that won the push race. base is the common ancestor (the
// manifest at the local copy's base version); nil when the entry was
// created concurrently on both sides.
func mergeManifests(base, local, remote *store.Manifest, device ref.DeviceID, now int64) (*mergeResult, error) {
	if local.Kind != remote.Kind {
		return nil, fmt.Errorf("syncer: entry %s is a %s locally but a %s remotely", local.ID, local.Kind, remote.Kind)
	}
	if base != nil && base.Kind != remote.Kind {
		return nil, fmt.Errorf("syncer: entry %s changed kind between versions", local.ID)
	}

	if remote.IsFolder() {
		return mergeFolders(base, local, remote, device, now), nil
	}
	return mergeFiles(base, local, remote, device, now), nil
}

// mergeFolders merges per child. For each name, a side that did not
// change it yields to the side that did; when both sides changed it
// differently, the remote child keeps the name and the local child is
// kept under a conflict rename.
func mergeFolders(base, local, remote *store.Manifest, device ref.DeviceID, now int64) *mergeResult {
	baseChildren := map[string]ref.EntryID{}
	if base != nil {
		baseChildren = base.Children
	}

	names := make(map[string]struct{})
	for name := range baseChildren {
		names[name] = struct{}{}
	}
	for name := range local.Children {
		names[name] = struct{}{}
	}
	for name := range remote.Children {
		names[name] = struct{}{}
	}
	// Deterministic iteration so every device resolves collisions to
	// the same renames.
	ordered := make([]string, 0, len(names))
	for name := range names {
		ordered = append(ordered, name)
	}
	sort.Strings(ordered)

	merged := make(map[string]ref.EntryID, len(names))
	taken := func(name string) bool {
		if _, used := merged[name]; used {
			return true
		}
		_, pending := names[name]
		return pending
	}

	for _, name := range ordered {
		b, hasBase := baseChildren[name]
		l, hasLocal := local.Children[name]
		r, hasRemote := remote.Children[name]

		localChanged := hasLocal != hasBase || (hasLocal && l != b)
		remoteChanged := hasRemote != hasBase || (hasRemote && r != b)

		switch {
		case !localChanged:
			if hasRemote {
				merged[name] = r
			}
		case !remoteChanged:
			if hasLocal {
				merged[name] = l
			}
		case hasLocal && hasRemote && l == r:
			merged[name] = r
		default:
			// A true collision. The remote side keeps the name; a
			// surviving local child moves aside under a rename. A
			// locally deleted child stays deleted only if the remote
			// side deleted it too, which the cases above covered.
			if hasRemote {
				merged[name] = r
			}
			if hasLocal && (!hasRemote || l != r) {
				if !hasRemote {
					merged[name] = l
				} else {
					merged[conflictName(name, device, taken)] = l
				}
			}
		}
	}

	result := &store.Manifest{
		Kind:      store.KindFolder,
		ID:        remote.ID,
		Author:    device,
		Version:   remote.Version,
		CreatedAt: remote.CreatedAt,
		UpdatedAt: now,
		Children:  merged,
	}
	return &mergeResult{
		Merged:   result,
		NeedSync: !childrenEqual(merged, remote.Children),
	}
}

// mergeFiles resolves file content three ways. Content is compared by
// block layout; metadata-only differences never conflict.
func mergeFiles(base, local, remote *store.Manifest, device ref.DeviceID, now int64) *mergeResult {
	switch {
	case contentEqual(local, remote):
		// Convergent edits, nothing to do.
		return &mergeResult{Merged: remote.Clone()}

	case base != nil && contentEqual(base, local):
		// Only the remote side changed.
		return &mergeResult{Merged: remote.Clone()}

	case base != nil && contentEqual(base, remote):
		// Only the local side changed; carry it onto the new version.
		merged := local.Clone()
		merged.Author = device
		merged.Version = remote.Version
		merged.UpdatedAt = now
		return &mergeResult{Merged: merged, NeedSync: true}

	default:
		// Both sides changed the content. The remote version keeps
		// the entry; the local content survives as a conflict file.
		conflict := &store.Manifest{
			Kind:      store.KindFile,
			ID:        ref.NewEntryID(),
			Author:    device,
			CreatedAt: local.CreatedAt,
			UpdatedAt: now,
			Size:      local.Size,
			Blocks:    append([]store.BlockAccess(nil), local.Blocks...),
		}
		return &mergeResult{
			Merged:       remote.Clone(),
			ConflictFile: conflict,
		}
	}
}

// conflictName derives the rename for the local side of a collision,
// suffixing a counter until the name is free.
func conflictName(name string, device ref.DeviceID, taken func(string) bool) string {
	candidate := fmt.Sprintf("%s (conflicting with %s)", name, device)
	for i := 2; taken(candidate); i++ {
		candidate = fmt.Sprintf("%s (conflicting with %s, %d)", name, device, i)
	}
	return candidate
}

func contentEqual(a, b *store.Manifest) bool {
	if a.Size != b.Size || len(a.Blocks) != len(b.Blocks) {
		return false
	}
	for i := range a.Blocks {
		if a.Blocks[i] != b.Blocks[i] {
			return false
		}
	}
	return true
}

func childrenEqual(a, b map[string]ref.EntryID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, entry := range a {
		if other, found := b[name]; !found || other != entry {
			return false
		}
	}
	return true
}
