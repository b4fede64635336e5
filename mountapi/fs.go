// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package mountapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/realm"
	"github.com/touilleWoman/parsec-cloud/store"
	"github.com/touilleWoman/parsec-cloud/syncer"
)

var (
	// ErrNotFile means a file operation targeted a folder.
	ErrNotFile = errors.New("mountapi: entry is not a file")

	// ErrNotFolder means a namespace operation targeted a file.
	ErrNotFolder = errors.New("mountapi: entry is not a folder")

	// ErrExists means the target name is already taken in the folder.
	ErrExists = errors.New("mountapi: name already exists")

	// ErrNotEmpty means a folder with children was deleted without
	// removing them first.
	ErrNotEmpty = errors.New("mountapi: folder is not empty")
)

// blockSize is the split size for file content. Writes re-chunk the
// file at this granularity; the store's content-keyed dedup makes
// rewriting unchanged chunks free.
const blockSize = 512 * 1024

// Config holds the parameters for building an FS.
type Config struct {
	// Device is stamped as Author on every manifest this FS edits.
	Device ref.DeviceID

	Store   *store.Store
	Engine  *syncer.Engine
	Manager *realm.Manager

	Clock  clock.Clock
	Logger *slog.Logger
}

// FS is the plaintext filesystem facade. Safe for concurrent use; the
// underlying store serializes access, and concurrent writers to one
// file race at whole-operation granularity like any filesystem.
type FS struct {
	device  ref.DeviceID
	store   *store.Store
	engine  *syncer.Engine
	manager *realm.Manager
	clock   clock.Clock
	logger  *slog.Logger
}

// New builds an FS from cfg.
func New(cfg Config) (*FS, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Manager == nil {
		return nil, fmt.Errorf("mountapi: store, engine and manager are required")
	}
	if cfg.Device.IsZero() {
		return nil, fmt.Errorf("mountapi: device id is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &FS{
		device:  cfg.Device,
		store:   cfg.Store,
		engine:  cfg.Engine,
		manager: cfg.Manager,
		clock:   clk,
		logger:  logger.With("component", "mountapi"),
	}, nil
}

// Info describes an entry as a mount adapter sees it.
type Info struct {
	ID        ref.EntryID
	IsFolder  bool
	Size      uint64
	Children  int
	UpdatedAt int64

	// Synced reports whether the working copy matches the last
	// server-confirmed version.
	Synced bool
}

// Child is one name in a folder listing.
type Child struct {
	Name string
	ID   ref.EntryID
}

// Stat returns metadata for an entry.
func (f *FS) Stat(ctx context.Context, entry ref.EntryID) (*Info, error) {
	local, err := f.store.GetLocal(ctx, entry)
	if err != nil {
		return nil, err
	}
	return &Info{
		ID:        entry,
		IsFolder:  local.Manifest.IsFolder(),
		Size:      local.Manifest.Size,
		Children:  len(local.Manifest.Children),
		UpdatedAt: local.Manifest.UpdatedAt,
		Synced:    !local.NeedSync,
	}, nil
}

// ListChildren returns a folder's entries sorted by name.
func (f *FS) ListChildren(ctx context.Context, folder ref.EntryID) ([]Child, error) {
	manifest, err := f.loadFolder(ctx, folder)
	if err != nil {
		return nil, err
	}
	children := make([]Child, 0, len(manifest.Manifest.Children))
	for name, id := range manifest.Manifest.Children {
		children = append(children, Child{Name: name, ID: id})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name < children[j].Name })
	return children, nil
}

// CreateRoot creates the realm's root folder as a fresh placeholder.
// Called once by whoever creates the realm; other devices learn the
// returned id out of band and register it with the sync engine.
func (f *FS) CreateRoot(ctx context.Context) (ref.EntryID, error) {
	manifest := f.newFolderManifest()
	if err := f.putPlaceholder(ctx, manifest); err != nil {
		return ref.EntryID{}, err
	}
	return manifest.ID, nil
}

// CreateFolder creates an empty folder under parent.
func (f *FS) CreateFolder(ctx context.Context, parent ref.EntryID, name string) (ref.EntryID, error) {
	manifest := f.newFolderManifest()
	if err := f.link(ctx, parent, name, manifest); err != nil {
		return ref.EntryID{}, err
	}
	return manifest.ID, nil
}

// CreateFile creates an empty file under parent.
func (f *FS) CreateFile(ctx context.Context, parent ref.EntryID, name string) (ref.EntryID, error) {
	now := f.clock.Now().Unix()
	manifest := &store.Manifest{
		Kind:      store.KindFile,
		ID:        ref.NewEntryID(),
		Author:    f.device,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.link(ctx, parent, name, manifest); err != nil {
		return ref.EntryID{}, err
	}
	return manifest.ID, nil
}

// Rename moves a child to a new name within the same folder.
func (f *FS) Rename(ctx context.Context, folder ref.EntryID, oldName, newName string) error {
	local, err := f.loadFolder(ctx, folder)
	if err != nil {
		return err
	}
	manifest := local.Manifest.Clone()
	child, found := manifest.Children[oldName]
	if !found {
		return fmt.Errorf("%w: %s", store.ErrNotFound, oldName)
	}
	if _, taken := manifest.Children[newName]; taken {
		return fmt.Errorf("%w: %s", ErrExists, newName)
	}
	delete(manifest.Children, oldName)
	manifest.Children[newName] = child
	return f.putDirty(ctx, local, manifest)
}

// Delete unlinks a child from its folder. A folder child must be
// empty. The child's manifest stays in the store until the garbage
// pass; only the name goes away.
func (f *FS) Delete(ctx context.Context, folder ref.EntryID, name string) error {
	local, err := f.loadFolder(ctx, folder)
	if err != nil {
		return err
	}
	child, found := local.Manifest.Children[name]
	if !found {
		return fmt.Errorf("%w: %s", store.ErrNotFound, name)
	}

	childLocal, err := f.store.GetLocal(ctx, child)
	if err == nil && childLocal.Manifest.IsFolder() && len(childLocal.Manifest.Children) > 0 {
		return fmt.Errorf("%w: %s", ErrNotEmpty, name)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	manifest := local.Manifest.Clone()
	delete(manifest.Children, name)
	return f.putDirty(ctx, local, manifest)
}

// Read returns up to length bytes of a file starting at offset.
// Reads past the end return the available prefix; at or past the end,
// an empty slice.
func (f *FS) Read(ctx context.Context, entry ref.EntryID, offset uint64, length int) ([]byte, error) {
	local, err := f.loadFile(ctx, entry)
	if err != nil {
		return nil, err
	}
	manifest := local.Manifest
	if offset >= manifest.Size || length <= 0 {
		return nil, nil
	}
	end := offset + uint64(length)
	if end > manifest.Size {
		end = manifest.Size
	}

	out := make([]byte, end-offset)
	for _, access := range manifest.Blocks {
		blockEnd := access.Offset + access.Size
		if blockEnd <= offset || access.Offset >= end {
			continue
		}
		key, err := f.epochKey(access.KeyEpoch)
		if err != nil {
			return nil, err
		}
		plaintext, err := f.engine.FetchBlock(ctx, key, access.ID)
		if err != nil {
			return nil, fmt.Errorf("reading block at %d: %w", access.Offset, err)
		}

		from, to := offset, end
		if access.Offset > from {
			from = access.Offset
		}
		if blockEnd < to {
			to = blockEnd
		}
		copy(out[from-offset:to-offset], plaintext[from-access.Offset:to-access.Offset])
	}
	return out, nil
}

// Write replaces the byte range [offset, offset+len(data)) of a file,
// extending it if the range runs past the end. A gap between the old
// end and offset reads back as zeros. The file is re-chunked; the
// store dedups chunks whose content did not change.
func (f *FS) Write(ctx context.Context, entry ref.EntryID, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	local, err := f.loadFile(ctx, entry)
	if err != nil {
		return err
	}

	content, err := f.readWhole(ctx, local.Manifest)
	if err != nil {
		return err
	}
	end := offset + uint64(len(data))
	if end > uint64(len(content)) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[offset:end], data)

	return f.rewrite(ctx, local, content)
}

// Truncate sets a file's size, discarding or zero-extending content.
func (f *FS) Truncate(ctx context.Context, entry ref.EntryID, size uint64) error {
	local, err := f.loadFile(ctx, entry)
	if err != nil {
		return err
	}
	if size == local.Manifest.Size {
		return nil
	}
	content, err := f.readWhole(ctx, local.Manifest)
	if err != nil {
		return err
	}
	if size <= uint64(len(content)) {
		content = content[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, content)
		content = grown
	}
	return f.rewrite(ctx, local, content)
}

// rewrite replaces a file's content wholesale: split into blocks,
// seal each under the current epoch, swap the block list.
func (f *FS) rewrite(ctx context.Context, local *store.LocalManifest, content []byte) error {
	epoch, key, err := f.manager.CurrentEpoch()
	if err != nil {
		return err
	}

	var blocks []store.BlockAccess
	for off := 0; off < len(content); off += blockSize {
		chunk := content[off:min(off+blockSize, len(content))]
		id, err := f.store.PutBlock(ctx, key, chunk)
		if err != nil {
			return err
		}
		blocks = append(blocks, store.BlockAccess{
			ID:       id,
			Offset:   uint64(off),
			Size:     uint64(len(chunk)),
			KeyEpoch: epoch,
		})
	}

	manifest := local.Manifest.Clone()
	manifest.Size = uint64(len(content))
	manifest.Blocks = blocks
	return f.putDirty(ctx, local, manifest)
}

// readWhole assembles a file's full plaintext.
func (f *FS) readWhole(ctx context.Context, manifest *store.Manifest) ([]byte, error) {
	content := make([]byte, manifest.Size)
	for _, access := range manifest.Blocks {
		key, err := f.epochKey(access.KeyEpoch)
		if err != nil {
			return nil, err
		}
		plaintext, err := f.engine.FetchBlock(ctx, key, access.ID)
		if err != nil {
			return nil, fmt.Errorf("reading block at %d: %w", access.Offset, err)
		}
		copy(content[access.Offset:access.Offset+access.Size], plaintext)
	}
	return content, nil
}

func (f *FS) epochKey(epoch uint64) (*crypt.SecretKey, error) {
	if epoch == 0 {
		_, key, err := f.manager.CurrentEpoch()
		return key, err
	}
	return f.manager.EpochKey(epoch)
}

func (f *FS) newFolderManifest() *store.Manifest {
	now := f.clock.Now().Unix()
	return &store.Manifest{
		Kind:      store.KindFolder,
		ID:        ref.NewEntryID(),
		Author:    f.device,
		CreatedAt: now,
		UpdatedAt: now,
		Children:  map[string]ref.EntryID{},
	}
}

// link stores a fresh child manifest and adds it to parent under name.
func (f *FS) link(ctx context.Context, parent ref.EntryID, name string, child *store.Manifest) error {
	if name == "" {
		return fmt.Errorf("mountapi: empty child name")
	}
	local, err := f.loadFolder(ctx, parent)
	if err != nil {
		return err
	}
	if _, taken := local.Manifest.Children[name]; taken {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}

	if err := f.putPlaceholder(ctx, child); err != nil {
		return err
	}
	manifest := local.Manifest.Clone()
	if manifest.Children == nil {
		manifest.Children = map[string]ref.EntryID{}
	}
	manifest.Children[name] = child.ID
	return f.putDirty(ctx, local, manifest)
}

func (f *FS) putPlaceholder(ctx context.Context, manifest *store.Manifest) error {
	return f.store.PutLocal(ctx, &store.LocalManifest{
		Manifest:      manifest,
		NeedSync:      true,
		IsPlaceholder: true,
	})
}

// putDirty installs an edited working copy in place of prior.
func (f *FS) putDirty(ctx context.Context, prior *store.LocalManifest, manifest *store.Manifest) error {
	manifest.Author = f.device
	manifest.UpdatedAt = f.clock.Now().Unix()
	return f.store.PutLocal(ctx, &store.LocalManifest{
		Manifest:      manifest,
		BaseVersion:   prior.BaseVersion,
		NeedSync:      true,
		IsPlaceholder: prior.IsPlaceholder,
	})
}

func (f *FS) loadFolder(ctx context.Context, entry ref.EntryID) (*store.LocalManifest, error) {
	local, err := f.store.GetLocal(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !local.Manifest.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrNotFolder, entry)
	}
	return local, nil
}

func (f *FS) loadFile(ctx context.Context, entry ref.EntryID) (*store.LocalManifest, error) {
	local, err := f.store.GetLocal(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !local.Manifest.IsFile() {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, entry)
	}
	return local, nil
}
