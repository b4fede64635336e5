// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/realm"
	"github.com/touilleWoman/parsec-cloud/remote"
	"github.com/touilleWoman/parsec-cloud/store"
)

// ErrSyncPaused means an entry lost the push race more times than
// MaxSyncAttempts allows in one SyncEntry call. The working copy stays
// dirty and a later SyncAll retries it.
var ErrSyncPaused = errors.New("syncer: entry paused after repeated conflicts")

const defaultMaxSyncAttempts = 5

// vlobEnvelope wraps a sealed manifest with the key epoch that sealed
// it, so readers know which realm key to open it with.
type vlobEnvelope struct {
	Epoch uint64 `cbor:"0,keyasint"`
	Box   []byte `cbor:"1,keyasint"`
}

func vlobAAD(realmID ref.RealmID, entry ref.EntryID, version uint64) []byte {
	return fmt.Appendf(nil, "parsec.sync.vlob.v1:%s:%s:%d", realmID, entry, version)
}

// Config holds the parameters for building an Engine.
type Config struct {
	// Device is the identity stamped as Author on pushed manifests.
	Device ref.DeviceID

	// Store is the device's local encrypted store.
	Store *store.Store

	// Client talks to the realm server.
	Client *remote.Client

	// Manager supplies realm membership and epoch keys. Its realm id
	// scopes every remote call.
	Manager *realm.Manager

	// PullInterval is the period of the background pull loop in Run.
	// Defaults to 30 seconds.
	PullInterval time.Duration

	// MaxSyncAttempts bounds how many times one SyncEntry call retries
	// after losing the push race. Defaults to 5.
	MaxSyncAttempts int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine reconciles the local store with the realm server. Safe for
// concurrent use; operations on the same entry serialize on a
// per-entry lock.
type Engine struct {
	device      ref.DeviceID
	store       *store.Store
	client      *remote.Client
	manager     *realm.Manager
	interval    time.Duration
	maxAttempts int
	clock       clock.Clock
	logger      *slog.Logger
	locks       *entryLocks
}

// New builds an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.Manager == nil {
		return nil, fmt.Errorf("syncer: store, client and manager are required")
	}
	if cfg.Device.IsZero() {
		return nil, fmt.Errorf("syncer: device id is required")
	}

	interval := cfg.PullInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	attempts := cfg.MaxSyncAttempts
	if attempts <= 0 {
		attempts = defaultMaxSyncAttempts
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		device:      cfg.Device,
		store:       cfg.Store,
		client:      cfg.Client,
		manager:     cfg.Manager,
		interval:    interval,
		maxAttempts: attempts,
		clock:       clk,
		logger:      logger.With("component", "syncer", "realm", cfg.Manager.Realm()),
		locks:       newEntryLocks(),
	}, nil
}

// Run pulls remote changes and pushes dirty entries on a fixed
// interval until ctx is cancelled. Individual failures are logged and
// retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.Pull(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("pull failed", "error", err)
		}
		if err := e.SyncAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Warn("sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SyncAll pushes every dirty entry. Entries that hit ErrSyncPaused
// stay dirty and do not fail the batch; any other error aborts.
func (e *Engine) SyncAll(ctx context.Context) error {
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, entry := range pending {
		if err := e.SyncEntry(ctx, entry); err != nil {
			if errors.Is(err, ErrSyncPaused) {
				e.logger.Warn("entry paused", "entry", entry)
				continue
			}
			return fmt.Errorf("syncing entry %s: %w", entry, err)
		}
	}
	return nil
}

// SyncEntry pushes one entry's working copy to the server, merging in
// any remote version that beat it. Losses of the push race retry up to
// MaxSyncAttempts times before returning ErrSyncPaused.
func (e *Engine) SyncEntry(ctx context.Context, entry ref.EntryID) error {
	release := e.locks.Lock(entry)
	defer release()

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		local, err := e.store.GetLocal(ctx, entry)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
		if !local.NeedSync {
			return nil
		}

		epoch, key, err := e.manager.CurrentEpoch()
		if err != nil {
			return err
		}

		push := local.Manifest.Clone()
		push.Author = e.device
		push.Version = local.BaseVersion + 1
		push.UpdatedAt = e.clock.Now().Unix()

		if push.IsFile() {
			if err := e.pushBlocks(ctx, push); err != nil {
				return err
			}
		}

		blob, err := e.sealManifest(push, epoch, key)
		if err != nil {
			return err
		}

		if local.IsPlaceholder {
			err = e.client.VlobCreate(ctx, e.manager.Realm(), entry, blob)
			if errors.Is(err, remote.ErrAlreadyExists) {
				// Another device created the same entry. Fetch its
				// version and merge before retrying.
				if err := e.fetchAndIntegrate(ctx, entry); err != nil {
					return err
				}
				continue
			}
		} else {
			err = e.client.VlobUpdate(ctx, e.manager.Realm(), entry, push.Version, blob)
			var conflict *remote.Conflict
			if errors.As(err, &conflict) {
				won, openErr := e.openManifest(conflict.ActualBlob, entry, conflict.ActualVersion)
				if openErr != nil {
					return openErr
				}
				if err := e.integrateRemote(ctx, won); err != nil {
					return err
				}
				continue
			}
		}
		if err != nil {
			return err
		}
		return e.store.MarkSynced(ctx, push)
	}
	return fmt.Errorf("%w: %s", ErrSyncPaused, entry)
}

// Pull asks the server which entries moved past the locally known
// versions and integrates each changed one.
func (e *Engine) Pull(ctx context.Context) error {
	entries, err := e.store.ListEntries(ctx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	items := make([]remote.VlobCheckItem, 0, len(entries))
	for _, entry := range entries {
		var version uint64
		latest, err := e.store.LatestRemote(ctx, entry)
		switch {
		case err == nil:
			version = latest.Version
		case errors.Is(err, store.ErrNotFound):
			// Placeholder, never synced. Version zero asks whether
			// the server has it at all.
		default:
			return err
		}
		items = append(items, remote.VlobCheckItem{Entry: entry, Version: version})
	}

	changed, err := e.client.VlobGroupCheck(ctx, e.manager.Realm(), items)
	if err != nil {
		return err
	}
	for _, change := range changed {
		release := e.locks.Lock(change.Entry)
		err := e.fetchAndIntegrate(ctx, change.Entry)
		release()
		if err != nil {
			return fmt.Errorf("pulling entry %s: %w", change.Entry, err)
		}
	}
	return nil
}

// Register fetches an entry this device has never seen, such as a
// workspace root id learned during enrollment, and folds its latest
// version into the local store. Registering an already known entry
// behaves like a pull of that entry.
func (e *Engine) Register(ctx context.Context, entry ref.EntryID) error {
	release := e.locks.Lock(entry)
	defer release()
	return e.fetchAndIntegrate(ctx, entry)
}

// FetchBlock returns a block's plaintext, downloading and caching the
// ciphertext if the local store does not have it.
func (e *Engine) FetchBlock(ctx context.Context, key *crypt.SecretKey, id ref.BlockID) ([]byte, error) {
	cached, err := e.store.HasBlock(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cached {
		ciphertext, err := e.client.BlockRead(ctx, e.manager.Realm(), id)
		if err != nil {
			return nil, err
		}
		if err := e.store.PutBlockCiphertext(ctx, id, ciphertext); err != nil {
			return nil, err
		}
	}
	return e.store.GetBlock(ctx, key, id)
}

// pushBlocks uploads the ciphertext of every block the manifest
// references. Blocks absent locally were uploaded by whoever produced
// them and are skipped.
func (e *Engine) pushBlocks(ctx context.Context, manifest *store.Manifest) error {
	for _, access := range manifest.Blocks {
		ciphertext, err := e.store.GetBlockCiphertext(ctx, access.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.client.BlockCreate(ctx, e.manager.Realm(), access.ID, ciphertext); err != nil {
			return fmt.Errorf("uploading block %s: %w", access.ID, err)
		}
	}
	return nil
}

// fetchAndIntegrate downloads the latest remote version of entry and
// folds it into the local store. Caller holds the entry lock.
func (e *Engine) fetchAndIntegrate(ctx context.Context, entry ref.EntryID) error {
	version, blob, err := e.client.VlobRead(ctx, e.manager.Realm(), entry, 0)
	if err != nil {
		return err
	}
	manifest, err := e.openManifest(blob, entry, version)
	if err != nil {
		return err
	}
	return e.integrateRemote(ctx, manifest)
}

// integrateRemote records a newly learned remote version and
// reconciles the working copy with it. A clean working copy rebases; a
// dirty one three-way merges, possibly spilling a conflict file into
// the parent folder. Caller holds the entry lock.
func (e *Engine) integrateRemote(ctx context.Context, won *store.Manifest) error {
	if err := e.store.PutRemote(ctx, won); err != nil {
		return err
	}

	local, err := e.store.GetLocal(ctx, won.ID)
	if errors.Is(err, store.ErrNotFound) {
		// First sighting of this entry on this device.
		if err := e.store.PutLocal(ctx, &store.LocalManifest{
			Manifest:    won.Clone(),
			BaseVersion: won.Version,
		}); err != nil {
			return err
		}
		return e.discoverChildren(ctx, won)
	}
	if err != nil {
		return err
	}
	if won.Version <= local.BaseVersion {
		return nil
	}

	if !local.NeedSync {
		if err := e.store.PutLocal(ctx, &store.LocalManifest{
			Manifest:    won.Clone(),
			BaseVersion: won.Version,
		}); err != nil {
			return err
		}
		return e.discoverChildren(ctx, won)
	}

	var base *store.Manifest
	if local.BaseVersion > 0 {
		base, err = e.store.GetRemote(ctx, won.ID, local.BaseVersion)
		if err != nil {
			return err
		}
	}

	result, err := mergeManifests(base, local.Manifest, won, e.device, e.clock.Now().Unix())
	if err != nil {
		return err
	}
	if err := e.store.PutLocal(ctx, &store.LocalManifest{
		Manifest:    result.Merged,
		BaseVersion: won.Version,
		NeedSync:    result.NeedSync,
	}); err != nil {
		return err
	}
	if result.ConflictFile != nil {
		if err := e.materializeConflict(ctx, won.ID, result.ConflictFile); err != nil {
			return err
		}
	}
	return e.discoverChildren(ctx, won)
}

// discoverChildren fetches children of a freshly integrated folder
// that this device has no record of yet. Children another device has
// created but not pushed do not exist server side; they arrive later.
func (e *Engine) discoverChildren(ctx context.Context, manifest *store.Manifest) error {
	if !manifest.IsFolder() {
		return nil
	}
	for _, child := range manifest.Children {
		if child == manifest.ID {
			continue
		}
		if _, err := e.store.GetLocal(ctx, child); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		release := e.locks.Lock(child)
		err := e.fetchAndIntegrate(ctx, child)
		release()
		if err != nil && !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("fetching child %s: %w", child, err)
		}
	}
	return nil
}

// materializeConflict stores the losing side of a file content
// conflict as a new placeholder entry and links it into the folder
// that holds the contested entry.
func (e *Engine) materializeConflict(ctx context.Context, contested ref.EntryID, conflict *store.Manifest) error {
	if err := e.store.PutLocal(ctx, &store.LocalManifest{
		Manifest:      conflict,
		NeedSync:      true,
		IsPlaceholder: true,
	}); err != nil {
		return err
	}

	parent, name, err := e.findParent(ctx, contested)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No folder references the entry on this device. The
			// conflict file still exists, just unlinked.
			e.logger.Warn("conflict file has no parent folder",
				"entry", contested, "conflict", conflict.ID)
			return nil
		}
		return err
	}

	folder := parent.Manifest.Clone()
	taken := func(candidate string) bool {
		_, used := folder.Children[candidate]
		return used
	}
	folder.Children[conflictName(name, e.device, taken)] = conflict.ID
	folder.UpdatedAt = e.clock.Now().Unix()
	return e.store.PutLocal(ctx, &store.LocalManifest{
		Manifest:      folder,
		BaseVersion:   parent.BaseVersion,
		NeedSync:      true,
		IsPlaceholder: parent.IsPlaceholder,
	})
}

// findParent scans local folders for the one holding child and returns
// it with the name the child is linked under.
func (e *Engine) findParent(ctx context.Context, child ref.EntryID) (*store.LocalManifest, string, error) {
	entries, err := e.store.ListEntries(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, entry := range entries {
		local, err := e.store.GetLocal(ctx, entry)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		if !local.Manifest.IsFolder() {
			continue
		}
		for name, id := range local.Manifest.Children {
			if id == child {
				return local, name, nil
			}
		}
	}
	return nil, "", store.ErrNotFound
}

func (e *Engine) sealManifest(manifest *store.Manifest, epoch uint64, key *crypt.SecretKey) ([]byte, error) {
	plain, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	box, err := key.SealWithAAD(plain, vlobAAD(e.manager.Realm(), manifest.ID, manifest.Version))
	if err != nil {
		return nil, err
	}
	return codec.Marshal(&vlobEnvelope{Epoch: epoch, Box: box})
}

// openManifest unseals a vlob blob and checks it describes the entry
// and version it was fetched as.
func (e *Engine) openManifest(blob []byte, entry ref.EntryID, version uint64) (*store.Manifest, error) {
	var envelope vlobEnvelope
	if err := codec.Unmarshal(blob, &envelope); err != nil {
		return nil, fmt.Errorf("decoding vlob envelope: %w", err)
	}
	key, err := e.manager.EpochKey(envelope.Epoch)
	if err != nil {
		return nil, err
	}
	plain, err := key.OpenWithAAD(envelope.Box, vlobAAD(e.manager.Realm(), entry, version))
	if err != nil {
		return nil, fmt.Errorf("opening vlob %s version %d: %w", entry, version, err)
	}
	var manifest store.Manifest
	if err := codec.Unmarshal(plain, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	if manifest.ID != entry || manifest.Version != version {
		return nil, fmt.Errorf("vlob %s version %d contains manifest for %s version %d",
			entry, version, manifest.ID, manifest.Version)
	}
	return &manifest, nil
}
