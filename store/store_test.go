// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

func testDevice(t *testing.T) ref.DeviceID {
	t.Helper()
	user, err := ref.NewUserID("alice")
	if err != nil {
		t.Fatalf("NewUserID: %v", err)
	}
	name, err := ref.NewDeviceName("laptop")
	if err != nil {
		t.Fatalf("NewDeviceName: %v", err)
	}
	device, err := ref.NewDeviceID(user, name)
	if err != nil {
		t.Fatalf("NewDeviceID: %v", err)
	}
	return device
}

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	t.Cleanup(func() { key.Close() })

	path := filepath.Join(t.TempDir(), "store.sqlite")
	store, err := Open(Config{Path: path, StorageKey: key})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func fileManifest(t *testing.T, version uint64) *Manifest {
	t.Helper()
	return &Manifest{
		Kind:      KindFile,
		ID:        ref.NewEntryID(),
		Author:    testDevice(t),
		Version:   version,
		CreatedAt: 1700000000,
		UpdatedAt: 1700000100,
	}
}

func folderManifest(t *testing.T, version uint64, children map[string]ref.EntryID) *Manifest {
	t.Helper()
	return &Manifest{
		Kind:      KindFolder,
		ID:        ref.NewEntryID(),
		Author:    testDevice(t),
		Version:   version,
		CreatedAt: 1700000000,
		UpdatedAt: 1700000100,
		Children:  children,
	}
}

func TestManifestValidate(t *testing.T) {
	good := folderManifest(t, 1, map[string]ref.EntryID{"notes.txt": ref.NewEntryID()})
	if err := good.Validate(); err != nil {
		t.Fatalf("valid folder manifest rejected: %v", err)
	}

	mixed := fileManifest(t, 1)
	mixed.Children = map[string]ref.EntryID{"x": ref.NewEntryID()}
	if err := mixed.Validate(); err == nil {
		t.Fatal("file manifest with children accepted")
	}

	gap := fileManifest(t, 1)
	gap.Size = 10
	gap.Blocks = []BlockAccess{{ID: ref.BlockIDOf([]byte("a")), Offset: 2, Size: 8}}
	if err := gap.Validate(); err == nil {
		t.Fatal("file manifest with block gap accepted")
	}

	unknown := fileManifest(t, 1)
	unknown.Kind = "symlink_manifest"
	if err := unknown.Validate(); err == nil {
		t.Fatal("unknown manifest kind accepted")
	}
}

func TestRemoteManifestRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	manifest := folderManifest(t, 1, map[string]ref.EntryID{"docs": ref.NewEntryID()})
	if err := store.PutRemote(ctx, manifest); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}

	got, err := store.GetRemote(ctx, manifest.ID, 1)
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if !got.Equal(manifest) {
		t.Fatal("round-tripped manifest differs")
	}

	if _, err := store.GetRemote(ctx, manifest.ID, 2); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing version: got %v, want ErrNotFound", err)
	}
	if _, err := store.GetRemote(ctx, ref.NewEntryID(), 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing entry: got %v, want ErrNotFound", err)
	}
}

func TestRemoteManifestImmutable(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	manifest := folderManifest(t, 3, nil)
	if err := store.PutRemote(ctx, manifest); err != nil {
		t.Fatalf("PutRemote: %v", err)
	}

	// Same content again is a no-op.
	if err := store.PutRemote(ctx, manifest.Clone()); err != nil {
		t.Fatalf("idempotent PutRemote: %v", err)
	}

	// Different content at the same version is refused.
	altered := manifest.Clone()
	altered.Children = map[string]ref.EntryID{"sneaky": ref.NewEntryID()}
	if err := store.PutRemote(ctx, altered); !errors.Is(err, ErrImmutableViolation) {
		t.Fatalf("conflicting PutRemote: got %v, want ErrImmutableViolation", err)
	}
}

func TestLatestRemote(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := folderManifest(t, 1, nil)
	for version := uint64(1); version <= 3; version++ {
		m := base.Clone()
		m.Version = version
		m.UpdatedAt = int64(1700000000 + version)
		if err := store.PutRemote(ctx, m); err != nil {
			t.Fatalf("PutRemote v%d: %v", version, err)
		}
	}

	latest, err := store.LatestRemote(ctx, base.ID)
	if err != nil {
		t.Fatalf("LatestRemote: %v", err)
	}
	if latest.Version != 3 {
		t.Fatalf("latest version = %d, want 3", latest.Version)
	}

	if _, err := store.LatestRemote(ctx, ref.NewEntryID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestRemote on unknown entry: got %v, want ErrNotFound", err)
	}
}

func TestLocalManifestAndPending(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	manifest := fileManifest(t, 0)
	local := &LocalManifest{
		Manifest:      manifest,
		NeedSync:      true,
		IsPlaceholder: true,
	}
	if err := store.PutLocal(ctx, local); err != nil {
		t.Fatalf("PutLocal: %v", err)
	}

	got, err := store.GetLocal(ctx, manifest.ID)
	if err != nil {
		t.Fatalf("GetLocal: %v", err)
	}
	if !got.NeedSync || !got.IsPlaceholder || got.BaseVersion != 0 {
		t.Fatalf("local state = %+v, want dirty placeholder at base 0", got)
	}
	if !got.Manifest.Equal(manifest) {
		t.Fatal("round-tripped local manifest differs")
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0] != manifest.ID {
		t.Fatalf("pending = %v, want [%s]", pending, manifest.ID)
	}

	if _, err := store.GetLocal(ctx, ref.NewEntryID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLocal on unknown entry: got %v, want ErrNotFound", err)
	}
}

func TestMarkSynced(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	manifest := fileManifest(t, 0)
	err := store.PutLocal(ctx, &LocalManifest{
		Manifest:      manifest,
		NeedSync:      true,
		IsPlaceholder: true,
	})
	if err != nil {
		t.Fatalf("PutLocal: %v", err)
	}

	pushed := manifest.Clone()
	pushed.Version = 1
	if err := store.MarkSynced(ctx, pushed); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	local, err := store.GetLocal(ctx, manifest.ID)
	if err != nil {
		t.Fatalf("GetLocal: %v", err)
	}
	if local.NeedSync || local.IsPlaceholder || local.BaseVersion != 1 {
		t.Fatalf("after sync local state = %+v, want clean at base 1", local)
	}

	remote, err := store.GetRemote(ctx, manifest.ID, 1)
	if err != nil {
		t.Fatalf("GetRemote: %v", err)
	}
	if !remote.Equal(pushed) {
		t.Fatal("confirmed remote manifest differs from pushed one")
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after sync = %v, want empty", pending)
	}
}

func TestBlockRoundtrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()

	// Small incompressible content and large compressible content
	// exercise both sides of the compression decision.
	small := []byte("tiny block")
	large := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 200)

	for _, plaintext := range [][]byte{small, large} {
		id, err := store.PutBlock(ctx, key, plaintext)
		if err != nil {
			t.Fatalf("PutBlock(%d bytes): %v", len(plaintext), err)
		}
		got, err := store.GetBlock(ctx, key, id)
		if err != nil {
			t.Fatalf("GetBlock(%d bytes): %v", len(plaintext), err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("block of %d bytes did not round-trip", len(plaintext))
		}
	}
}

func TestPutBlockIdempotent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()

	plaintext := bytes.Repeat([]byte("dedup me "), 100)
	first, err := store.PutBlock(ctx, key, plaintext)
	if err != nil {
		t.Fatalf("first PutBlock: %v", err)
	}
	second, err := store.PutBlock(ctx, key, plaintext)
	if err != nil {
		t.Fatalf("second PutBlock: %v", err)
	}
	if first != second {
		t.Fatalf("idempotent put returned different ids: %s then %s", first, second)
	}

	// A different key must not deduplicate against the old ciphertext.
	rotated, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer rotated.Close()
	third, err := store.PutBlock(ctx, rotated, plaintext)
	if err != nil {
		t.Fatalf("PutBlock under rotated key: %v", err)
	}
	if third == first {
		t.Fatal("rotated key deduplicated against old epoch's block")
	}
	if _, err := store.GetBlock(ctx, rotated, third); err != nil {
		t.Fatalf("GetBlock under rotated key: %v", err)
	}
}

func TestGetBlockWrongKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()
	wrong, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer wrong.Close()

	id, err := store.PutBlock(ctx, key, []byte("realm data"))
	if err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if _, err := store.GetBlock(ctx, wrong, id); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("wrong key: got %v, want ErrCorrupted", err)
	}
}

func TestCorruptedBlockQuarantined(t *testing.T) {
	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()

	path := filepath.Join(t.TempDir(), "store.sqlite")
	store, err := Open(Config{Path: path, StorageKey: key})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	id, err := store.PutBlock(ctx, key, bytes.Repeat([]byte("payload "), 100))
	if err != nil {
		t.Fatalf("PutBlock: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip the stored ciphertext behind the store's back.
	conn, err := sqlite.OpenConn(path)
	if err != nil {
		t.Fatalf("OpenConn: %v", err)
	}
	err = sqlitex.Execute(conn,
		"UPDATE blocks SET ciphertext = X'deadbeef' WHERE block_id = ?",
		&sqlitex.ExecOptions{Args: []any{id.String()}})
	if err != nil {
		t.Fatalf("tampering update: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("conn close: %v", err)
	}

	store, err = Open(Config{Path: path, StorageKey: key})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	if _, err := store.GetBlock(ctx, key, id); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("tampered block: got %v, want ErrCorrupted", err)
	}

	// The block is now quarantined: listed, and refused without
	// another integrity pass.
	quarantined, err := store.Quarantined(ctx)
	if err != nil {
		t.Fatalf("Quarantined: %v", err)
	}
	if len(quarantined) != 1 || quarantined[0] != id {
		t.Fatalf("quarantined = %v, want [%s]", quarantined, id)
	}
	if _, err := store.GetBlock(ctx, key, id); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("quarantined block served: %v", err)
	}
	if ok, err := store.HasBlock(ctx, id); err != nil || ok {
		t.Fatalf("HasBlock on quarantined = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()

	path := filepath.Join(t.TempDir(), "store.sqlite")
	store, err := Open(Config{Path: path, StorageKey: key})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	manifest := folderManifest(t, 1, map[string]ref.EntryID{"report.pdf": ref.NewEntryID()})
	if err := store.MarkSynced(ctx, manifest); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(Config{Path: path, StorageKey: key})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.LatestRemote(ctx, manifest.ID)
	if err != nil {
		t.Fatalf("LatestRemote after reopen: %v", err)
	}
	if !got.Equal(manifest) {
		t.Fatal("manifest differs after reopen")
	}
	local, err := reopened.GetLocal(ctx, manifest.ID)
	if err != nil {
		t.Fatalf("GetLocal after reopen: %v", err)
	}
	if local.BaseVersion != 1 || local.NeedSync {
		t.Fatalf("local state after reopen = %+v, want clean at base 1", local)
	}
}

func TestCompressionRoundtrip(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"tiny", []byte("x")},
		{"lz4_range", bytes.Repeat([]byte("abcdefgh"), 4096)},
		{"zstd_range", bytes.Repeat([]byte("abcdefgh"), 1<<18)},
		{"incompressible", randomBytes(t, 2048)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			packed, err := packBlock(tc.data)
			if err != nil {
				t.Fatalf("packBlock: %v", err)
			}
			got, err := unpackBlock(packed)
			if err != nil {
				t.Fatalf("unpackBlock: %v", err)
			}
			if !bytes.Equal(got, tc.data) {
				t.Fatal("payload did not round-trip")
			}
		})
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	key, err := crypt.NewSecretKey()
	if err != nil {
		t.Fatalf("NewSecretKey: %v", err)
	}
	defer key.Close()
	box, err := key.Seal(make([]byte, n))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	return box[len(box)-n:]
}
