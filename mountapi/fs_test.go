// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package mountapi

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/realm"
	"github.com/touilleWoman/parsec-cloud/remote"
	"github.com/touilleWoman/parsec-cloud/store"
	"github.com/touilleWoman/parsec-cloud/syncer"
	"github.com/touilleWoman/parsec-cloud/trust"
)

type peer struct {
	device ref.DeviceID
	store  *store.Store
	engine *syncer.Engine
	fs     *FS
}

type fixture struct {
	server *remote.Server
	alice  *peer
	bob    *peer
}

func fsDeviceID(t *testing.T, user, name string) ref.DeviceID {
	t.Helper()
	u, err := ref.NewUserID(user)
	if err != nil {
		t.Fatalf("NewUserID: %v", err)
	}
	d, err := ref.NewDeviceName(name)
	if err != nil {
		t.Fatalf("NewDeviceName: %v", err)
	}
	id, err := ref.NewDeviceID(u, d)
	if err != nil {
		t.Fatalf("NewDeviceID: %v", err)
	}
	return id
}

// newFixture wires two devices to one realm the way the syncer tests
// do, then puts an FS facade on each.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	rootSigner, rootKey, err := crypt.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	t.Cleanup(func() { rootSigner.Close() })

	trustStore, err := trust.Open(trust.Config{
		Path:    filepath.Join(t.TempDir(), "trust.sqlite"),
		RootKey: rootKey,
	})
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { trustStore.Close() })

	f := &fixture{server: remote.NewServer(remote.ServerConfig{})}
	realmID := ref.NewRealmID()

	var managers []*realm.Manager
	newPeer := func(user, name string) *peer {
		signer, verify, err := crypt.GenerateSigningKey()
		if err != nil {
			t.Fatalf("GenerateSigningKey: %v", err)
		}
		t.Cleanup(func() { signer.Close() })
		exchange, exchangePub, err := crypt.GenerateExchangeKey()
		if err != nil {
			t.Fatalf("GenerateExchangeKey: %v", err)
		}
		t.Cleanup(func() { exchange.Close() })

		device := fsDeviceID(t, user, name)
		cert, err := certificate.SignDevice(rootSigner, certificate.RootIssuer(),
			device, verify, exchangePub, time.Unix(1700000000, 0))
		if err != nil {
			t.Fatalf("SignDevice: %v", err)
		}
		if err := trustStore.AddCertificate(ctx, cert); err != nil {
			t.Fatalf("AddCertificate: %v", err)
		}

		client, err := remote.NewClient(remote.ClientConfig{
			Transport: &remote.PipeTransport{Server: f.server},
			Device:    device,
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		manager, err := realm.NewManager(realm.Config{
			Realm:    realmID,
			Device:   device,
			Signer:   signer,
			Exchange: exchange,
			Trust:    trustStore,
			Client:   client,
		})
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		t.Cleanup(func() { manager.Close() })
		managers = append(managers, manager)

		storageKey, err := crypt.NewSecretKey()
		if err != nil {
			t.Fatalf("NewSecretKey: %v", err)
		}
		local, err := store.Open(store.Config{
			Path:       filepath.Join(t.TempDir(), user+".sqlite"),
			StorageKey: storageKey,
		})
		if err != nil {
			t.Fatalf("store.Open: %v", err)
		}
		t.Cleanup(func() { local.Close() })

		engine, err := syncer.New(syncer.Config{
			Device:  device,
			Store:   local,
			Client:  client,
			Manager: manager,
		})
		if err != nil {
			t.Fatalf("syncer.New: %v", err)
		}
		fs, err := New(Config{
			Device:  device,
			Store:   local,
			Engine:  engine,
			Manager: manager,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return &peer{device: device, store: local, engine: engine, fs: fs}
	}

	f.alice = newPeer("alice", "laptop")
	f.bob = newPeer("bob", "desktop")

	aliceManager, bobManager := managers[0], managers[1]
	if err := aliceManager.Create(ctx); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := aliceManager.Grant(ctx, f.bob.device, certificate.RoleContributor); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := bobManager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	boxes, err := aliceManager.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := bobManager.AcceptEpochKey(f.alice.device, 2, boxes[f.bob.device]); err != nil {
		t.Fatalf("AcceptEpochKey: %v", err)
	}
	return f
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.alice.fs

	root, err := fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	docs, err := fs.CreateFolder(ctx, root, "docs")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	notes, err := fs.CreateFile(ctx, root, "notes.txt")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	children, err := fs.ListChildren(ctx, root)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 2 || children[0].Name != "docs" || children[1].Name != "notes.txt" {
		t.Fatalf("children = %v", children)
	}
	if children[0].ID != docs || children[1].ID != notes {
		t.Fatalf("children ids = %v, want %s and %s", children, docs, notes)
	}

	if _, err := fs.CreateFile(ctx, root, "docs"); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate name: got %v, want ErrExists", err)
	}
	if _, err := fs.ListChildren(ctx, notes); !errors.Is(err, ErrNotFolder) {
		t.Fatalf("ListChildren on file: got %v, want ErrNotFolder", err)
	}

	info, err := fs.Stat(ctx, root)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsFolder || info.Children != 2 || info.Synced {
		t.Fatalf("root info = %+v", info)
	}
}

func TestWriteRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.alice.fs

	root, err := fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	file, err := fs.CreateFile(ctx, root, "data.bin")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	// Content spanning two blocks, so reads cross a block boundary.
	content := bytes.Repeat([]byte("0123456789abcdef"), (blockSize+blockSize/2)/16)
	if err := fs.Write(ctx, file, 0, content); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := fs.Read(ctx, file, 0, len(content))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("read back differs from written content")
	}

	// A read straddling the block boundary.
	straddle, err := fs.Read(ctx, file, blockSize-8, 16)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(straddle, content[blockSize-8:blockSize+8]) {
		t.Fatalf("straddling read = %q, want %q", straddle, content[blockSize-8:blockSize+8])
	}

	// Reads past the end clip; reads at the end are empty.
	tail, err := fs.Read(ctx, file, uint64(len(content))-4, 100)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(tail, content[len(content)-4:]) {
		t.Fatalf("tail read = %q", tail)
	}
	empty, err := fs.Read(ctx, file, uint64(len(content)), 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("read at EOF = %q, %v", empty, err)
	}

	if _, err := fs.Read(ctx, root, 0, 10); !errors.Is(err, ErrNotFile) {
		t.Fatalf("Read on folder: got %v, want ErrNotFile", err)
	}
}

func TestWriteAtOffsetZeroFillsGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.alice.fs

	root, err := fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	file, err := fs.CreateFile(ctx, root, "sparse.bin")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := fs.Write(ctx, file, 100, []byte("end")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := fs.Read(ctx, file, 0, 103)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append(make([]byte, 100), []byte("end")...)
	if !bytes.Equal(got, want) {
		t.Fatalf("sparse read = %v", got)
	}

	// Overwrite inside the existing range.
	if err := fs.Write(ctx, file, 0, []byte("begin")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	head, err := fs.Read(ctx, file, 0, 5)
	if err != nil || !bytes.Equal(head, []byte("begin")) {
		t.Fatalf("head read = %q, %v", head, err)
	}
	info, err := fs.Stat(ctx, file)
	if err != nil || info.Size != 103 {
		t.Fatalf("size after overwrite = %+v, %v", info, err)
	}
}

func TestTruncate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.alice.fs

	root, err := fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	file, err := fs.CreateFile(ctx, root, "t.bin")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := fs.Write(ctx, file, 0, []byte("hello world")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fs.Truncate(ctx, file, 5); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	got, err := fs.Read(ctx, file, 0, 100)
	if err != nil || !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("after shrink = %q, %v", got, err)
	}

	if err := fs.Truncate(ctx, file, 8); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	got, err = fs.Read(ctx, file, 0, 100)
	if err != nil || !bytes.Equal(got, []byte("hello\x00\x00\x00")) {
		t.Fatalf("after grow = %q, %v", got, err)
	}
}

func TestRenameAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.alice.fs

	root, err := fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	folder, err := fs.CreateFolder(ctx, root, "folder")
	if err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if _, err := fs.CreateFile(ctx, folder, "inner.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := fs.CreateFile(ctx, root, "a.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if err := fs.Rename(ctx, root, "a.txt", "b.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := fs.Rename(ctx, root, "a.txt", "c.txt"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Rename of gone name: got %v, want ErrNotFound", err)
	}
	if err := fs.Rename(ctx, root, "b.txt", "folder"); !errors.Is(err, ErrExists) {
		t.Fatalf("Rename onto taken name: got %v, want ErrExists", err)
	}

	if err := fs.Delete(ctx, root, "folder"); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Delete of non-empty folder: got %v, want ErrNotEmpty", err)
	}
	if err := fs.Delete(ctx, folder, "inner.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := fs.Delete(ctx, root, "folder"); err != nil {
		t.Fatalf("Delete of emptied folder: %v", err)
	}

	children, err := fs.ListChildren(ctx, root)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].Name != "b.txt" {
		t.Fatalf("children after delete = %v", children)
	}
}

func TestFacadeAcrossDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.alice.fs.CreateRoot(ctx)
	if err != nil {
		t.Fatalf("CreateRoot: %v", err)
	}
	file, err := f.alice.fs.CreateFile(ctx, root, "shared.txt")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	content := []byte("written on alice's laptop")
	if err := f.alice.fs.Write(ctx, file, 0, content); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.alice.engine.SyncAll(ctx); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if err := f.bob.engine.Register(ctx, root); err != nil {
		t.Fatalf("Register: %v", err)
	}
	children, err := f.bob.fs.ListChildren(ctx, root)
	if err != nil {
		t.Fatalf("ListChildren: %v", err)
	}
	if len(children) != 1 || children[0].Name != "shared.txt" {
		t.Fatalf("bob's listing = %v", children)
	}
	got, err := f.bob.fs.Read(ctx, file, 0, len(content))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("bob read %q, want %q", got, content)
	}
}
