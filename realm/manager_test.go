// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package realm

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
	"github.com/touilleWoman/parsec-cloud/remote"
	"github.com/touilleWoman/parsec-cloud/trust"
)

type member struct {
	device   ref.DeviceID
	signer   *crypt.SigningKey
	exchange *crypt.ExchangeKey
	manager  *Manager
}

type fixture struct {
	realm  ref.RealmID
	server *remote.Server
	trust  *trust.Store
	alice  *member
	bob    *member
}

func deviceID(t *testing.T, user, name string) ref.DeviceID {
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

// newFixture enrolls alice and bob under one root, opens a shared
// trust store and gives each a manager for the same realm. Alice has
// created the realm; bob has not yet refreshed.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	rootSigner, rootKey, err := crypt.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	t.Cleanup(func() { rootSigner.Close() })

	store, err := trust.Open(trust.Config{
		Path:    filepath.Join(t.TempDir(), "trust.sqlite"),
		RootKey: rootKey,
	})
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		realm:  ref.NewRealmID(),
		server: remote.NewServer(remote.ServerConfig{}),
		trust:  store,
	}

	enroll := func(user, name string) *member {
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

		device := deviceID(t, user, name)
		cert, err := certificate.SignDevice(rootSigner, certificate.RootIssuer(),
			device, verify, exchangePub, time.Unix(1700000000, 0))
		if err != nil {
			t.Fatalf("SignDevice: %v", err)
		}
		if err := store.AddCertificate(context.Background(), cert); err != nil {
			t.Fatalf("AddCertificate: %v", err)
		}

		client, err := remote.NewClient(remote.ClientConfig{
			Transport: &remote.PipeTransport{Server: f.server},
			Device:    device,
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		manager, err := NewManager(Config{
			Realm:    f.realm,
			Device:   device,
			Signer:   signer,
			Exchange: exchange,
			Trust:    store,
			Client:   client,
		})
		if err != nil {
			t.Fatalf("NewManager: %v", err)
		}
		t.Cleanup(func() { manager.Close() })
		return &member{device: device, signer: signer, exchange: exchange, manager: manager}
	}

	f.alice = enroll("alice", "laptop")
	f.bob = enroll("bob", "desktop")

	if err := f.alice.manager.Create(context.Background()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return f
}

func TestCreateAndGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if role := f.alice.manager.Role(f.alice.device); role != certificate.RoleOwner {
		t.Fatalf("creator role = %s, want owner", role)
	}

	if err := f.alice.manager.Grant(ctx, f.bob.device, certificate.RoleContributor); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	// Bob replays the log from the server and arrives at the same
	// member table.
	if err := f.bob.manager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if role := f.bob.manager.Role(f.bob.device); role != certificate.RoleContributor {
		t.Fatalf("bob's role = %s, want contributor", role)
	}
	if role := f.bob.manager.Role(f.alice.device); role != certificate.RoleOwner {
		t.Fatalf("alice's role seen by bob = %s, want owner", role)
	}
	if role := f.bob.manager.Role(deviceID(t, "carol", "tablet")); role != certificate.RoleNone {
		t.Fatalf("stranger's role = %s, want none", role)
	}
}

func TestGrantRequiresPrivilege(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.alice.manager.Grant(ctx, f.bob.device, certificate.RoleContributor); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := f.bob.manager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// A contributor may not change anyone's role.
	err := f.bob.manager.Grant(ctx, deviceID(t, "carol", "tablet"), certificate.RoleReader)
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("contributor grant: got %v, want ErrInsufficientPrivilege", err)
	}

	// Nor demote the owner, even after a promotion to Manager.
	if err := f.alice.manager.Grant(ctx, f.bob.device, certificate.RoleManager); err != nil {
		t.Fatalf("Grant manager: %v", err)
	}
	if err := f.bob.manager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	err = f.bob.manager.Grant(ctx, f.alice.device, certificate.RoleNone)
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("manager demoting owner: got %v, want ErrInsufficientPrivilege", err)
	}
}

func TestForgedRoleLogRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A compromised connection appends an entry claiming to be from
	// alice but signed with a different key. The server stores it
	// verbatim (it holds no trust chain); clients must catch it.
	forger, _, err := crypt.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	defer forger.Close()
	forged, err := certificate.SignRealmRole(forger, certificate.DeviceIssuer(f.alice.device),
		f.realm, f.bob.device, certificate.RoleOwner, 1, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("SignRealmRole: %v", err)
	}

	aliceClient, err := remote.NewClient(remote.ClientConfig{
		Transport: &remote.PipeTransport{Server: f.server},
		Device:    f.alice.device,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := aliceClient.RealmUpdateRoles(ctx, f.realm, forged); err != nil {
		t.Fatalf("RealmUpdateRoles: %v", err)
	}

	if err := f.bob.manager.Refresh(ctx); !errors.Is(err, ErrInvalidRoleLog) {
		t.Fatalf("Refresh over forged log: got %v, want ErrInvalidRoleLog", err)
	}
}

func TestEpochDistributionAndRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.alice.manager.Grant(ctx, f.bob.device, certificate.RoleReader); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := f.bob.manager.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Bob holds no key until one is distributed to him.
	if _, _, err := f.bob.manager.CurrentEpoch(); !errors.Is(err, ErrNoEpochKey) {
		t.Fatalf("bob's epoch before distribution: got %v, want ErrNoEpochKey", err)
	}

	boxes, err := f.alice.manager.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	box, found := boxes[f.bob.device]
	if !found {
		t.Fatalf("rotation boxes %v missing bob", boxes)
	}
	if err := f.bob.manager.AcceptEpochKey(f.alice.device, 2, box); err != nil {
		t.Fatalf("AcceptEpochKey: %v", err)
	}

	aliceEpoch, aliceKey, err := f.alice.manager.CurrentEpoch()
	if err != nil {
		t.Fatalf("alice CurrentEpoch: %v", err)
	}
	bobEpoch, bobKey, err := f.bob.manager.CurrentEpoch()
	if err != nil {
		t.Fatalf("bob CurrentEpoch: %v", err)
	}
	if aliceEpoch != 2 || bobEpoch != 2 {
		t.Fatalf("epochs = %d/%d, want 2/2", aliceEpoch, bobEpoch)
	}
	if !bytes.Equal(aliceKey.Bytes(), bobKey.Bytes()) {
		t.Fatal("distributed epoch key differs from the original")
	}

	// Removing bob rotates again, and bob gets no box this time.
	newBoxes, err := f.alice.manager.RevokeRole(ctx, f.bob.device)
	if err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if _, found := newBoxes[f.bob.device]; found {
		t.Fatal("removed member still receives the new epoch key")
	}
	epoch, _, err := f.alice.manager.CurrentEpoch()
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 3 {
		t.Fatalf("epoch after removal = %d, want 3", epoch)
	}
	if role := f.alice.manager.Role(f.bob.device); role != certificate.RoleNone {
		t.Fatalf("bob's role after removal = %s, want none", role)
	}
}

func TestAcceptEpochKeyRejectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.alice.manager.Grant(ctx, f.bob.device, certificate.RoleReader); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	boxes, err := f.alice.manager.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	box := boxes[f.bob.device]
	box[len(box)/2] ^= 0x01
	if err := f.bob.manager.AcceptEpochKey(f.alice.device, 2, box); err == nil {
		t.Fatal("tampered epoch key box accepted")
	}

	// Claiming the wrong epoch number breaks the binding too.
	fresh, err := f.alice.manager.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := f.bob.manager.AcceptEpochKey(f.alice.device, 99, fresh[f.bob.device]); err == nil {
		t.Fatal("epoch key box accepted under the wrong epoch")
	}
}
