// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

func deviceID(t *testing.T, user, name string) ref.DeviceID {
	t.Helper()
	u, err := ref.NewUserID(user)
	if err != nil {
		t.Fatalf("NewUserID(%q): %v", user, err)
	}
	d, err := ref.NewDeviceName(name)
	if err != nil {
		t.Fatalf("NewDeviceName(%q): %v", name, err)
	}
	id, err := ref.NewDeviceID(u, d)
	if err != nil {
		t.Fatalf("NewDeviceID: %v", err)
	}
	return id
}

// fixture wires one server to clients for an owner and an extra device.
type fixture struct {
	server *Server
	clock  *clock.FakeClock
	realm  ref.RealmID
	owner  ref.DeviceID
	signer *crypt.SigningKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.Fake(time.Unix(1700000000, 0))
	f := &fixture{
		server: NewServer(ServerConfig{Clock: clk}),
		clock:  clk,
		realm:  ref.NewRealmID(),
		owner:  deviceID(t, "alice", "laptop"),
	}
	signer, _, err := crypt.GenerateSigningKey()
	if err != nil {
		t.Fatalf("GenerateSigningKey: %v", err)
	}
	t.Cleanup(func() { signer.Close() })
	f.signer = signer

	owner := f.client(t, f.owner)
	cert := f.roleCert(t, f.owner, f.owner, certificate.RoleOwner)
	if err := owner.RealmCreate(context.Background(), f.realm, cert); err != nil {
		t.Fatalf("RealmCreate: %v", err)
	}
	return f
}

func (f *fixture) client(t *testing.T, device ref.DeviceID) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		Transport: &PipeTransport{Server: f.server},
		Device:    device,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func (f *fixture) roleCert(t *testing.T, issuer, member ref.DeviceID, role certificate.Role) []byte {
	t.Helper()
	blob, err := certificate.SignRealmRole(f.signer, certificate.DeviceIssuer(issuer),
		f.realm, member, role, 1, f.clock.Now())
	if err != nil {
		t.Fatalf("SignRealmRole: %v", err)
	}
	return blob
}

func (f *fixture) grant(t *testing.T, member ref.DeviceID, role certificate.Role) {
	t.Helper()
	owner := f.client(t, f.owner)
	if err := owner.RealmUpdateRoles(context.Background(), f.realm, f.roleCert(t, f.owner, member, role)); err != nil {
		t.Fatalf("RealmUpdateRoles(%s -> %s): %v", member, role, err)
	}
}

func TestVlobLifecycle(t *testing.T) {
	f := newFixture(t)
	owner := f.client(t, f.owner)
	ctx := context.Background()

	entry := ref.NewEntryID()
	if err := owner.VlobCreate(ctx, f.realm, entry, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate: %v", err)
	}
	if err := owner.VlobCreate(ctx, f.realm, entry, []byte("again")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate create: got %v, want ErrAlreadyExists", err)
	}

	if err := owner.VlobUpdate(ctx, f.realm, entry, 2, []byte("v2")); err != nil {
		t.Fatalf("VlobUpdate: %v", err)
	}

	version, blob, err := owner.VlobRead(ctx, f.realm, entry, 0)
	if err != nil {
		t.Fatalf("VlobRead latest: %v", err)
	}
	if version != 2 || !bytes.Equal(blob, []byte("v2")) {
		t.Fatalf("latest = (%d, %q), want (2, v2)", version, blob)
	}

	version, blob, err = owner.VlobRead(ctx, f.realm, entry, 1)
	if err != nil {
		t.Fatalf("VlobRead v1: %v", err)
	}
	if version != 1 || !bytes.Equal(blob, []byte("v1")) {
		t.Fatalf("v1 = (%d, %q), want (1, v1)", version, blob)
	}

	if _, _, err := owner.VlobRead(ctx, f.realm, entry, 9); !errors.Is(err, ErrNotFound) {
		t.Fatalf("future version: got %v, want ErrNotFound", err)
	}
	if _, _, err := owner.VlobRead(ctx, f.realm, ref.NewEntryID(), 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown vlob: got %v, want ErrNotFound", err)
	}
}

func TestVlobUpdateConflict(t *testing.T) {
	f := newFixture(t)
	owner := f.client(t, f.owner)
	ctx := context.Background()

	entry := ref.NewEntryID()
	if err := owner.VlobCreate(ctx, f.realm, entry, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate: %v", err)
	}
	if err := owner.VlobUpdate(ctx, f.realm, entry, 2, []byte("v2")); err != nil {
		t.Fatalf("VlobUpdate: %v", err)
	}

	// A stale writer still at base version 1 offers version 2 again.
	err := owner.VlobUpdate(ctx, f.realm, entry, 2, []byte("stale"))
	var conflict *Conflict
	if !errors.As(err, &conflict) {
		t.Fatalf("stale update: got %v, want *Conflict", err)
	}
	if conflict.ActualVersion != 2 || !bytes.Equal(conflict.ActualBlob, []byte("v2")) {
		t.Fatalf("conflict = (%d, %q), want (2, v2)", conflict.ActualVersion, conflict.ActualBlob)
	}

	// Skipping ahead is rejected the same way.
	if err := owner.VlobUpdate(ctx, f.realm, entry, 4, []byte("skip")); !errors.As(err, &conflict) {
		t.Fatalf("skipping update: got %v, want *Conflict", err)
	}

	// The losing writer merges and retries at the correct version.
	if err := owner.VlobUpdate(ctx, f.realm, entry, 3, []byte("merged")); err != nil {
		t.Fatalf("retry at correct version: %v", err)
	}
}

func TestRoleEnforcement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reader := deviceID(t, "bob", "desktop")
	stranger := deviceID(t, "mallory", "phone")
	f.grant(t, reader, certificate.RoleReader)

	owner := f.client(t, f.owner)
	entry := ref.NewEntryID()
	if err := owner.VlobCreate(ctx, f.realm, entry, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate: %v", err)
	}

	readerClient := f.client(t, reader)
	if _, _, err := readerClient.VlobRead(ctx, f.realm, entry, 0); err != nil {
		t.Fatalf("reader VlobRead: %v", err)
	}
	if err := readerClient.VlobUpdate(ctx, f.realm, entry, 2, []byte("nope")); !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("reader write: got %v, want ErrInsufficientPrivilege", err)
	}

	strangerClient := f.client(t, stranger)
	if _, _, err := strangerClient.VlobRead(ctx, f.realm, entry, 0); !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("stranger read: got %v, want ErrInsufficientPrivilege", err)
	}
}

func TestRoleGrantPrivileges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	manager := deviceID(t, "bob", "desktop")
	carol := deviceID(t, "carol", "tablet")
	f.grant(t, manager, certificate.RoleManager)

	managerClient := f.client(t, manager)

	// A manager may hand out Contributor and below.
	err := managerClient.RealmUpdateRoles(ctx, f.realm, f.roleCert(t, manager, carol, certificate.RoleContributor))
	if err != nil {
		t.Fatalf("manager granting contributor: %v", err)
	}

	// But not Manager, and not a demotion of the Owner.
	err = managerClient.RealmUpdateRoles(ctx, f.realm, f.roleCert(t, manager, carol, certificate.RoleManager))
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("manager granting manager: got %v, want ErrInsufficientPrivilege", err)
	}
	err = managerClient.RealmUpdateRoles(ctx, f.realm, f.roleCert(t, manager, f.owner, certificate.RoleNone))
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("manager demoting owner: got %v, want ErrInsufficientPrivilege", err)
	}

	// A certificate claiming a different issuer than the caller is
	// rejected outright.
	err = managerClient.RealmUpdateRoles(ctx, f.realm, f.roleCert(t, f.owner, carol, certificate.RoleManager))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("forged issuer: got %v, want ErrProtocol", err)
	}

	certs, err := f.client(t, carol).RealmGetRoleCertificates(ctx, f.realm)
	if err != nil {
		t.Fatalf("RealmGetRoleCertificates: %v", err)
	}
	// Creation cert, manager grant, carol grant.
	if len(certs) != 3 {
		t.Fatalf("role log has %d entries, want 3", len(certs))
	}
}

func TestVlobGroupCheck(t *testing.T) {
	f := newFixture(t)
	owner := f.client(t, f.owner)
	ctx := context.Background()

	stale := ref.NewEntryID()
	fresh := ref.NewEntryID()
	if err := owner.VlobCreate(ctx, f.realm, stale, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate: %v", err)
	}
	if err := owner.VlobUpdate(ctx, f.realm, stale, 2, []byte("v2")); err != nil {
		t.Fatalf("VlobUpdate: %v", err)
	}
	if err := owner.VlobCreate(ctx, f.realm, fresh, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate: %v", err)
	}

	changed, err := owner.VlobGroupCheck(ctx, f.realm, []VlobCheckItem{
		{Entry: stale, Version: 1},
		{Entry: fresh, Version: 1},
		{Entry: ref.NewEntryID(), Version: 0},
	})
	if err != nil {
		t.Fatalf("VlobGroupCheck: %v", err)
	}
	if len(changed) != 1 || changed[0].Entry != stale || changed[0].Version != 2 {
		t.Fatalf("changed = %v, want [{%s 2}]", changed, stale)
	}
}

func TestBlockStorage(t *testing.T) {
	f := newFixture(t)
	owner := f.client(t, f.owner)
	ctx := context.Background()

	ciphertext := []byte("opaque block bytes")
	id := ref.BlockIDOf(ciphertext)
	if err := owner.BlockCreate(ctx, f.realm, id, ciphertext); err != nil {
		t.Fatalf("BlockCreate: %v", err)
	}
	// Content-addressed re-upload is a no-op.
	if err := owner.BlockCreate(ctx, f.realm, id, ciphertext); err != nil {
		t.Fatalf("repeated BlockCreate: %v", err)
	}

	got, err := owner.BlockRead(ctx, f.realm, id)
	if err != nil {
		t.Fatalf("BlockRead: %v", err)
	}
	if !bytes.Equal(got, ciphertext) {
		t.Fatal("block did not round-trip")
	}

	if _, err := owner.BlockRead(ctx, f.realm, ref.BlockIDOf([]byte("other"))); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown block: got %v, want ErrNotFound", err)
	}
}

func TestInvitationLifecycle(t *testing.T) {
	f := newFixture(t)
	owner := f.client(t, f.owner)
	ctx := context.Background()

	token, err := owner.InviteNew(ctx, time.Hour)
	if err != nil {
		t.Fatalf("InviteNew: %v", err)
	}

	claimer := f.client(t, deviceID(t, "bob", "desktop"))
	if err := claimer.InviteClaim(ctx, token); err != nil {
		t.Fatalf("InviteClaim: %v", err)
	}
	if err := claimer.InviteClaim(ctx, token); !errors.Is(err, ErrInvitationAlreadyUsed) {
		t.Fatalf("second claim: got %v, want ErrInvitationAlreadyUsed", err)
	}

	expired, err := owner.InviteNew(ctx, time.Hour)
	if err != nil {
		t.Fatalf("InviteNew: %v", err)
	}
	f.clock.Advance(2 * time.Hour)
	if err := claimer.InviteClaim(ctx, expired); !errors.Is(err, ErrInvitationExpired) {
		t.Fatalf("expired claim: got %v, want ErrInvitationExpired", err)
	}

	if err := claimer.InviteClaim(ctx, ref.NewInvitationToken()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown token: got %v, want ErrNotFound", err)
	}
}

// flakyTransport fails the first n dials, then delegates.
type flakyTransport struct {
	failures int
	inner    Transport
}

func (f *flakyTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("connection refused")
	}
	return f.inner.Dial(ctx)
}

func TestClientRetriesTransportFailures(t *testing.T) {
	f := newFixture(t)
	client, err := NewClient(ClientConfig{
		Transport: &flakyTransport{failures: 2, inner: &PipeTransport{Server: f.server}},
		Device:    f.owner,
		RetryBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	entry := ref.NewEntryID()
	if err := client.VlobCreate(context.Background(), f.realm, entry, []byte("v1")); err != nil {
		t.Fatalf("VlobCreate through flaky transport: %v", err)
	}
}

func TestClientRetryBudget(t *testing.T) {
	f := newFixture(t)
	client, err := NewClient(ClientConfig{
		Transport:   &flakyTransport{failures: 1 << 30, inner: &PipeTransport{Server: f.server}},
		Device:      f.owner,
		RetryBase:   time.Millisecond,
		RetryMax:    2 * time.Millisecond,
		RetryBudget: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.VlobCreate(context.Background(), f.realm, ref.NewEntryID(), []byte("v1"))
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("hopeless transport: got %v, want ErrRetryBudgetExhausted", err)
	}
}

func TestProtocolRejectionsNotRetried(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyTransport{failures: 0, inner: &PipeTransport{Server: f.server}}
	client, err := NewClient(ClientConfig{
		Transport: flaky,
		Device:    deviceID(t, "mallory", "phone"),
		RetryBase: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	start := time.Now()
	err = client.VlobCreate(context.Background(), f.realm, ref.NewEntryID(), []byte("v1"))
	if !errors.Is(err, ErrInsufficientPrivilege) {
		t.Fatalf("unauthorized create: got %v, want ErrInsufficientPrivilege", err)
	}
	// A rejection comes back in one round trip, without backoff.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("rejection took %v, suggesting it was retried", elapsed)
	}
}
