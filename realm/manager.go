// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package realm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/remote"
	"github.com/touilleWoman/parsec-cloud/trust"
)

var (
	// ErrInsufficientPrivilege means the local device's role does not
	// permit the requested membership change. Checked locally before
	// anything reaches the server.
	ErrInsufficientPrivilege = errors.New("realm: insufficient privilege")

	// ErrInvalidRoleLog means the server returned a role log that
	// fails verification: a bad signature, an untrusted issuer, or a
	// grant the issuer had no right to make. Fail closed.
	ErrInvalidRoleLog = errors.New("realm: invalid role log")

	// ErrNotMember means the device has no current role in the realm.
	ErrNotMember = errors.New("realm: not a member")

	// ErrNoEpochKey means the manager holds no key for the requested
	// epoch.
	ErrNoEpochKey = errors.New("realm: no key for epoch")
)

// Config holds the parameters for a realm manager.
type Config struct {
	// Realm is the managed realm.
	Realm ref.RealmID

	// Device is the local identity; membership changes are issued and
	// epoch keys sealed as this device.
	Device ref.DeviceID

	// Signer is the device's signing key.
	Signer *crypt.SigningKey

	// Exchange is the device's long-term exchange key, used to seal
	// and open epoch keys.
	Exchange *crypt.ExchangeKey

	// Trust resolves and verifies issuer certificates.
	Trust *trust.Store

	// Client speaks to the realm server.
	Client *remote.Client

	// Clock supplies certificate timestamps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives membership events. If nil, discarded.
	Logger *slog.Logger
}

// Manager holds one realm's verified member table and epoch keys.
// Safe for concurrent use.
type Manager struct {
	realm    ref.RealmID
	device   ref.DeviceID
	signer   *crypt.SigningKey
	exchange *crypt.ExchangeKey
	trust    *trust.Store
	client   *remote.Client
	clock    clock.Clock
	logger   *slog.Logger

	mu    sync.Mutex
	roles map[ref.DeviceID]certificate.Role
	// applied counts verified log entries, so Refresh replays only
	// the suffix the server appended since.
	applied int
	epoch   uint64
	keys    map[uint64]*crypt.SecretKey
}

// NewManager builds a manager from cfg. It starts with an empty
// member table; call Create for a new realm or Refresh to load an
// existing one.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Realm.IsZero() || cfg.Device.IsZero() {
		return nil, fmt.Errorf("realm: realm and device are required")
	}
	if cfg.Signer == nil || cfg.Exchange == nil || cfg.Trust == nil || cfg.Client == nil {
		return nil, fmt.Errorf("realm: signer, exchange key, trust store and client are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		realm:    cfg.Realm,
		device:   cfg.Device,
		signer:   cfg.Signer,
		exchange: cfg.Exchange,
		trust:    cfg.Trust,
		client:   cfg.Client,
		clock:    clk,
		logger:   logger,
		roles:    make(map[ref.DeviceID]certificate.Role),
		keys:     make(map[uint64]*crypt.SecretKey),
	}, nil
}

// Realm returns the managed realm id.
func (m *Manager) Realm() ref.RealmID { return m.realm }

// Close zeroes the held epoch keys.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		key.Close()
	}
	m.keys = make(map[uint64]*crypt.SecretKey)
	return nil
}

// Create registers the realm on the server with the local device as
// Owner and generates the first epoch key.
func (m *Manager) Create(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, err := certificate.SignRealmRole(m.signer, certificate.DeviceIssuer(m.device),
		m.realm, m.device, certificate.RoleOwner, 1, m.clock.Now())
	if err != nil {
		return err
	}
	if err := m.client.RealmCreate(ctx, m.realm, blob); err != nil {
		return err
	}

	key, err := crypt.NewSecretKey()
	if err != nil {
		return err
	}
	m.roles[m.device] = certificate.RoleOwner
	m.applied = 1
	m.epoch = 1
	m.keys[1] = key
	m.logger.Info("realm created", "realm", m.realm, "owner", m.device)
	return nil
}

// Refresh fetches the role log from the server and verifies any new
// entries, updating the member table. The whole log must verify;
// a single bad entry poisons the realm.
func (m *Manager) Refresh(ctx context.Context) error {
	blobs, err := m.client.RealmGetRoleCertificates(ctx, m.realm)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(blobs) < m.applied {
		return fmt.Errorf("%w: server log shrank from %d to %d entries", ErrInvalidRoleLog, m.applied, len(blobs))
	}
	for i := m.applied; i < len(blobs); i++ {
		entry, err := m.verifyEntryLocked(blobs[i], i == 0)
		if err != nil {
			return err
		}
		m.roles[entry.DeviceID] = entry.Role
		m.logger.Info("role applied",
			"realm", m.realm,
			"member", entry.DeviceID,
			"role", entry.Role,
			"issuer", entry.Issuer,
		)
	}
	m.applied = len(blobs)
	return nil
}

// verifyEntryLocked checks one role log entry against the trust store
// and the member table as of the preceding entries.
func (m *Manager) verifyEntryLocked(blob []byte, first bool) (*certificate.RealmRole, error) {
	decoded, err := certificate.DecodeRealmRoleUnverified(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoleLog, err)
	}
	if decoded.Issuer.IsRoot() {
		return nil, fmt.Errorf("%w: role entries are never root-issued", ErrInvalidRoleLog)
	}
	issuer := decoded.Issuer.Device()
	if !m.trust.IsTrusted(issuer) {
		return nil, fmt.Errorf("%w: issuer %s is not trusted", ErrInvalidRoleLog, issuer)
	}
	issuerCert, err := m.trust.Certificate(issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoleLog, err)
	}
	entry, err := certificate.VerifyRealmRole(issuerCert.VerifyKey, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: entry by %s: %v", ErrInvalidRoleLog, issuer, err)
	}
	if entry.RealmID != m.realm {
		return nil, fmt.Errorf("%w: entry for realm %s", ErrInvalidRoleLog, entry.RealmID)
	}

	if first {
		// The creation entry is the one self-grant in the log.
		if entry.Issuer.Device() != entry.DeviceID || entry.Role != certificate.RoleOwner {
			return nil, fmt.Errorf("%w: first entry must be the creator's Owner self-grant", ErrInvalidRoleLog)
		}
		return entry, nil
	}

	issuerRole := m.roles[issuer]
	if !issuerRole.CanGrant(entry.Role) || !issuerRole.CanGrant(m.roles[entry.DeviceID]) {
		return nil, fmt.Errorf("%w: %s (%s) may not set %s to %s",
			ErrInvalidRoleLog, issuer, issuerRole, entry.DeviceID, entry.Role)
	}
	return entry, nil
}

// Role returns a member's current role. RoleNone for non-members.
func (m *Manager) Role(device ref.DeviceID) certificate.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[device]
}

// Members returns the devices holding at least Reader.
func (m *Manager) Members() []ref.DeviceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []ref.DeviceID
	for device, role := range m.roles {
		if role.CanRead() {
			members = append(members, device)
		}
	}
	return members
}

// Grant sets a member's role. The local device must be allowed to
// grant both the new role and the member's current one.
func (m *Manager) Grant(ctx context.Context, member ref.DeviceID, role certificate.Role) error {
	m.mu.Lock()
	ownRole := m.roles[m.device]
	currentRole := m.roles[member]
	epoch := m.epoch
	m.mu.Unlock()

	if !ownRole.CanGrant(role) || !ownRole.CanGrant(currentRole) {
		return fmt.Errorf("%w: %s may not set %s to %s", ErrInsufficientPrivilege, ownRole, member, role)
	}

	blob, err := certificate.SignRealmRole(m.signer, certificate.DeviceIssuer(m.device),
		m.realm, member, role, epoch, m.clock.Now())
	if err != nil {
		return err
	}
	if err := m.client.RealmUpdateRoles(ctx, m.realm, blob); err != nil {
		return err
	}

	// Re-sync from the server instead of patching the local table:
	// another member may have appended entries concurrently, and the
	// log must be verified in server order.
	if err := m.Refresh(ctx); err != nil {
		return err
	}
	m.logger.Info("role granted", "realm", m.realm, "member", member, "role", role)
	return nil
}

// RevokeRole removes a member and rotates the epoch key so the
// removed device cannot read anything written afterwards. Returns the
// new epoch's key boxes for distribution to the remaining members.
func (m *Manager) RevokeRole(ctx context.Context, member ref.DeviceID) (map[ref.DeviceID][]byte, error) {
	if err := m.Grant(ctx, member, certificate.RoleNone); err != nil {
		return nil, err
	}
	return m.Rotate(ctx)
}

// CurrentEpoch returns the active epoch number and its key. The key
// stays owned by the manager; callers must not Close it.
func (m *Manager) CurrentEpoch() (uint64, *crypt.SecretKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[m.epoch]
	if !ok {
		return 0, nil, fmt.Errorf("%w: %d", ErrNoEpochKey, m.epoch)
	}
	return m.epoch, key, nil
}

// EpochKey returns the key for a specific epoch, for reading content
// written before a rotation.
func (m *Manager) EpochKey(epoch uint64) (*crypt.SecretKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[epoch]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoEpochKey, epoch)
	}
	return key, nil
}

// Rotate starts a new key epoch and seals the fresh key to every
// remaining member. The returned boxes are keyed by recipient; the
// caller distributes them (removed members get none).
func (m *Manager) Rotate(ctx context.Context) (map[ref.DeviceID][]byte, error) {
	key, err := crypt.NewSecretKey()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.keys[epoch] = key
	recipients := make([]ref.DeviceID, 0, len(m.roles))
	for device, role := range m.roles {
		if role.CanRead() && device != m.device {
			recipients = append(recipients, device)
		}
	}
	m.mu.Unlock()

	boxes := make(map[ref.DeviceID][]byte, len(recipients))
	for _, device := range recipients {
		box, err := m.sealEpochKey(device, epoch, key)
		if err != nil {
			return nil, err
		}
		boxes[device] = box
	}
	m.logger.Info("epoch rotated", "realm", m.realm, "epoch", epoch, "recipients", len(boxes))
	return boxes, nil
}

// epochAAD binds realm and epoch into the sealed key box.
func (m *Manager) epochAAD(epoch uint64) []byte {
	return fmt.Appendf(nil, "parsec.realm.epoch.box:%s:%d", m.realm, epoch)
}

func (m *Manager) sealEpochKey(recipient ref.DeviceID, epoch uint64, key *crypt.SecretKey) ([]byte, error) {
	cert, err := m.trust.Certificate(recipient)
	if err != nil {
		return nil, fmt.Errorf("realm: sealing epoch key for %s: %w", recipient, err)
	}
	shared, err := m.exchange.Derive(cert.ExchangeKey, crypt.HKDFInfoEpochDistribution)
	if err != nil {
		return nil, err
	}
	defer shared.Close()
	return shared.SealWithAAD(key.Bytes(), m.epochAAD(epoch))
}

// AcceptEpochKey opens an epoch key box sealed to this device by a
// member and installs the key. The sender must be a trusted device;
// the shared secret authenticates the box to that sender.
func (m *Manager) AcceptEpochKey(sender ref.DeviceID, epoch uint64, box []byte) error {
	cert, err := m.trust.Certificate(sender)
	if err != nil {
		return fmt.Errorf("realm: accepting epoch key from %s: %w", sender, err)
	}
	if !m.trust.IsTrusted(sender) {
		return fmt.Errorf("realm: epoch key sender %s is not trusted", sender)
	}
	shared, err := m.exchange.Derive(cert.ExchangeKey, crypt.HKDFInfoEpochDistribution)
	if err != nil {
		return err
	}
	defer shared.Close()

	raw, err := shared.OpenWithAAD(box, m.epochAAD(epoch))
	if err != nil {
		return fmt.Errorf("realm: epoch key box from %s does not open: %w", sender, err)
	}
	key, err := crypt.SecretKeyFromBytes(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.keys[epoch]; exists {
		old.Close()
	}
	m.keys[epoch] = key
	if epoch > m.epoch {
		m.epoch = epoch
	}
	return nil
}
