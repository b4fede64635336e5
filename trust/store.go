// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/lib/sqlitepool"
)

// Errors returned by Store operations. Trust failures are fatal to the
// calling operation and never downgraded: each of these indicates
// either a protocol bug or an attack.
var (
	// ErrUntrustedIssuer means the certificate's claimed issuer has no
	// admitted certificate chaining to the root.
	ErrUntrustedIssuer = errors.New("trust: issuer is not trusted")

	// ErrRevokedIssuer means the issuer's certificate is admitted but
	// the issuer has been revoked.
	ErrRevokedIssuer = errors.New("trust: issuer is revoked")

	// ErrInvalidSignature means the blob's signature does not verify
	// against the issuer's key.
	ErrInvalidSignature = errors.New("trust: invalid signature")

	// ErrDuplicate means a certificate for the device is already
	// present. Certificates are immutable; re-enrollment under the
	// same device id is not a thing.
	ErrDuplicate = errors.New("trust: certificate already present")

	// ErrNotFound means no certificate exists for the device.
	ErrNotFound = errors.New("trust: device not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	device_id   TEXT NOT NULL PRIMARY KEY,
	fingerprint BLOB NOT NULL UNIQUE,
	issuer      TEXT NOT NULL,
	blob        BLOB NOT NULL,
	issued_at   INTEGER NOT NULL,
	added_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revocations (
	device_id  TEXT NOT NULL PRIMARY KEY
	           REFERENCES certificates(device_id),
	blob       BLOB NOT NULL,
	revoked_at INTEGER NOT NULL,
	added_at   INTEGER NOT NULL
);
`

// Config holds the parameters for opening a trust store.
type Config struct {
	// Path is the SQLite database file. Created if missing.
	Path string

	// RootKey is the pinned root-of-trust verify key. Certificates
	// claiming the root issuer verify against it; every chain
	// terminates here.
	RootKey crypt.VerifyKey

	// Clock supplies added_at timestamps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. If nil, discarded.
	Logger *slog.Logger
}

// Store is the device trust store. Safe for concurrent use: the
// enrollment engine appends while the sync engine checks IsTrusted.
type Store struct {
	pool    *sqlitepool.Pool
	rootKey crypt.VerifyKey
	clock   clock.Clock
	logger  *slog.Logger

	// mu guards the in-memory arena mirroring the database. The
	// arena exists so chain walks never touch SQLite.
	mu      sync.RWMutex
	arena   map[ref.DeviceID]*certificate.Device
	blobs   map[ref.DeviceID][]byte
	revoked map[ref.DeviceID]struct{}
}

// Open opens (or creates) a trust store and loads the certificate
// arena into memory, re-verifying every stored blob against its
// issuer chain. A database whose contents no longer verify is
// corrupted or tampered with; Open fails closed rather than serving
// it.
func Open(cfg Config) (*Store, error) {
	if cfg.RootKey.IsZero() {
		return nil, fmt.Errorf("trust: root key is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	store := &Store{
		pool:    pool,
		rootKey: cfg.RootKey,
		clock:   clk,
		logger:  logger,
		arena:   make(map[ref.DeviceID]*certificate.Device),
		blobs:   make(map[ref.DeviceID][]byte),
		revoked: make(map[ref.DeviceID]struct{}),
	}

	if err := store.load(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("trust store opened",
		"path", cfg.Path,
		"certificates", len(store.arena),
		"revocations", len(store.revoked),
	)
	return store, nil
}

// load reads all rows into the arena and re-verifies every chain.
func (s *Store) load(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	staged := make(map[ref.DeviceID][]byte)
	err = sqlitex.Execute(conn, "SELECT device_id, blob FROM certificates", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			device, err := ref.ParseDeviceID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("trust: corrupt device_id row: %w", err)
			}
			blob := make([]byte, stmt.ColumnLen(1))
			stmt.ColumnBytes(1, blob)
			staged[device] = blob
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("trust: loading certificates: %w", err)
	}

	// Decode everything first so issuer lookups during verification
	// can see the full arena.
	decoded := make(map[ref.DeviceID]*certificate.Device, len(staged))
	for device, blob := range staged {
		payload, err := certificate.DecodeDeviceUnverified(blob)
		if err != nil {
			return fmt.Errorf("trust: corrupt certificate for %s: %w", device, err)
		}
		if payload.DeviceID != device {
			return fmt.Errorf("trust: certificate row %s holds payload for %s", device, payload.DeviceID)
		}
		decoded[device] = payload
	}

	for device, blob := range staged {
		issuerKey, err := resolveIssuerKey(decoded[device].Issuer, s.rootKey, func(id ref.DeviceID) (*certificate.Device, bool) {
			payload, ok := decoded[id]
			return payload, ok
		})
		if err != nil {
			return fmt.Errorf("trust: stored certificate for %s: %w", device, err)
		}
		if _, err := certificate.VerifyDevice(issuerKey, blob); err != nil {
			return fmt.Errorf("trust: stored certificate for %s fails verification: %w", device, err)
		}
	}

	err = sqlitex.Execute(conn, "SELECT device_id FROM revocations", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			device, err := ref.ParseDeviceID(stmt.ColumnText(0))
			if err != nil {
				return fmt.Errorf("trust: corrupt revocation row: %w", err)
			}
			s.revoked[device] = struct{}{}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("trust: loading revocations: %w", err)
	}

	s.arena = decoded
	s.blobs = staged
	return nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// resolveIssuerKey returns the verify key for an issuer: the root key,
// or the admitted certificate's verify key for a device issuer.
func resolveIssuerKey(issuer certificate.Issuer, rootKey crypt.VerifyKey, lookup func(ref.DeviceID) (*certificate.Device, bool)) (crypt.VerifyKey, error) {
	if issuer.IsRoot() {
		return rootKey, nil
	}
	payload, ok := lookup(issuer.Device())
	if !ok {
		return crypt.VerifyKey{}, ErrUntrustedIssuer
	}
	return payload.VerifyKey, nil
}

// AddCertificate verifies and admits a device certificate blob.
//
// Fails with ErrDuplicate if a certificate for the device is already
// present, ErrUntrustedIssuer if the claimed issuer has no admitted
// certificate, ErrRevokedIssuer if the issuer is revoked, and
// ErrInvalidSignature if the signature does not verify. Admission is
// atomic: the blob is durably appended before the arena is updated.
func (s *Store) AddCertificate(ctx context.Context, blob []byte) error {
	payload, err := certificate.DecodeDeviceUnverified(blob)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.arena[payload.DeviceID]; exists {
		return ErrDuplicate
	}

	if !payload.Issuer.IsRoot() {
		issuerDevice := payload.Issuer.Device()
		if _, ok := s.arena[issuerDevice]; !ok {
			return ErrUntrustedIssuer
		}
		if _, gone := s.revoked[issuerDevice]; gone {
			return ErrRevokedIssuer
		}
		if err := s.chainToRootLocked(issuerDevice); err != nil {
			return err
		}
	}

	issuerKey, err := resolveIssuerKey(payload.Issuer, s.rootKey, s.lookupLocked)
	if err != nil {
		return err
	}
	if _, err := certificate.VerifyDevice(issuerKey, blob); err != nil {
		return ErrInvalidSignature
	}

	if err := s.appendCertificate(ctx, payload, blob); err != nil {
		return err
	}

	s.arena[payload.DeviceID] = payload
	s.blobs[payload.DeviceID] = append([]byte(nil), blob...)

	s.logger.Info("certificate admitted",
		"device", payload.DeviceID.String(),
		"issuer", payload.Issuer.String(),
	)
	return nil
}

func (s *Store) appendCertificate(ctx context.Context, payload *certificate.Device, blob []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	fingerprint := certificate.FingerprintOf(blob)
	err = sqlitex.Execute(conn, `
		INSERT INTO certificates (device_id, fingerprint, issuer, blob, issued_at, added_at)
		VALUES (?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			payload.DeviceID.String(),
			fingerprint[:],
			payload.Issuer.String(),
			blob,
			payload.Timestamp,
			s.clock.Now().Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("trust: appending certificate: %w", err)
	}
	return nil
}

// IsTrusted reports whether the device has an admitted certificate
// whose issuer chain resolves to the root AND the device is not
// revoked. The walk happens on every call, so revocations anywhere in
// the store take effect immediately.
func (s *Store) IsTrusted(device ref.DeviceID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, gone := s.revoked[device]; gone {
		return false
	}
	if _, ok := s.arena[device]; !ok {
		return false
	}
	return s.chainToRootLocked(device) == nil
}

// chainToRootLocked walks issuer links from device to the root.
// A missing link or a cycle fails closed. Caller holds s.mu.
func (s *Store) chainToRootLocked(device ref.DeviceID) error {
	visited := make(map[ref.DeviceID]struct{})
	current := device
	for {
		if _, seen := visited[current]; seen {
			return fmt.Errorf("%w: issuer cycle at %s", ErrUntrustedIssuer, current)
		}
		visited[current] = struct{}{}

		payload, ok := s.arena[current]
		if !ok {
			return fmt.Errorf("%w: missing certificate for %s", ErrUntrustedIssuer, current)
		}
		if payload.Issuer.IsRoot() {
			return nil
		}
		current = payload.Issuer.Device()
	}
}

func (s *Store) lookupLocked(device ref.DeviceID) (*certificate.Device, bool) {
	payload, ok := s.arena[device]
	return payload, ok
}

// Revoke verifies and appends a revocation certificate. Revocation is
// permanent and append-only; there is no unrevoke.
//
// Fails with ErrNotFound if the target device has no certificate, and
// ErrInvalidSignature if the blob does not verify against its claimed
// issuer. A revocation issued by an untrusted or revoked issuer is
// rejected with ErrUntrustedIssuer / ErrRevokedIssuer.
func (s *Store) Revoke(ctx context.Context, blob []byte) error {
	payload, err := certificate.DecodeRevocationUnverified(blob)
	if err != nil {
		return fmt.Errorf("trust: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.arena[payload.DeviceID]; !ok {
		return ErrNotFound
	}
	if _, gone := s.revoked[payload.DeviceID]; gone {
		// Already revoked. Idempotent: revocation logs from two
		// admins may both carry the same device.
		return nil
	}

	if !payload.Issuer.IsRoot() {
		issuerDevice := payload.Issuer.Device()
		if _, ok := s.arena[issuerDevice]; !ok {
			return ErrUntrustedIssuer
		}
		if _, gone := s.revoked[issuerDevice]; gone {
			return ErrRevokedIssuer
		}
	}

	issuerKey, err := resolveIssuerKey(payload.Issuer, s.rootKey, s.lookupLocked)
	if err != nil {
		return err
	}
	if _, err := certificate.VerifyRevocation(issuerKey, blob); err != nil {
		return ErrInvalidSignature
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO revocations (device_id, blob, revoked_at, added_at)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			payload.DeviceID.String(),
			blob,
			payload.Timestamp,
			s.clock.Now().Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("trust: appending revocation: %w", err)
	}

	s.revoked[payload.DeviceID] = struct{}{}

	s.logger.Warn("device revoked",
		"device", payload.DeviceID.String(),
		"issuer", payload.Issuer.String(),
		"reason", payload.Reason,
	)
	return nil
}

// Certificate returns the admitted certificate payload for a device,
// or ErrNotFound. The payload is returned even for revoked devices
// (callers needing trust must use IsTrusted).
func (s *Store) Certificate(device ref.DeviceID) (*certificate.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payload, ok := s.arena[device]
	if !ok {
		return nil, ErrNotFound
	}
	return payload, nil
}

// CertificateBlob returns the raw admitted blob for a device, for
// forwarding to peers (e.g. the greeter sending its chain to a
// claimer). The blob is a copy.
func (s *Store) CertificateBlob(device ref.DeviceID) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob, ok := s.blobs[device]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// Chain returns the certificate blobs from device up to (and
// including) the certificate signed by the root, in leaf-to-root
// order. Fails closed on any broken link.
func (s *Store) Chain(device ref.DeviceID) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.chainToRootLocked(device); err != nil {
		return nil, err
	}

	var chain [][]byte
	current := device
	for {
		payload := s.arena[current]
		chain = append(chain, append([]byte(nil), s.blobs[current]...))
		if payload.Issuer.IsRoot() {
			return chain, nil
		}
		current = payload.Issuer.Device()
	}
}
