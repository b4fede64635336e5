// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zeebo/blake3"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/lib/sqlitepool"
)

var (
	// ErrNotFound means the requested manifest version or block does
	// not exist in the store.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupted means stored data failed its integrity check. The
	// offending block is quarantined and never served again.
	ErrCorrupted = errors.New("store: corrupted data")

	// ErrImmutableViolation means a write tried to replace an existing
	// (entry, version) with different content. Confirmed versions are
	// immutable; this indicates a bug or a tampered peer.
	ErrImmutableViolation = errors.New("store: version already stored with different content")
)

const schema = `
CREATE TABLE IF NOT EXISTS remote_manifests (
	entry_id  TEXT NOT NULL,
	version   INTEGER NOT NULL,
	box       BLOB NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (entry_id, version)
);

CREATE TABLE IF NOT EXISTS local_manifests (
	entry_id   TEXT NOT NULL PRIMARY KEY,
	box        BLOB NOT NULL,
	need_sync  INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS blocks (
	block_id    TEXT NOT NULL PRIMARY KEY,
	content_tag BLOB NOT NULL UNIQUE,
	ciphertext  BLOB NOT NULL,
	size        INTEGER NOT NULL,
	quarantined INTEGER NOT NULL DEFAULT 0,
	stored_at   INTEGER NOT NULL
);
`

// blockAAD is bound into every sealed block so a block box can never
// be opened as anything else.
var blockAAD = []byte("parsec.store.block.v1")

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the SQLite database file. Created if missing.
	Path string

	// StorageKey seals manifests at rest. It is the device's local
	// storage key from the sealed device bundle, never the realm key.
	StorageKey *crypt.SecretKey

	// Clock supplies row timestamps. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives operational messages. If nil, discarded.
	Logger *slog.Logger
}

// Store is the local encrypted object store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	key    *crypt.SecretKey
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.StorageKey == nil {
		return nil, fmt.Errorf("store: storage key is required")
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

	return &Store{
		pool:   pool,
		key:    cfg.StorageKey,
		clock:  clk,
		logger: logger,
	}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func remoteAAD(entry ref.EntryID, version uint64) []byte {
	return fmt.Appendf(nil, "parsec.store.manifest.remote.v1:%s:%d", entry, version)
}

func localAAD(entry ref.EntryID) []byte {
	return fmt.Appendf(nil, "parsec.store.manifest.local.v1:%s", entry)
}

// PutRemote stores a server-confirmed manifest version. Versions are
// immutable: storing the same (entry, version) again with identical
// content is a no-op, with different content an ErrImmutableViolation.
func (s *Store) PutRemote(ctx context.Context, manifest *Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}
	if manifest.Version == 0 {
		return fmt.Errorf("store: remote manifest needs a version")
	}

	encoded, err := codec.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("store: encoding manifest: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	existing, err := s.loadRemoteLocked(conn, manifest.ID, manifest.Version)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		if !existing.Equal(manifest) {
			return fmt.Errorf("%w: %s version %d", ErrImmutableViolation, manifest.ID, manifest.Version)
		}
		return nil
	}

	box, err := s.key.SealWithAAD(encoded, remoteAAD(manifest.ID, manifest.Version))
	if err != nil {
		return fmt.Errorf("store: sealing manifest: %w", err)
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO remote_manifests (entry_id, version, box, stored_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{manifest.ID.String(), int64(manifest.Version), box, s.clock.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("store: storing remote manifest: %w", err)
	}
	return nil
}

// GetRemote returns the stored manifest at an exact version.
func (s *Store) GetRemote(ctx context.Context, entry ref.EntryID, version uint64) (*Manifest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)
	return s.loadRemoteLocked(conn, entry, version)
}

// LatestRemote returns the highest-version stored manifest for an
// entry, or ErrNotFound if no version has ever been confirmed.
func (s *Store) LatestRemote(ctx context.Context, entry ref.EntryID) (*Manifest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var version int64 = -1
	err = sqlitex.Execute(conn,
		"SELECT MAX(version) FROM remote_manifests WHERE entry_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{entry.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if stmt.ColumnType(0) != sqlite.TypeNull {
					version = stmt.ColumnInt64(0)
				}
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying latest version: %w", err)
	}
	if version < 0 {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, entry)
	}
	return s.loadRemoteLocked(conn, entry, uint64(version))
}

func (s *Store) loadRemoteLocked(conn *sqlite.Conn, entry ref.EntryID, version uint64) (*Manifest, error) {
	var box []byte
	err := sqlitex.Execute(conn,
		"SELECT box FROM remote_manifests WHERE entry_id = ? AND version = ?",
		&sqlitex.ExecOptions{
			Args: []any{entry.String(), int64(version)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				box = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, box)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying remote manifest: %w", err)
	}
	if box == nil {
		return nil, fmt.Errorf("%w: entry %s version %d", ErrNotFound, entry, version)
	}

	encoded, err := s.key.OpenWithAAD(box, remoteAAD(entry, version))
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s version %d: %v", ErrCorrupted, entry, version, err)
	}
	var manifest Manifest
	if err := codec.Unmarshal(encoded, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest %s version %d: %v", ErrCorrupted, entry, version, err)
	}
	return &manifest, nil
}

// PutLocal upserts the working copy for an entry. The caller owns the
// consistency of BaseVersion and NeedSync; the sync engine holds a
// per-entry lock across its read-modify-write cycles.
func (s *Store) PutLocal(ctx context.Context, local *LocalManifest) error {
	if local.Manifest == nil {
		return fmt.Errorf("store: local manifest without content")
	}
	if err := local.Manifest.Validate(); err != nil {
		return err
	}

	encoded, err := codec.Marshal(local)
	if err != nil {
		return fmt.Errorf("store: encoding local manifest: %w", err)
	}
	entry := local.Manifest.ID
	box, err := s.key.SealWithAAD(encoded, localAAD(entry))
	if err != nil {
		return fmt.Errorf("store: sealing local manifest: %w", err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	needSync := 0
	if local.NeedSync {
		needSync = 1
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO local_manifests (entry_id, box, need_sync, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (entry_id) DO UPDATE SET box = excluded.box,
			need_sync = excluded.need_sync, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{entry.String(), box, needSync, s.clock.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("store: storing local manifest: %w", err)
	}
	return nil
}

// GetLocal returns the working copy for an entry, or ErrNotFound if
// the entry has no local state.
func (s *Store) GetLocal(ctx context.Context, entry ref.EntryID) (*LocalManifest, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var box []byte
	err = sqlitex.Execute(conn,
		"SELECT box FROM local_manifests WHERE entry_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{entry.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				box = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, box)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying local manifest: %w", err)
	}
	if box == nil {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, entry)
	}

	encoded, err := s.key.OpenWithAAD(box, localAAD(entry))
	if err != nil {
		return nil, fmt.Errorf("%w: local manifest %s: %v", ErrCorrupted, entry, err)
	}
	var local LocalManifest
	if err := codec.Unmarshal(encoded, &local); err != nil {
		return nil, fmt.Errorf("%w: local manifest %s: %v", ErrCorrupted, entry, err)
	}
	return &local, nil
}

// MarkSynced records a successful push: the manifest becomes the
// confirmed remote version and the working copy is rebased onto it
// with the dirty flag cleared.
func (s *Store) MarkSynced(ctx context.Context, manifest *Manifest) error {
	if err := s.PutRemote(ctx, manifest); err != nil {
		return err
	}
	return s.PutLocal(ctx, &LocalManifest{
		Manifest:    manifest.Clone(),
		BaseVersion: manifest.Version,
	})
}

// ListPending returns the entries whose working copy is dirty, in no
// particular order.
func (s *Store) ListPending(ctx context.Context) ([]ref.EntryID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var pending []ref.EntryID
	err = sqlitex.Execute(conn,
		"SELECT entry_id FROM local_manifests WHERE need_sync = 1",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := ref.ParseEntryID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("store: corrupt entry_id row: %w", err)
				}
				pending = append(pending, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing pending entries: %w", err)
	}
	return pending, nil
}

// ListEntries returns every entry the store knows about, local or
// remote, for batched staleness probing.
func (s *Store) ListEntries(ctx context.Context) ([]ref.EntryID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []ref.EntryID
	err = sqlitex.Execute(conn,
		`SELECT entry_id FROM local_manifests
		 UNION SELECT entry_id FROM remote_manifests`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry, err := ref.ParseEntryID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("store: corrupt entry_id row: %w", err)
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing entries: %w", err)
	}
	return entries, nil
}

// contentTag computes the keyed digest used for block deduplication.
// Keying it with the realm key keeps the plaintext digest out of the
// database and scopes deduplication to one realm key epoch, so a
// block sealed under a rotated-out key is never returned for a fresh
// write.
func contentTag(key *crypt.SecretKey, plaintext []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("store: content tag: %w", err)
	}
	hasher.Write(plaintext)
	return hasher.Sum(nil), nil
}

// PutBlock compresses and seals plaintext under the realm key and
// stores it addressed by the BLAKE3 digest of the ciphertext.
// Idempotent: storing the same plaintext under the same key again
// returns the existing block id without writing anything.
func (s *Store) PutBlock(ctx context.Context, key *crypt.SecretKey, plaintext []byte) (ref.BlockID, error) {
	tag, err := contentTag(key, plaintext)
	if err != nil {
		return ref.BlockID{}, err
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ref.BlockID{}, err
	}
	defer s.pool.Put(conn)

	var existing ref.BlockID
	err = sqlitex.Execute(conn,
		"SELECT block_id FROM blocks WHERE content_tag = ? AND quarantined = 0",
		&sqlitex.ExecOptions{
			Args: []any{tag},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := ref.ParseBlockID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("store: corrupt block_id row: %w", err)
				}
				existing = id
				return nil
			},
		})
	if err != nil {
		return ref.BlockID{}, fmt.Errorf("store: block lookup: %w", err)
	}
	if !existing.IsZero() {
		return existing, nil
	}

	packed, err := packBlock(plaintext)
	if err != nil {
		return ref.BlockID{}, err
	}
	ciphertext, err := key.SealWithAAD(packed, blockAAD)
	if err != nil {
		return ref.BlockID{}, fmt.Errorf("store: sealing block: %w", err)
	}
	id := ref.BlockIDOf(ciphertext)

	err = sqlitex.Execute(conn,
		"INSERT INTO blocks (block_id, content_tag, ciphertext, size, stored_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{id.String(), tag, ciphertext, len(plaintext), s.clock.Now().Unix()},
		})
	if err != nil {
		return ref.BlockID{}, fmt.Errorf("store: storing block: %w", err)
	}
	return id, nil
}

// GetBlock returns the plaintext of a stored block. A block whose
// ciphertext no longer matches its address, or that fails to decrypt,
// is quarantined and reported as ErrCorrupted.
func (s *Store) GetBlock(ctx context.Context, key *crypt.SecretKey, id ref.BlockID) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var (
		ciphertext  []byte
		quarantined bool
	)
	err = sqlitex.Execute(conn,
		"SELECT ciphertext, quarantined FROM blocks WHERE block_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ciphertext = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, ciphertext)
				quarantined = stmt.ColumnInt64(1) != 0
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: block lookup: %w", err)
	}
	if ciphertext == nil {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	if quarantined {
		return nil, fmt.Errorf("%w: block %s is quarantined", ErrCorrupted, id)
	}

	if ref.BlockIDOf(ciphertext) != id {
		s.quarantine(conn, id, "digest mismatch")
		return nil, fmt.Errorf("%w: block %s fails digest check", ErrCorrupted, id)
	}
	packed, err := key.OpenWithAAD(ciphertext, blockAAD)
	if err != nil {
		s.quarantine(conn, id, "decryption failure")
		return nil, fmt.Errorf("%w: block %s fails decryption", ErrCorrupted, id)
	}
	plaintext, err := unpackBlock(packed)
	if err != nil {
		s.quarantine(conn, id, "payload corruption")
		return nil, fmt.Errorf("%w: block %s: %v", ErrCorrupted, id, err)
	}
	return plaintext, nil
}

// GetBlockCiphertext returns a block's stored ciphertext verbatim,
// for upload to the realm server.
func (s *Store) GetBlockCiphertext(ctx context.Context, id ref.BlockID) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var ciphertext []byte
	err = sqlitex.Execute(conn,
		"SELECT ciphertext FROM blocks WHERE block_id = ? AND quarantined = 0",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ciphertext = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, ciphertext)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: block lookup: %w", err)
	}
	if ciphertext == nil {
		return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
	}
	return ciphertext, nil
}

// PutBlockCiphertext stores a downloaded block after verifying the
// ciphertext against its address. The content tag column stays keyed
// to the ciphertext digest; downloaded blocks never deduplicate
// against local writes.
func (s *Store) PutBlockCiphertext(ctx context.Context, id ref.BlockID, ciphertext []byte) error {
	if ref.BlockIDOf(ciphertext) != id {
		return fmt.Errorf("%w: downloaded block %s fails digest check", ErrCorrupted, id)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO blocks (block_id, content_tag, ciphertext, size, stored_at)
		 VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{id.String(), id.Bytes(), ciphertext, len(ciphertext), s.clock.Now().Unix()},
		})
	if err != nil {
		return fmt.Errorf("store: storing downloaded block: %w", err)
	}
	return nil
}

// HasBlock reports whether a non-quarantined block is stored.
func (s *Store) HasBlock(ctx context.Context, id ref.BlockID) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		"SELECT 1 FROM blocks WHERE block_id = ? AND quarantined = 0",
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: block lookup: %w", err)
	}
	return found, nil
}

// Quarantined returns the ids of blocks pulled from service after
// failing integrity checks.
func (s *Store) Quarantined(ctx context.Context) ([]ref.BlockID, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var ids []ref.BlockID
	err = sqlitex.Execute(conn,
		"SELECT block_id FROM blocks WHERE quarantined = 1 ORDER BY block_id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id, err := ref.ParseBlockID(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("store: corrupt block_id row: %w", err)
				}
				ids = append(ids, id)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: listing quarantined blocks: %w", err)
	}
	return ids, nil
}

func (s *Store) quarantine(conn *sqlite.Conn, id ref.BlockID, reason string) {
	err := sqlitex.Execute(conn,
		"UPDATE blocks SET quarantined = 1 WHERE block_id = ?",
		&sqlitex.ExecOptions{Args: []any{id.String()}})
	if err != nil {
		s.logger.Error("failed to quarantine block", "block", id, "error", err)
		return
	}
	s.logger.Warn("block quarantined", "block", id, "reason", reason)
}
