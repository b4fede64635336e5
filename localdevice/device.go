// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package localdevice

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

var (
	// ErrNotFound means no bundle file exists for the device.
	ErrNotFound = errors.New("localdevice: device bundle not found")

	// ErrDecrypt means the bundle would not open: wrong passphrase or
	// a corrupted file. Deliberately carries no detail about which.
	ErrDecrypt = errors.New("localdevice: bundle decryption failed")
)

// fileSuffix names bundle files "<user>@<device>.device".
const fileSuffix = ".device"

// scryptWorkFactor is the log2 scrypt cost for sealing bundles.
// Lowered in tests.
var scryptWorkFactor = 18

// Device is a loaded (or about to be saved) device identity: the
// private key handles plus the public material proving who they
// belong to. Call Close when the session ends.
type Device struct {
	ID         ref.DeviceID
	Signer     *crypt.SigningKey
	Exchange   *crypt.ExchangeKey
	StorageKey *crypt.SecretKey

	// RootKey anchors the trust store this device verifies
	// certificates against.
	RootKey crypt.VerifyKey

	// Certificate is this device's own certificate blob; Chain is
	// the issuer path from it to the root, leaf first.
	Certificate []byte
	Chain       [][]byte
}

// Close releases all private key material. Idempotent per key.
func (d *Device) Close() error {
	var errs []error
	if d.Signer != nil {
		errs = append(errs, d.Signer.Close())
	}
	if d.Exchange != nil {
		errs = append(errs, d.Exchange.Close())
	}
	if d.StorageKey != nil {
		errs = append(errs, d.StorageKey.Close())
	}
	return errors.Join(errs...)
}

// bundle is the CBOR payload sealed inside a bundle file.
type bundle struct {
	Device       ref.DeviceID    `cbor:"0,keyasint"`
	SigningSeed  []byte          `cbor:"1,keyasint"`
	ExchangeSeed []byte          `cbor:"2,keyasint"`
	StorageKey   []byte          `cbor:"3,keyasint"`
	RootKey      crypt.VerifyKey `cbor:"4,keyasint"`
	Certificate  []byte          `cbor:"5,keyasint"`
	Chain        [][]byte        `cbor:"6,keyasint"`
	SavedAt      int64           `cbor:"7,keyasint"`
}

// Path returns the bundle file path for a device under dir.
func Path(dir string, device ref.DeviceID) string {
	return filepath.Join(dir, device.String()+fileSuffix)
}

// Save seals the device's keys under the passphrase and writes the
// bundle to its path under dir, creating dir if needed. An existing
// bundle for the same device is replaced atomically.
func Save(dir, passphrase string, device *Device) (string, error) {
	if device.Signer == nil || device.Exchange == nil || device.StorageKey == nil {
		return "", fmt.Errorf("localdevice: saving %s: all three private keys are required", device.ID)
	}

	signingSeed, err := device.Signer.Seed()
	if err != nil {
		return "", err
	}
	defer signingSeed.Close()
	exchangeSeed, err := device.Exchange.Seed()
	if err != nil {
		return "", err
	}
	defer exchangeSeed.Close()

	plaintext, err := codec.Marshal(&bundle{
		Device:       device.ID,
		SigningSeed:  signingSeed.Bytes(),
		ExchangeSeed: exchangeSeed.Bytes(),
		StorageKey:   device.StorageKey.Bytes(),
		RootKey:      device.RootKey,
		Certificate:  device.Certificate,
		Chain:        device.Chain,
		SavedAt:      time.Now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("localdevice: encoding bundle: %w", err)
	}
	defer zero(plaintext)

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return "", fmt.Errorf("localdevice: building scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	var sealed bytes.Buffer
	writer, err := age.Encrypt(&sealed, recipient)
	if err != nil {
		return "", fmt.Errorf("localdevice: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("localdevice: sealing bundle: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("localdevice: finalizing seal: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("localdevice: creating %s: %w", dir, err)
	}
	path := Path(dir, device.ID)
	if err := writeAtomic(path, sealed.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes data next to path and renames it into place, so
// readers only ever see a complete bundle.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	temp, err := os.CreateTemp(dir, ".bundle-*")
	if err != nil {
		return fmt.Errorf("localdevice: creating temp file: %w", err)
	}
	defer os.Remove(temp.Name())

	if err := temp.Chmod(0o600); err != nil {
		temp.Close()
		return fmt.Errorf("localdevice: restricting %s: %w", temp.Name(), err)
	}
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("localdevice: writing %s: %w", temp.Name(), err)
	}
	if err := temp.Sync(); err != nil {
		temp.Close()
		return fmt.Errorf("localdevice: syncing %s: %w", temp.Name(), err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("localdevice: closing %s: %w", temp.Name(), err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("localdevice: installing %s: %w", path, err)
	}
	return nil
}

// Load opens the bundle at path with the passphrase and reconstructs
// the device's key handles. The rebuilt keys are checked against the
// embedded certificate, so a bundle swapped for another device's is
// rejected even when the passphrase matches.
func Load(path, passphrase string) (*Device, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("localdevice: opening %s: %w", path, err)
	}
	defer file.Close()

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("localdevice: building scrypt identity: %w", err)
	}
	reader, err := age.Decrypt(file, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, path)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecrypt, path)
	}
	defer zero(plaintext)

	var b bundle
	if err := codec.Unmarshal(plaintext, &b); err != nil {
		return nil, fmt.Errorf("localdevice: decoding bundle %s: %w", path, err)
	}

	signer, verify, err := crypt.SigningKeyFromSeed(b.SigningSeed)
	if err != nil {
		return nil, err
	}
	exchange, exchangePub, err := crypt.ExchangeKeyFromSeed(b.ExchangeSeed)
	if err != nil {
		signer.Close()
		return nil, err
	}
	storage, err := crypt.SecretKeyFromBytes(b.StorageKey)
	if err != nil {
		signer.Close()
		exchange.Close()
		return nil, err
	}

	device := &Device{
		ID:          b.Device,
		Signer:      signer,
		Exchange:    exchange,
		StorageKey:  storage,
		RootKey:     b.RootKey,
		Certificate: b.Certificate,
		Chain:       b.Chain,
	}
	cert, err := certificate.DecodeDeviceUnverified(b.Certificate)
	if err != nil {
		device.Close()
		return nil, fmt.Errorf("localdevice: bundle %s: %w", path, err)
	}
	if cert.DeviceID != b.Device || cert.VerifyKey != verify || cert.ExchangeKey != exchangePub {
		device.Close()
		return nil, fmt.Errorf("localdevice: bundle %s: keys do not match the embedded certificate", path)
	}
	return device, nil
}

// LoadByID loads the bundle for a specific device under dir.
func LoadByID(dir string, device ref.DeviceID, passphrase string) (*Device, error) {
	return Load(Path(dir, device), passphrase)
}

// List returns the device ids with a bundle under dir, sorted by
// their text form. A missing directory lists as empty.
func List(dir string) ([]ref.DeviceID, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localdevice: reading %s: %w", dir, err)
	}

	var devices []ref.DeviceID
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := ref.ParseDeviceID(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			// Stray files are not bundles.
			continue
		}
		devices = append(devices, id)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].String() < devices[j].String()
	})
	return devices, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
