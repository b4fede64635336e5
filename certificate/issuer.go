// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package certificate

import (
	"fmt"

	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// rootIssuerText is the text form of the root-of-trust issuer. "@" is
// invalid in user and device names, so this can never collide with a
// real DeviceID.
const rootIssuerText = "@root"

// Issuer identifies who signed a certificate: either an enrolled
// device or the realm's root-of-trust key (the organization bootstrap
// key that anchors every chain).
type Issuer struct {
	device ref.DeviceID
	root   bool
}

// RootIssuer returns the root-of-trust issuer.
func RootIssuer() Issuer {
	return Issuer{root: true}
}

// DeviceIssuer returns an issuer for an enrolled device.
func DeviceIssuer(device ref.DeviceID) Issuer {
	return Issuer{device: device}
}

// IsRoot reports whether the certificate was signed by the
// root-of-trust key.
func (i Issuer) IsRoot() bool { return i.root }

// IsZero reports whether i is the zero value (neither root nor a
// device).
func (i Issuer) IsZero() bool { return !i.root && i.device.IsZero() }

// Device returns the issuing device. Only meaningful when IsRoot is
// false.
func (i Issuer) Device() ref.DeviceID { return i.device }

// String returns "@root" or the issuing device's "user@device" form.
func (i Issuer) String() string {
	if i.root {
		return rootIssuerText
	}
	return i.device.String()
}

// MarshalText implements encoding.TextMarshaler.
func (i Issuer) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return nil, fmt.Errorf("certificate: marshal of zero Issuer")
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Issuer) UnmarshalText(data []byte) error {
	if string(data) == rootIssuerText {
		*i = Issuer{root: true}
		return nil
	}
	device, err := ref.ParseDeviceID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal Issuer: %w", err)
	}
	*i = Issuer{device: device}
	return nil
}
