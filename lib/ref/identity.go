// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// maxNameLength bounds user and device name length. Matches the wire
// schema limit; changing it breaks compatibility with existing
// certificates.
const maxNameLength = 32

// validName reports whether s is a valid user or device name:
// 1-32 characters from [a-zA-Z0-9_-].
func validName(s string) bool {
	if len(s) == 0 || len(s) > maxNameLength {
		return false
	}
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// UserID identifies a human-controlled identity. Immutable once
// created; revocation happens at the device level.
type UserID struct {
	name string
}

// NewUserID validates and returns a UserID.
func NewUserID(name string) (UserID, error) {
	if !validName(name) {
		return UserID{}, fmt.Errorf("ref: invalid user id %q", name)
	}
	return UserID{name: name}, nil
}

// String returns the user name.
func (u UserID) String() string { return u.name }

// IsZero reports whether u is the zero value.
func (u UserID) IsZero() bool { return u.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (u UserID) MarshalText() ([]byte, error) {
	if u.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero UserID")
	}
	return []byte(u.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UserID) UnmarshalText(data []byte) error {
	parsed, err := NewUserID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal UserID: %w", err)
	}
	*u = parsed
	return nil
}

// DeviceName is the per-user short name of a device ("laptop",
// "phone"). Unique within a user, not globally.
type DeviceName struct {
	name string
}

// NewDeviceName validates and returns a DeviceName.
func NewDeviceName(name string) (DeviceName, error) {
	if !validName(name) {
		return DeviceName{}, fmt.Errorf("ref: invalid device name %q", name)
	}
	return DeviceName{name: name}, nil
}

// String returns the device name.
func (d DeviceName) String() string { return d.name }

// IsZero reports whether d is the zero value.
func (d DeviceName) IsZero() bool { return d.name == "" }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceName) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero DeviceName")
	}
	return []byte(d.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceName) UnmarshalText(data []byte) error {
	parsed, err := NewDeviceName(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal DeviceName: %w", err)
	}
	*d = parsed
	return nil
}

// DeviceID is the globally unique identity of a device, formed as
// "user@device". This is the author field on every manifest and the
// subject of every device certificate.
type DeviceID struct {
	user   UserID
	device DeviceName
}

// NewDeviceID combines a user and a device name.
func NewDeviceID(user UserID, device DeviceName) (DeviceID, error) {
	if user.IsZero() || device.IsZero() {
		return DeviceID{}, fmt.Errorf("ref: DeviceID requires both user and device name")
	}
	return DeviceID{user: user, device: device}, nil
}

// ParseDeviceID parses the "user@device" text form.
func ParseDeviceID(s string) (DeviceID, error) {
	user, device, found := strings.Cut(s, "@")
	if !found {
		return DeviceID{}, fmt.Errorf("ref: device id %q missing '@' separator", s)
	}
	userID, err := NewUserID(user)
	if err != nil {
		return DeviceID{}, fmt.Errorf("ref: device id %q: %w", s, err)
	}
	deviceName, err := NewDeviceName(device)
	if err != nil {
		return DeviceID{}, fmt.Errorf("ref: device id %q: %w", s, err)
	}
	return DeviceID{user: userID, device: deviceName}, nil
}

// User returns the owning identity.
func (d DeviceID) User() UserID { return d.user }

// Device returns the per-user device name.
func (d DeviceID) Device() DeviceName { return d.device }

// String returns the "user@device" form.
func (d DeviceID) String() string {
	return d.user.name + "@" + d.device.name
}

// IsZero reports whether d is the zero value.
func (d DeviceID) IsZero() bool { return d.user.IsZero() }

// MarshalText implements encoding.TextMarshaler.
func (d DeviceID) MarshalText() ([]byte, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("ref: marshal of zero DeviceID")
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DeviceID) UnmarshalText(data []byte) error {
	parsed, err := ParseDeviceID(string(data))
	if err != nil {
		return fmt.Errorf("unmarshal DeviceID: %w", err)
	}
	*d = parsed
	return nil
}
