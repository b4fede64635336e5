// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package enroll

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

var (
	// ErrSasMismatch means the local operator rejected the short
	// authentication string.
	ErrSasMismatch = errors.New("enroll: SAS rejected locally")

	// ErrRejected means the peer rejected the SAS or the enrollment.
	ErrRejected = errors.New("enroll: rejected by peer")

	// ErrTokenMismatch means the claimer presented a different
	// invitation token than the greeter is serving.
	ErrTokenMismatch = errors.New("enroll: invitation token mismatch")
)

// State tracks handshake progress, in order. Terminal states are
// StateDone and the failure states after it.
type State int32

const (
	StateWaitingPeers State = iota
	StatePeerJoined
	StateSasExchange
	StateCredentialsExchanged
	StateDone
	StateCancelled
	StateExpired
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateWaitingPeers:
		return "waiting_peers"
	case StatePeerJoined:
		return "peer_joined"
	case StateSasExchange:
		return "sas_exchange"
	case StateCredentialsExchanged:
		return "credentials_exchanged"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ConfirmFunc presents the SAS to the operator and reports whether it
// matches the peer's display. Blocking is fine; the handshake waits.
type ConfirmFunc func(ctx context.Context, sas string) (bool, error)

// InvitationRegistry consumes invitation tokens. *remote.Client
// satisfies it.
type InvitationRegistry interface {
	InviteClaim(ctx context.Context, token ref.InvitationToken) error
}

const nonceSize = 16

// Handshake messages. The hellos travel in the clear; everything
// after SAS confirmation is sealed under the derived channel key.

type claimerHello struct {
	Token    ref.InvitationToken     `cbor:"0,keyasint"`
	Exchange crypt.PublicExchangeKey `cbor:"1,keyasint"`
	Nonce    []byte                  `cbor:"2,keyasint"`
}

type greeterHello struct {
	Exchange crypt.PublicExchangeKey `cbor:"0,keyasint"`
	Nonce    []byte                  `cbor:"1,keyasint"`
}

type sasVerdict struct {
	Accepted bool `cbor:"0,keyasint"`
}

type claimRequest struct {
	Device      ref.DeviceID            `cbor:"0,keyasint"`
	VerifyKey   crypt.VerifyKey         `cbor:"1,keyasint"`
	ExchangeKey crypt.PublicExchangeKey `cbor:"2,keyasint"`
}

// transcript is the canonical encoding the SAS is derived from. Both
// ephemeral public keys and both nonces are bound, so a key
// substitution anywhere changes the SAS on at least one side.
type transcript struct {
	Token        ref.InvitationToken     `cbor:"0,keyasint"`
	ClaimerKey   crypt.PublicExchangeKey `cbor:"1,keyasint"`
	ClaimerNonce []byte                  `cbor:"2,keyasint"`
	GreeterKey   crypt.PublicExchangeKey `cbor:"3,keyasint"`
	GreeterNonce []byte                  `cbor:"4,keyasint"`
}

func sasFromTranscript(tr *transcript) (string, error) {
	encoded, err := codec.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("enroll: encoding transcript: %w", err)
	}
	return crypt.SASCode(encoded), nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("enroll: nonce: %w", err)
	}
	return nonce, nil
}

func sendPlain(ctx context.Context, ch Channel, message any) error {
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("enroll: encoding message: %w", err)
	}
	return ch.Send(ctx, payload)
}

func receivePlain(ctx context.Context, ch Channel, message any) error {
	payload, err := ch.Receive(ctx)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("enroll: malformed message: %w", err)
	}
	return nil
}

func sendSealed(ctx context.Context, ch Channel, key *crypt.SecretKey, message any) error {
	payload, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("enroll: encoding message: %w", err)
	}
	box, err := key.Seal(payload)
	if err != nil {
		return fmt.Errorf("enroll: sealing message: %w", err)
	}
	return ch.Send(ctx, box)
}

func receiveSealed(ctx context.Context, ch Channel, key *crypt.SecretKey, message any) error {
	box, err := ch.Receive(ctx)
	if err != nil {
		return err
	}
	payload, err := key.Open(box)
	if err != nil {
		return fmt.Errorf("enroll: opening message: %w", err)
	}
	if err := codec.Unmarshal(payload, message); err != nil {
		return fmt.Errorf("enroll: malformed message: %w", err)
	}
	return nil
}
