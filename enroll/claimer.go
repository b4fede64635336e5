// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package enroll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/remote"
	"github.com/touilleWoman/parsec-cloud/trust"
)

// Credentials is the greeter's final message: everything the new
// device needs to bootstrap its own trust store.
type Credentials struct {
	RootKey     crypt.VerifyKey `cbor:"0,keyasint"`
	Certificate []byte          `cbor:"1,keyasint"`
	Chain       [][]byte        `cbor:"2,keyasint"`
}

// ClaimerConfig holds the parameters for the new-device side of the
// handshake.
type ClaimerConfig struct {
	// Device is the identity the new device claims.
	Device ref.DeviceID

	// VerifyKey and ExchangeKey are the public halves of the new
	// device's long-term keys, generated by the caller beforehand.
	VerifyKey   crypt.VerifyKey
	ExchangeKey crypt.PublicExchangeKey

	// Confirm presents the SAS to the operator.
	Confirm ConfirmFunc

	// Registry consumes the invitation token before the handshake.
	// Optional; nil skips the claim (tests, relays that consume the
	// token themselves).
	Registry InvitationRegistry

	// Logger receives handshake progress. If nil, discarded.
	Logger *slog.Logger
}

// Claimer runs the new-device side of one enrollment. Single use.
type Claimer struct {
	device      ref.DeviceID
	verifyKey   crypt.VerifyKey
	exchangeKey crypt.PublicExchangeKey
	confirm     ConfirmFunc
	registry    InvitationRegistry
	logger      *slog.Logger

	state atomic.Int32
}

// NewClaimer builds a claimer from cfg.
func NewClaimer(cfg ClaimerConfig) (*Claimer, error) {
	if cfg.Device.IsZero() || cfg.VerifyKey.IsZero() || cfg.ExchangeKey.IsZero() || cfg.Confirm == nil {
		return nil, fmt.Errorf("enroll: claimer needs device, keys and confirm callback")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Claimer{
		device:      cfg.Device,
		verifyKey:   cfg.VerifyKey,
		exchangeKey: cfg.ExchangeKey,
		confirm:     cfg.Confirm,
		registry:    cfg.Registry,
		logger:      logger,
	}, nil
}

// State reports handshake progress. Safe to read from any goroutine.
func (c *Claimer) State() State { return State(c.state.Load()) }

func (c *Claimer) setState(s State) { c.state.Store(int32(s)) }

func (c *Claimer) fail(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.setState(StateCancelled)
	case errors.Is(err, remote.ErrInvitationExpired):
		c.setState(StateExpired)
	case errors.Is(err, ErrRejected), errors.Is(err, ErrSasMismatch):
		c.setState(StateRejected)
	}
	return err
}

// Claim runs the handshake and returns the credentials issued by the
// greeter. The caller installs them with InstallCredentials once its
// trust store exists.
func (c *Claimer) Claim(ctx context.Context, channel Channel, token ref.InvitationToken) (*Credentials, error) {
	if c.registry != nil {
		if err := c.registry.InviteClaim(ctx, token); err != nil {
			return nil, c.fail(err)
		}
	}

	ephemeral, ephemeralPub, err := crypt.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Close()

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	err = sendPlain(ctx, channel, &claimerHello{Token: token, Exchange: ephemeralPub, Nonce: nonce})
	if err != nil {
		return nil, c.fail(err)
	}

	var hello greeterHello
	if err := receivePlain(ctx, channel, &hello); err != nil {
		return nil, c.fail(err)
	}
	c.setState(StatePeerJoined)

	channelKey, err := ephemeral.Derive(hello.Exchange, crypt.HKDFInfoEnrollmentChannel)
	if err != nil {
		return nil, err
	}
	defer channelKey.Close()

	c.setState(StateSasExchange)
	sas, err := sasFromTranscript(&transcript{
		Token:        token,
		ClaimerKey:   ephemeralPub,
		ClaimerNonce: nonce,
		GreeterKey:   hello.Exchange,
		GreeterNonce: hello.Nonce,
	})
	if err != nil {
		return nil, err
	}

	accepted, err := c.confirm(ctx, sas)
	if err != nil {
		return nil, c.fail(err)
	}
	if err := sendSealed(ctx, channel, channelKey, &sasVerdict{Accepted: accepted}); err != nil {
		return nil, c.fail(err)
	}
	if !accepted {
		c.setState(StateRejected)
		return nil, ErrSasMismatch
	}

	var theirVerdict sasVerdict
	if err := receiveSealed(ctx, channel, channelKey, &theirVerdict); err != nil {
		return nil, c.fail(err)
	}
	if !theirVerdict.Accepted {
		return nil, c.fail(ErrRejected)
	}

	err = sendSealed(ctx, channel, channelKey, &claimRequest{
		Device:      c.device,
		VerifyKey:   c.verifyKey,
		ExchangeKey: c.exchangeKey,
	})
	if err != nil {
		return nil, c.fail(err)
	}

	var creds Credentials
	if err := receiveSealed(ctx, channel, channelKey, &creds); err != nil {
		return nil, c.fail(err)
	}
	c.setState(StateCredentialsExchanged)

	// Sanity-check the certificate before reporting success. Full
	// chain verification happens when the credentials are installed
	// into the new trust store.
	payload, err := certificate.DecodeDeviceUnverified(creds.Certificate)
	if err != nil {
		return nil, fmt.Errorf("enroll: malformed issued certificate: %w", err)
	}
	if payload.DeviceID != c.device {
		return nil, fmt.Errorf("enroll: issued certificate names %s, not %s", payload.DeviceID, c.device)
	}
	if creds.RootKey.IsZero() {
		return nil, fmt.Errorf("enroll: credentials missing root key")
	}

	c.setState(StateDone)
	c.logger.Info("enrollment complete", "device", c.device)
	return &creds, nil
}

// InstallCredentials admits the issued chain into a freshly opened
// trust store: the greeter's chain root-first, then the new device's
// own certificate. Certificates already present are skipped, so
// installing over a store that has part of the chain is fine.
func InstallCredentials(ctx context.Context, store *trust.Store, creds *Credentials) error {
	for i := len(creds.Chain) - 1; i >= 0; i-- {
		err := store.AddCertificate(ctx, creds.Chain[i])
		if err != nil && !errors.Is(err, trust.ErrDuplicate) {
			return fmt.Errorf("enroll: installing chain: %w", err)
		}
	}
	if err := store.AddCertificate(ctx, creds.Certificate); err != nil && !errors.Is(err, trust.ErrDuplicate) {
		return fmt.Errorf("enroll: installing device certificate: %w", err)
	}
	return nil
}
