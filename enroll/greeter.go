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
	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/crypt"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
	"github.com/touilleWoman/parsec-cloud/trust"
)

// GreeterConfig holds the parameters for the enrolled side of the
// handshake.
type GreeterConfig struct {
	// Device is the greeter's identity; it becomes the issuer of the
	// new certificate.
	Device ref.DeviceID

	// Signer is the greeter's signing key.
	Signer *crypt.SigningKey

	// RootKey is the realm's root verify key, handed to the claimer
	// so it can bootstrap its own trust store.
	RootKey crypt.VerifyKey

	// Trust is the greeter's trust store. The new certificate is
	// admitted here first; the greeter's chain is served from it.
	Trust *trust.Store

	// Confirm presents the SAS to the operator.
	Confirm ConfirmFunc

	// Clock supplies the certificate timestamp. Defaults to
	// clock.Real().
	Clock clock.Clock

	// Logger receives handshake progress. If nil, discarded.
	Logger *slog.Logger
}

// Greeter runs the enrolled side of one enrollment. Single use: one
// Greeter per invitation.
type Greeter struct {
	device  ref.DeviceID
	signer  *crypt.SigningKey
	rootKey crypt.VerifyKey
	trust   *trust.Store
	confirm ConfirmFunc
	clock   clock.Clock
	logger  *slog.Logger

	state atomic.Int32
}

// NewGreeter builds a greeter from cfg.
func NewGreeter(cfg GreeterConfig) (*Greeter, error) {
	if cfg.Device.IsZero() || cfg.Signer == nil || cfg.Trust == nil || cfg.Confirm == nil {
		return nil, fmt.Errorf("enroll: greeter needs device, signer, trust store and confirm callback")
	}
	if cfg.RootKey.IsZero() {
		return nil, fmt.Errorf("enroll: greeter needs the root key")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Greeter{
		device:  cfg.Device,
		signer:  cfg.Signer,
		rootKey: cfg.RootKey,
		trust:   cfg.Trust,
		confirm: cfg.Confirm,
		clock:   clk,
		logger:  logger,
	}, nil
}

// State reports handshake progress. Safe to read from any goroutine.
func (g *Greeter) State() State { return State(g.state.Load()) }

func (g *Greeter) setState(s State) { g.state.Store(int32(s)) }

func (g *Greeter) fail(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.setState(StateCancelled)
	case errors.Is(err, ErrRejected), errors.Is(err, ErrSasMismatch), errors.Is(err, ErrTokenMismatch):
		g.setState(StateRejected)
	}
	return err
}

// Greet runs the handshake for one invitation and returns the newly
// enrolled device id. On success the new certificate is already
// admitted to the greeter's trust store.
func (g *Greeter) Greet(ctx context.Context, channel Channel, token ref.InvitationToken) (ref.DeviceID, error) {
	var zero ref.DeviceID

	var hello claimerHello
	if err := receivePlain(ctx, channel, &hello); err != nil {
		return zero, g.fail(err)
	}
	if hello.Token != token {
		return zero, g.fail(ErrTokenMismatch)
	}
	g.setState(StatePeerJoined)
	g.logger.Info("claimer joined", "token", token)

	ephemeral, ephemeralPub, err := crypt.GenerateExchangeKey()
	if err != nil {
		return zero, err
	}
	defer ephemeral.Close()

	nonce, err := newNonce()
	if err != nil {
		return zero, err
	}
	if err := sendPlain(ctx, channel, &greeterHello{Exchange: ephemeralPub, Nonce: nonce}); err != nil {
		return zero, g.fail(err)
	}

	channelKey, err := ephemeral.Derive(hello.Exchange, crypt.HKDFInfoEnrollmentChannel)
	if err != nil {
		return zero, err
	}
	defer channelKey.Close()

	g.setState(StateSasExchange)
	sas, err := sasFromTranscript(&transcript{
		Token:        token,
		ClaimerKey:   hello.Exchange,
		ClaimerNonce: hello.Nonce,
		GreeterKey:   ephemeralPub,
		GreeterNonce: nonce,
	})
	if err != nil {
		return zero, err
	}

	// The claimer commits to its verdict first. A failed open here
	// means the two sides derived different keys, which is the
	// man-in-the-middle case the SAS exists for.
	var theirVerdict sasVerdict
	if err := receiveSealed(ctx, channel, channelKey, &theirVerdict); err != nil {
		return zero, g.fail(err)
	}
	if !theirVerdict.Accepted {
		return zero, g.fail(ErrRejected)
	}

	accepted, err := g.confirm(ctx, sas)
	if err != nil {
		return zero, g.fail(err)
	}
	if err := sendSealed(ctx, channel, channelKey, &sasVerdict{Accepted: accepted}); err != nil {
		return zero, g.fail(err)
	}
	if !accepted {
		g.setState(StateRejected)
		return zero, ErrSasMismatch
	}

	var claim claimRequest
	if err := receiveSealed(ctx, channel, channelKey, &claim); err != nil {
		return zero, g.fail(err)
	}
	if claim.Device.IsZero() || claim.VerifyKey.IsZero() || claim.ExchangeKey.IsZero() {
		return zero, fmt.Errorf("enroll: incomplete claim request")
	}

	blob, err := certificate.SignDevice(g.signer, certificate.DeviceIssuer(g.device),
		claim.Device, claim.VerifyKey, claim.ExchangeKey, g.clock.Now())
	if err != nil {
		return zero, err
	}
	if err := g.trust.AddCertificate(ctx, blob); err != nil {
		return zero, err
	}

	chain, err := g.trust.Chain(g.device)
	if err != nil {
		return zero, err
	}
	g.setState(StateCredentialsExchanged)
	err = sendSealed(ctx, channel, channelKey, &Credentials{
		RootKey:     g.rootKey,
		Certificate: blob,
		Chain:       chain,
	})
	if err != nil {
		return zero, g.fail(err)
	}

	g.setState(StateDone)
	g.logger.Info("device enrolled", "device", claim.Device, "issuer", g.device)
	return claim.Device, nil
}
