// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// ErrRetryBudgetExhausted wraps the last transport error after the
// client has retried for as long as its budget allows.
var ErrRetryBudgetExhausted = errors.New("remote: retry budget exhausted")

// Retry defaults.
const (
	defaultRetryBase   = 100 * time.Millisecond
	defaultRetryMax    = 5 * time.Second
	defaultRetryBudget = 30 * time.Second
)

// ClientConfig holds the parameters for a realm protocol client.
type ClientConfig struct {
	// Transport dials the server.
	Transport Transport

	// Device identifies the caller. The server resolves realm roles
	// against this identity.
	Device ref.DeviceID

	// Clock drives retry pacing. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives retry and failure messages. If nil, discarded.
	Logger *slog.Logger

	// RetryBase is the first backoff delay. Doubles per attempt up to
	// RetryMax; retrying stops once RetryBudget of delay has been
	// spent. Zero values take the defaults.
	RetryBase   time.Duration
	RetryMax    time.Duration
	RetryBudget time.Duration
}

// Client is a realm protocol client. Safe for concurrent use; every
// call dials its own connection.
type Client struct {
	transport   Transport
	device      ref.DeviceID
	clock       clock.Clock
	logger      *slog.Logger
	retryBase   time.Duration
	retryMax    time.Duration
	retryBudget time.Duration
}

// NewClient builds a client from cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("remote: transport is required")
	}
	if cfg.Device.IsZero() {
		return nil, fmt.Errorf("remote: device identity is required")
	}

	client := &Client{
		transport:   cfg.Transport,
		device:      cfg.Device,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		retryBase:   cfg.RetryBase,
		retryMax:    cfg.RetryMax,
		retryBudget: cfg.RetryBudget,
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if client.retryBase <= 0 {
		client.retryBase = defaultRetryBase
	}
	if client.retryMax <= 0 {
		client.retryMax = defaultRetryMax
	}
	if client.retryBudget <= 0 {
		client.retryBudget = defaultRetryBudget
	}
	return client, nil
}

// call performs one request/response exchange, retrying transport
// failures with exponential backoff. Protocol rejections come back as
// typed errors without retry.
func (c *Client) call(ctx context.Context, cmd string, body, out any) error {
	encoded, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("remote: encoding %s body: %w", cmd, err)
	}
	req := request{Cmd: cmd, Device: c.device, Body: encoded}

	delay := c.retryBase
	var spent time.Duration
	for {
		resp, err := c.exchange(ctx, &req)
		if err == nil {
			if resp.Status != statusOK {
				return statusError(resp)
			}
			if out != nil {
				if err := codec.Unmarshal(resp.Body, out); err != nil {
					return fmt.Errorf("%w: decoding %s response: %v", ErrProtocol, cmd, err)
				}
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if spent+delay > c.retryBudget {
			return fmt.Errorf("%w: %s: %w", ErrRetryBudgetExhausted, cmd, err)
		}
		c.logger.Warn("transport failure, retrying",
			"cmd", cmd,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
		spent += delay
		delay = min(delay*2, c.retryMax)
	}
}

func (c *Client) exchange(ctx context.Context, req *request) (*response, error) {
	conn, err := c.transport.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, req); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	var resp response
	if err := readFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	return &resp, nil
}

// RealmCreate creates a realm. The role certificate blob must grant
// the caller Owner; it seeds the realm's role log.
func (c *Client) RealmCreate(ctx context.Context, realm ref.RealmID, roleCert []byte) error {
	return c.call(ctx, cmdRealmCreate, &realmCreateReq{Realm: realm, RoleCert: roleCert}, nil)
}

// RealmUpdateRoles appends a role certificate to the realm's role log.
func (c *Client) RealmUpdateRoles(ctx context.Context, realm ref.RealmID, roleCert []byte) error {
	return c.call(ctx, cmdRealmUpdateRoles, &realmRolesReq{Realm: realm, RoleCert: roleCert}, nil)
}

// RealmGetRoleCertificates returns the realm's role certificate blobs
// in append order. Callers verify them against their trust chain.
func (c *Client) RealmGetRoleCertificates(ctx context.Context, realm ref.RealmID) ([][]byte, error) {
	var resp realmGetRolesResp
	if err := c.call(ctx, cmdRealmGetRoles, &realmGetRolesReq{Realm: realm}, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// VlobCreate creates a vlob at version 1.
func (c *Client) VlobCreate(ctx context.Context, realm ref.RealmID, entry ref.EntryID, blob []byte) error {
	return c.call(ctx, cmdVlobCreate, &vlobCreateReq{Realm: realm, Entry: entry, Blob: blob}, nil)
}

// VlobRead returns one version of a vlob. Version 0 means latest.
func (c *Client) VlobRead(ctx context.Context, realm ref.RealmID, entry ref.EntryID, version uint64) (uint64, []byte, error) {
	var resp vlobReadResp
	err := c.call(ctx, cmdVlobRead, &vlobReadReq{Realm: realm, Entry: entry, Version: version}, &resp)
	if err != nil {
		return 0, nil, err
	}
	return resp.Version, resp.Blob, nil
}

// VlobUpdate writes a vlob version. The server accepts only exactly
// current+1; anything else returns a *Conflict carrying the server's
// current version and blob.
func (c *Client) VlobUpdate(ctx context.Context, realm ref.RealmID, entry ref.EntryID, version uint64, blob []byte) error {
	return c.call(ctx, cmdVlobUpdate, &vlobUpdateReq{
		Realm:   realm,
		Entry:   entry,
		Version: version,
		Blob:    blob,
	}, nil)
}

// VlobGroupCheck reports which of the given entries have a server
// version past the one the caller holds. One round trip for the whole
// batch.
func (c *Client) VlobGroupCheck(ctx context.Context, realm ref.RealmID, items []VlobCheckItem) ([]VlobChange, error) {
	var resp vlobGroupCheckResp
	err := c.call(ctx, cmdVlobGroupCheck, &vlobGroupCheckReq{Realm: realm, Items: items}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Changed, nil
}

// BlockCreate uploads a block ciphertext. Idempotent: re-uploading an
// existing block id succeeds.
func (c *Client) BlockCreate(ctx context.Context, realm ref.RealmID, block ref.BlockID, ciphertext []byte) error {
	return c.call(ctx, cmdBlockCreate, &blockCreateReq{
		Realm:      realm,
		Block:      block,
		Ciphertext: ciphertext,
	}, nil)
}

// BlockRead downloads a block ciphertext.
func (c *Client) BlockRead(ctx context.Context, realm ref.RealmID, block ref.BlockID) ([]byte, error) {
	var resp blockReadResp
	if err := c.call(ctx, cmdBlockRead, &blockReadReq{Realm: realm, Block: block}, &resp); err != nil {
		return nil, err
	}
	return resp.Ciphertext, nil
}

// InviteNew registers a single-use enrollment invitation with the
// given lifetime and returns its token.
func (c *Client) InviteNew(ctx context.Context, ttl time.Duration) (ref.InvitationToken, error) {
	var resp inviteNewResp
	err := c.call(ctx, cmdInviteNew, &inviteNewReq{TTLSeconds: int64(ttl / time.Second)}, &resp)
	if err != nil {
		return ref.InvitationToken{}, err
	}
	return resp.Token, nil
}

// InviteClaim consumes an invitation token. Fails with
// ErrInvitationExpired past its deadline and ErrInvitationAlreadyUsed
// on a second claim.
func (c *Client) InviteClaim(ctx context.Context, token ref.InvitationToken) error {
	return c.call(ctx, cmdInviteClaim, &inviteClaimReq{Token: token}, nil)
}
