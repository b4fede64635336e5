// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/touilleWoman/parsec-cloud/certificate"
	"github.com/touilleWoman/parsec-cloud/lib/clock"
	"github.com/touilleWoman/parsec-cloud/lib/codec"
	"github.com/touilleWoman/parsec-cloud/lib/ref"
)

// Server is the authoritative realm state: vlob version sequences,
// block storage, role certificate logs and the invitation registry.
// All payloads are opaque ciphertext. State is held in memory; this
// is the reference implementation the protocol is defined against,
// and the fake the client-side packages test with.
type Server struct {
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.Mutex
	realms      map[ref.RealmID]*realmState
	invitations map[ref.InvitationToken]*invitation
}

type realmState struct {
	// certs is the role certificate log in append order.
	certs [][]byte

	// roles is the current role of each member, derived from certs.
	roles map[ref.DeviceID]certificate.Role

	vlobs  map[ref.EntryID]*vlobState
	blocks map[ref.BlockID][]byte
}

// vlobState holds one vlob's version sequence. versions[i] is the
// blob of version i+1; versions only grow.
type vlobState struct {
	versions [][]byte
}

type invitation struct {
	deadline time.Time
	used     bool
}

// ServerConfig holds the parameters for a reference server.
type ServerConfig struct {
	// Clock drives invitation expiry. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives request logs. If nil, discarded.
	Logger *slog.Logger
}

// NewServer builds an empty server.
func NewServer(cfg ServerConfig) *Server {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		clock:       clk,
		logger:      logger,
		realms:      make(map[ref.RealmID]*realmState),
		invitations: make(map[ref.InvitationToken]*invitation),
	}
}

// Serve accepts connections from listener until ctx is cancelled,
// handling each on its own goroutine.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn handles request frames on one connection until the peer
// closes it.
func (s *Server) ServeConn(conn io.ReadWriteCloser) {
	defer conn.Close()
	for {
		var req request
		if err := readFrame(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		resp := s.handle(&req)
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Debug("connection write failed", "error", err)
			return
		}
	}
}

func (s *Server) handle(req *request) *response {
	if req.Device.IsZero() {
		return fail(statusBadRequest, "missing device identity")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var resp *response
	switch req.Cmd {
	case cmdRealmCreate:
		resp = s.realmCreate(req)
	case cmdRealmUpdateRoles:
		resp = s.realmUpdateRoles(req)
	case cmdRealmGetRoles:
		resp = s.realmGetRoles(req)
	case cmdVlobCreate:
		resp = s.vlobCreate(req)
	case cmdVlobRead:
		resp = s.vlobRead(req)
	case cmdVlobUpdate:
		resp = s.vlobUpdate(req)
	case cmdVlobGroupCheck:
		resp = s.vlobGroupCheck(req)
	case cmdBlockCreate:
		resp = s.blockCreate(req)
	case cmdBlockRead:
		resp = s.blockRead(req)
	case cmdInviteNew:
		resp = s.inviteNew(req)
	case cmdInviteClaim:
		resp = s.inviteClaim(req)
	default:
		resp = fail(statusBadRequest, fmt.Sprintf("unknown command %q", req.Cmd))
	}

	s.logger.Debug("request handled", "cmd", req.Cmd, "device", req.Device, "status", resp.Status)
	return resp
}

func ok(body any) *response {
	if body == nil {
		return &response{Status: statusOK}
	}
	encoded, err := codec.Marshal(body)
	if err != nil {
		return fail(statusBadRequest, "response encoding failed")
	}
	return &response{Status: statusOK, Body: encoded}
}

func fail(status, detail string) *response {
	return &response{Status: status, Detail: detail}
}

func decodeBody[T any](req *request) (*T, *response) {
	var body T
	if err := codec.Unmarshal(req.Body, &body); err != nil {
		return nil, fail(statusBadRequest, fmt.Sprintf("malformed %s body", req.Cmd))
	}
	return &body, nil
}

// decodeRoleCert extracts a role certificate without verifying its
// signature. Signature verification is the clients' job: they hold
// the trust chain, the server does not. The server checks only the
// things it is authoritative for, which is log consistency.
func decodeRoleCert(blob []byte) (*certificate.RealmRole, *response) {
	decoded, err := certificate.DecodeRealmRoleUnverified(blob)
	if err != nil {
		return nil, fail(statusBadRequest, "malformed role certificate")
	}
	return decoded, nil
}

func (s *Server) realmCreate(req *request) *response {
	body, errResp := decodeBody[realmCreateReq](req)
	if errResp != nil {
		return errResp
	}
	if body.Realm.IsZero() {
		return fail(statusBadRequest, "missing realm id")
	}
	if _, exists := s.realms[body.Realm]; exists {
		return fail(statusAlreadyExists, "realm exists")
	}

	cert, errResp := decodeRoleCert(body.RoleCert)
	if errResp != nil {
		return errResp
	}
	if cert.RealmID != body.Realm || cert.DeviceID != req.Device || cert.Role != certificate.RoleOwner {
		return fail(statusBadRequest, "initial role certificate must grant the creator Owner")
	}

	s.realms[body.Realm] = &realmState{
		certs:  [][]byte{body.RoleCert},
		roles:  map[ref.DeviceID]certificate.Role{req.Device: certificate.RoleOwner},
		vlobs:  make(map[ref.EntryID]*vlobState),
		blocks: make(map[ref.BlockID][]byte),
	}
	return ok(nil)
}

func (s *Server) realmUpdateRoles(req *request) *response {
	body, errResp := decodeBody[realmRolesReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	cert, errResp := decodeRoleCert(body.RoleCert)
	if errResp != nil {
		return errResp
	}
	if cert.RealmID != body.Realm {
		return fail(statusBadRequest, "role certificate for a different realm")
	}
	if cert.Issuer.IsRoot() || cert.Issuer.Device() != req.Device {
		return fail(statusBadRequest, "role certificate issuer does not match caller")
	}

	// Changing a member's role requires the privilege to grant both
	// the old role and the new one, so a Manager can neither demote
	// an Owner nor promote anyone past Contributor.
	issuerRole := realm.roles[req.Device]
	if !issuerRole.CanGrant(cert.Role) || !issuerRole.CanGrant(realm.roles[cert.DeviceID]) {
		return fail(statusNoPrivilege, fmt.Sprintf("role %s cannot set member to %s", issuerRole, cert.Role))
	}

	realm.certs = append(realm.certs, body.RoleCert)
	realm.roles[cert.DeviceID] = cert.Role
	return ok(nil)
}

func (s *Server) realmGetRoles(req *request) *response {
	body, errResp := decodeBody[realmGetRolesReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanRead() {
		return fail(statusNoPrivilege, "read requires Reader")
	}
	return ok(&realmGetRolesResp{Certificates: realm.certs})
}

func (s *Server) vlobCreate(req *request) *response {
	body, errResp := decodeBody[vlobCreateReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanWrite() {
		return fail(statusNoPrivilege, "write requires Contributor")
	}
	if _, exists := realm.vlobs[body.Entry]; exists {
		return fail(statusAlreadyExists, "vlob exists")
	}
	realm.vlobs[body.Entry] = &vlobState{versions: [][]byte{body.Blob}}
	return ok(nil)
}

func (s *Server) vlobRead(req *request) *response {
	body, errResp := decodeBody[vlobReadReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanRead() {
		return fail(statusNoPrivilege, "read requires Reader")
	}
	vlob, found := realm.vlobs[body.Entry]
	if !found {
		return fail(statusNotFound, "no such vlob")
	}

	version := body.Version
	if version == 0 {
		version = uint64(len(vlob.versions))
	}
	if version > uint64(len(vlob.versions)) {
		return fail(statusNotFound, fmt.Sprintf("version %d past current %d", version, len(vlob.versions)))
	}
	return ok(&vlobReadResp{Version: version, Blob: vlob.versions[version-1]})
}

func (s *Server) vlobUpdate(req *request) *response {
	body, errResp := decodeBody[vlobUpdateReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanWrite() {
		return fail(statusNoPrivilege, "write requires Contributor")
	}
	vlob, found := realm.vlobs[body.Entry]
	if !found {
		return fail(statusNotFound, "no such vlob")
	}

	current := uint64(len(vlob.versions))
	if body.Version != current+1 {
		conflictBody, err := codec.Marshal(&vlobConflictResp{
			ActualVersion: current,
			ActualBlob:    vlob.versions[current-1],
		})
		if err != nil {
			return fail(statusBadRequest, "conflict encoding failed")
		}
		return &response{Status: statusBadVersion, Body: conflictBody}
	}
	vlob.versions = append(vlob.versions, body.Blob)
	return ok(nil)
}

func (s *Server) vlobGroupCheck(req *request) *response {
	body, errResp := decodeBody[vlobGroupCheckReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanRead() {
		return fail(statusNoPrivilege, "read requires Reader")
	}

	var changed []VlobChange
	for _, item := range body.Items {
		vlob, found := realm.vlobs[item.Entry]
		if !found {
			continue
		}
		current := uint64(len(vlob.versions))
		if current > item.Version {
			changed = append(changed, VlobChange{Entry: item.Entry, Version: current})
		}
	}
	return ok(&vlobGroupCheckResp{Changed: changed})
}

func (s *Server) blockCreate(req *request) *response {
	body, errResp := decodeBody[blockCreateReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanWrite() {
		return fail(statusNoPrivilege, "write requires Contributor")
	}
	if body.Block.IsZero() {
		return fail(statusBadRequest, "missing block id")
	}
	// Blocks are content-addressed and immutable, so re-upload is a
	// no-op rather than a conflict.
	if _, exists := realm.blocks[body.Block]; !exists {
		realm.blocks[body.Block] = body.Ciphertext
	}
	return ok(nil)
}

func (s *Server) blockRead(req *request) *response {
	body, errResp := decodeBody[blockReadReq](req)
	if errResp != nil {
		return errResp
	}
	realm, found := s.realms[body.Realm]
	if !found {
		return fail(statusNotFound, "no such realm")
	}
	if !realm.roles[req.Device].CanRead() {
		return fail(statusNoPrivilege, "read requires Reader")
	}
	ciphertext, found := realm.blocks[body.Block]
	if !found {
		return fail(statusNotFound, "no such block")
	}
	return ok(&blockReadResp{Ciphertext: ciphertext})
}

func (s *Server) inviteNew(req *request) *response {
	body, errResp := decodeBody[inviteNewReq](req)
	if errResp != nil {
		return errResp
	}
	if body.TTLSeconds <= 0 {
		return fail(statusBadRequest, "invitation needs a positive lifetime")
	}
	token := ref.NewInvitationToken()
	s.invitations[token] = &invitation{
		deadline: s.clock.Now().Add(time.Duration(body.TTLSeconds) * time.Second),
	}
	return ok(&inviteNewResp{Token: token})
}

func (s *Server) inviteClaim(req *request) *response {
	body, errResp := decodeBody[inviteClaimReq](req)
	if errResp != nil {
		return errResp
	}
	inv, found := s.invitations[body.Token]
	if !found {
		return fail(statusNotFound, "no such invitation")
	}
	if inv.used {
		return fail(statusInviteUsed, "")
	}
	if s.clock.Now().After(inv.deadline) {
		return fail(statusInviteExpired, "")
	}
	inv.used = true
	return ok(nil)
}
