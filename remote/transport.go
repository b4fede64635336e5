// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"io"
	"net"
	"time"
)

// Compile-time interface checks.
var (
	_ Transport = (*TCPTransport)(nil)
	_ Transport = (*PipeTransport)(nil)
)

// Transport opens stream connections to a realm server. The client
// dials one connection per call; connections are cheap for TCP on a
// LAN and free for the in-process pipe.
type Transport interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// TCPTransport dials a realm server over TCP. This is the development
// and same-LAN transport; it requires direct reachability.
type TCPTransport struct {
	// Address is the server's "host:port".
	Address string

	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

func (t *TCPTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return (&net.Dialer{Timeout: t.Timeout}).DialContext(ctx, "tcp", t.Address)
}

// PipeTransport connects directly to an in-process Server over a
// synchronous pipe. Used in tests and by single-process deployments.
type PipeTransport struct {
	Server *Server
}

func (t *PipeTransport) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	go t.Server.ServeConn(server)
	return client, nil
}
