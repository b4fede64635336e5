// Copyright 2026 The Parsec Authors
// SPDX-License-Identifier: Apache-2.0

package enroll

import (
	"context"
	"errors"
)

// ErrChannelClosed means the peer went away mid-handshake.
var ErrChannelClosed = errors.New("enroll: channel closed")

// Channel carries opaque handshake messages between greeter and
// claimer. Implementations relay however they like (the realm server,
// a local socket, a test pipe); the protocol assumes nothing about
// confidentiality or integrity.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
}

// pipeEnd is an in-process Channel half. Buffered so neither side
// blocks on Send during the strictly alternating handshake.
type pipeEnd struct {
	send chan<- []byte
	recv <-chan []byte
}

// NewPipe returns two connected in-process channel ends.
func NewPipe() (Channel, Channel) {
	ab := make(chan []byte, 8)
	ba := make(chan []byte, 8)
	return &pipeEnd{send: ab, recv: ba}, &pipeEnd{send: ba, recv: ab}
}

func (p *pipeEnd) Send(ctx context.Context, payload []byte) error {
	select {
	case p.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, open := <-p.recv:
		if !open {
			return nil, ErrChannelClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
