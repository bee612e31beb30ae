// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/tls"
	"net"
)

// Authenticator decides whether a connection may be relayed.
//
// Authenticate is called exactly once per connection, after the TLS handshake
// with the client and the dial to the backend have both succeeded, and before
// any byte is relayed. incoming is the handshaken client stream and outgoing
// is the freshly dialed backend stream.
//
// Implementations may inspect session metadata such as
// incoming.ConnectionState() or the connection addresses. They must not read
// from or write to either stream: application bytes consumed here would be
// missing from the relay.
//
// A single Authenticator is shared by all connections and must be safe for
// concurrent use. Returning an error is treated like a denial.
type Authenticator interface {
	Authenticate(ctx context.Context, incoming *tls.Conn, outgoing net.Conn) (bool, error)
}

// Func adapts an ordinary function to the Authenticator interface.
type Func func(ctx context.Context, incoming *tls.Conn, outgoing net.Conn) (bool, error)

var _ Authenticator = Func(nil)

// Authenticate calls f.
func (f Func) Authenticate(ctx context.Context, incoming *tls.Conn, outgoing net.Conn) (bool, error) {
	return f(ctx, incoming, outgoing)
}

// Null is an Authenticator that allows every connection.
// It is used when no authentication is configured.
type Null struct{}

var _ Authenticator = (*Null)(nil)

// Authenticate always allows.
func (Null) Authenticate(context.Context, *tls.Conn, net.Conn) (bool, error) {
	return true, nil
}

// All returns an Authenticator that allows a connection only when every
// authenticator in auths allows it. Evaluation stops at the first denial or
// error. With no authenticators, every connection is allowed.
func All(auths ...Authenticator) Authenticator {
	return all(auths)
}

type all []Authenticator

func (a all) Authenticate(ctx context.Context, incoming *tls.Conn, outgoing net.Conn) (bool, error) {
	for _, au := range a {
		ok, err := au.Authenticate(ctx, incoming, outgoing)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}
