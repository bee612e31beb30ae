// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tlsproxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/infinyon/flv-tls-proxy/pkg/auth"
	"github.com/infinyon/flv-tls-proxy/pkg/metrics"
	"github.com/infinyon/flv-tls-proxy/pkg/server/tcp"
)

// Start relays TLS clients accepted on addr to target, allowing every
// connection, until ctx is cancelled.
func Start(ctx context.Context, addr string, tlsConfig *tls.Config, target string) error {
	return NewBuilder(addr, tlsConfig, target).Start(ctx)
}

// StartWithAuthenticator is like Start but consults a for every connection.
func StartWithAuthenticator(ctx context.Context, addr string, tlsConfig *tls.Config, target string, a auth.Authenticator) error {
	return NewBuilder(addr, tlsConfig, target).WithAuthenticator(a).Start(ctx)
}

// Builder assembles a tcp.Server step by step.
type Builder struct {
	cfg  tcp.Config
	auth auth.Authenticator
}

// NewBuilder starts a Builder for a proxy on addr relaying to target. The
// authenticator defaults to auth.Null.
func NewBuilder(addr string, tlsConfig *tls.Config, target string) *Builder {
	return &Builder{
		cfg: tcp.Config{
			Address:       addr,
			TargetAddress: target,
			TLSConfig:     tlsConfig,
		},
		auth: auth.Null{},
	}
}

// WithAuthenticator replaces the authenticator.
func (b *Builder) WithAuthenticator(a auth.Authenticator) *Builder {
	b.auth = a
	return b
}

// WithLogger sets the logger.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.cfg.Logger = logger
	return b
}

// WithMetrics sets the metrics collectors.
func (b *Builder) WithMetrics(m *metrics.Metrics) *Builder {
	b.cfg.Metrics = m
	return b
}

// WithTimeouts sets the handshake and idle timeouts. Zero disables either.
func (b *Builder) WithTimeouts(handshake, idle time.Duration) *Builder {
	b.cfg.HandshakeTimeout = handshake
	b.cfg.IdleTimeout = idle
	return b
}

// Build returns the configured server without starting it.
func (b *Builder) Build() *tcp.Server {
	return tcp.New(b.cfg, b.auth)
}

// Start builds the server and runs it until ctx is cancelled.
func (b *Builder) Start(ctx context.Context) error {
	return b.Build().Listen(ctx)
}
