// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/infinyon/flv-tls-proxy/pkg/auth"
	perrors "github.com/infinyon/flv-tls-proxy/pkg/errors"
	"github.com/infinyon/flv-tls-proxy/pkg/metrics"
)

var (
	// ErrShutdownTimeout is returned by WaitTimeout when connections are
	// still being served after the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrMissingTLSConfig is returned by Listen when Config.TLSConfig is nil.
	ErrMissingTLSConfig = errors.New("missing TLS config")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the backend server address to proxy to (host:port)
	TargetAddress string

	// TLSConfig is used to terminate TLS on every accepted connection
	TLSConfig *tls.Config

	// KeepAlive is applied to accepted and dialed TCP connections
	KeepAlive net.KeepAliveConfig

	// HandshakeTimeout bounds the TLS handshake. Zero means no limit.
	HandshakeTimeout time.Duration

	// IdleTimeout fails a relay direction that has read nothing for this
	// long. Each direction is timed on its own: a client that only receives
	// loses its upstream direction after IdleTimeout while the downstream
	// keeps running. Zero means no limit.
	IdleTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional
	Metrics *metrics.Metrics
}

// Server accepts TLS connections and relays each one to a freshly dialed
// backend connection once the authenticator allows it.
type Server struct {
	config Config
	auth   auth.Authenticator
	dialer net.Dialer
	wg     sync.WaitGroup

	mu        sync.Mutex
	addr      net.Addr
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new TCP server. A nil authenticator allows every connection.
// The configuration is copied and never modified afterwards.
func New(cfg Config, a auth.Authenticator) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if a == nil {
		a = auth.Null{}
	}

	return &Server{
		config: cfg,
		auth:   a,
		dialer: net.Dialer{KeepAliveConfig: cfg.KeepAlive},
		ready:  make(chan struct{}),
	}
}

// Listen binds the configured address and accepts connections until ctx is
// cancelled or accepting fails.
//
// Every accepted connection is served on its own goroutine with a context
// that is not cancelled together with ctx: cancelling ctx only stops the
// accept loop. Listen then returns nil without waiting for the connections
// in flight; use Wait or WaitTimeout for that.
func (s *Server) Listen(ctx context.Context) error {
	if s.config.TLSConfig == nil {
		return fmt.Errorf("%w: %w", perrors.ErrBind, ErrMissingTLSConfig)
	}

	lc := net.ListenConfig{KeepAliveConfig: s.config.KeepAlive}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: failed to listen on %s: %w", perrors.ErrBind, s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })

	s.config.Logger.Info("TLS proxy started",
		slog.String("address", listener.Addr().String()),
		slog.String("target", s.config.TargetAddress))

	connCtx := context.WithoutCancel(ctx)

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.accept(ctx, connCtx, listener)
	}()

	select {
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing listener")
		if err := listener.Close(); err != nil {
			s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
		}
		<-acceptErr
		return nil
	case err := <-acceptErr:
		listener.Close()
		return err
	}
}

func (s *Server) accept(ctx, connCtx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
			return fmt.Errorf("%w: %w", perrors.ErrAccept, err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.config.Metrics.ObserveConnection(func() error {
				return s.handleConn(connCtx, conn)
			})
		}()
	}
}

// Addr returns the bound listener address, or nil before Listen has bound.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready returns a channel that is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Wait blocks until every connection accepted so far has been fully served.
// Call it after Listen has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// WaitTimeout is like Wait but gives up after timeout and returns
// ErrShutdownTimeout. Connections still in flight are left running.
func (s *Server) WaitTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}
