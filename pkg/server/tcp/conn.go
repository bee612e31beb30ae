// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	perrors "github.com/infinyon/flv-tls-proxy/pkg/errors"
	"github.com/infinyon/flv-tls-proxy/pkg/metrics"
	"github.com/infinyon/flv-tls-proxy/pkg/relay"
	"github.com/jpillora/sizestr"
	"golang.org/x/crypto/acme"
)

// session carries the per-connection metadata attached to every log event.
type session struct {
	id     string
	source string
	state  State
	logger *slog.Logger
}

func (s *session) transition(to State) {
	s.logger.Debug("connection state changed",
		slog.String("from", s.state.String()),
		slog.String("to", to.String()))
	s.state = to
}

// fail moves the session to StateFailed and returns err tagged with stage.
func (s *session) fail(stage perrors.Stage, err error) error {
	s.transition(StateFailed)
	return perrors.New(stage, s.id, s.source, err)
}

// handleConn takes one accepted connection through handshake, dial,
// authentication and relay. Every failure is logged here; the returned
// error only feeds metrics.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) error {
	sess := &session{
		id:     uuid.NewString(),
		source: raw.RemoteAddr().String(),
		state:  StateAccepted,
	}
	sess.logger = s.config.Logger.With(
		slog.String("session", sess.id),
		slog.String("source", sess.source))

	sess.transition(StateHandshaking)
	incoming, err := s.handshake(ctx, raw)
	if err != nil {
		sess.logger.Error("TLS handshake failed", slog.String("error", err.Error()))
		raw.Close()
		return sess.fail(perrors.StageHandshake, fmt.Errorf("%w: %w", perrors.ErrHandshake, err))
	}
	defer incoming.Close()
	sess.transition(StateHandshaken)

	if incoming.ConnectionState().NegotiatedProtocol == acme.ALPNProto {
		sess.logger.Info("ACME TLS-ALPN challenge served")
		sess.transition(StateClosed)
		return nil
	}

	sess.transition(StateDialing)
	outgoing, err := s.dialer.DialContext(ctx, "tcp", s.config.TargetAddress)
	if err != nil {
		sess.logger.Error("failed to dial backend",
			slog.String("target", s.config.TargetAddress),
			slog.String("error", err.Error()))
		return sess.fail(perrors.StageDial, fmt.Errorf("%w: %w", perrors.ErrDial, err))
	}
	defer outgoing.Close()
	sess.transition(StateDialed)

	sess.transition(StateAuthenticating)
	ok, err := s.auth.Authenticate(ctx, incoming, outgoing)
	switch {
	case err != nil:
		s.config.Metrics.AuthDecision(metrics.AuthError)
		sess.logger.Error("authentication error", slog.String("error", err.Error()))
		sess.transition(StateDenied)
		return perrors.New(perrors.StageAuthenticate, sess.id, sess.source, fmt.Errorf("%w: %w", perrors.ErrAuthentication, err))
	case !ok:
		s.config.Metrics.AuthDecision(metrics.AuthDeny)
		sess.logger.Info("connection denied")
		sess.transition(StateDenied)
		return perrors.New(perrors.StageAuthenticate, sess.id, sess.source, perrors.ErrDenied)
	}
	s.config.Metrics.AuthDecision(metrics.AuthAllow)
	sess.transition(StateAuthorized)

	sess.transition(StateRelaying)
	if err := s.relay(sess, incoming, outgoing); err != nil {
		return sess.fail(perrors.StageRelay, fmt.Errorf("%w: %w", perrors.ErrRelay, err))
	}
	sess.transition(StateClosed)

	return nil
}

func (s *Server) handshake(ctx context.Context, raw net.Conn) (*tls.Conn, error) {
	if s.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.HandshakeTimeout)
		defer cancel()
	}

	conn := tls.Server(raw, s.config.TLSConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// relay runs both directions concurrently and returns once both are done.
// Neither direction cancels the other.
func (s *Server) relay(sess *session, incoming *tls.Conn, outgoing net.Conn) error {
	target := s.config.TargetAddress

	var (
		wg             sync.WaitGroup
		upErr, downErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		upErr = s.pipe(sess, outgoing, incoming, sess.source+"->"+target, metrics.Upstream)
	}()
	go func() {
		defer wg.Done()
		downErr = s.pipe(sess, incoming, outgoing, target+"->"+sess.source, metrics.Downstream)
	}()
	wg.Wait()

	return errors.Join(upErr, downErr)
}

// pipe copies src into dst. After a clean end of input the write side of
// dst is shut down so the peer sees end of stream.
func (s *Server) pipe(sess *session, dst, src net.Conn, label, direction string) error {
	var r io.Reader = src
	if s.config.IdleTimeout > 0 {
		r = &idleReader{conn: src, timeout: s.config.IdleTimeout}
	}

	n, err := relay.CopyWithLogger(dst, r, label, sess.logger)
	if err != nil {
		sess.logger.Error("relay failed",
			slog.String("direction", label),
			slog.String("error", err.Error()))
		return perrors.Wrap(err, label)
	}

	s.config.Metrics.AddRelayedBytes(direction, n)
	sess.logger.Info("relay finished",
		slog.String("direction", label),
		slog.Uint64("bytes", n),
		slog.String("size", sizestr.ToString(int64(n))))

	if err := closeWrite(dst); err != nil {
		sess.logger.Debug("failed to close write side",
			slog.String("direction", label),
			slog.String("error", err.Error()))
	}
	return nil
}

type writeCloser interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) error {
	if wc, ok := c.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return nil
}

// idleReader pushes the read deadline forward before every read.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
