// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the TLS proxy.
//
// Errors raised while serving a single connection are wrapped in a ConnError
// that records the lifecycle stage that failed. They are logged and counted
// but never returned to the listener loop.
package errors

import (
	"errors"
	"fmt"
)

// Listener-level errors. These are fatal to the whole proxy.
var (
	// ErrBind indicates the listening socket could not be opened.
	ErrBind = errors.New("bind failed")

	// ErrAccept indicates the listener stopped producing connections.
	ErrAccept = errors.New("accept failed")
)

// Connection-level errors. These are local to one connection.
var (
	// ErrHandshake indicates the TLS handshake with the client failed.
	ErrHandshake = errors.New("tls handshake failed")

	// ErrDial indicates the backend could not be reached.
	ErrDial = errors.New("backend dial failed")

	// ErrAuthentication indicates the authenticator returned an error.
	ErrAuthentication = errors.New("authentication error")

	// ErrDenied indicates the authenticator rejected the connection.
	// A denial is a normal outcome and is logged at info level.
	ErrDenied = errors.New("authentication denied")

	// ErrRelay indicates a relay direction terminated with an I/O error.
	ErrRelay = errors.New("relay failed")
)

// Stage names the lifecycle step a connection error belongs to.
type Stage string

const (
	StageHandshake    Stage = "handshake"
	StageDial         Stage = "dial"
	StageAuthenticate Stage = "authenticate"
	StageRelay        Stage = "relay"
)

// ConnError wraps an error with connection context.
type ConnError struct {
	Stage     Stage  // Lifecycle stage that failed
	SessionID string // Session identifier
	Source    string // Client address
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Stage, e.SessionID, e.Source, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Source, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError. It returns nil when err is nil.
func New(stage Stage, sessionID, source string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Stage:     stage,
		SessionID: sessionID,
		Source:    source,
		Err:       err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// StageOf reports the stage recorded in err, or "" if err carries none.
func StageOf(err error) Stage {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Stage
	}
	return ""
}
