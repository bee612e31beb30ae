// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TLS-terminating relay server.
//
// # Overview
//
// The server accepts TCP connections, completes a TLS handshake with each
// client, dials the configured backend in plain TCP, asks an
// auth.Authenticator whether the pair may be relayed and then copies bytes in
// both directions until both directions finish.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TLS─→ │  Server │ ←─TCP─→ │ Backend │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	                  ┌───────────────┐
//	                  │ Authenticator │
//	                  └───────────────┘
//
// # Connection Flow
//
// Each connection moves through the states below on its own goroutine:
//
//	Accepted → Handshaking → Handshaken → Dialing → Dialed →
//	Authenticating → Authorized → Relaying → Closed
//
// A failed handshake or dial ends in Failed without contacting the
// authenticator; a denial ends in Denied and no byte is relayed. The
// backend is dialed exactly once per accepted connection.
//
// # Bidirectional Streaming
//
// Two goroutines run relay.Copy, one per direction, labelled
// "<source>-><target>" and "<target>-><source>". When a direction reaches
// end of input cleanly, the write side of its destination is shut down so
// the peer observes end of stream. An error in one direction is logged and
// does not stop the other. Both streams are closed once both directions are
// done.
//
// # Shutdown
//
// Cancelling the context passed to Listen closes the listener and makes
// Listen return nil. Connections already accepted keep running to
// completion; Wait and WaitTimeout let callers give them a grace period:
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//
//	server := tcp.New(cfg, authenticator)
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//	if err := server.WaitTimeout(30 * time.Second); err != nil {
//		log.Print(err)
//	}
//
// # Configuration
//
//   - Address: listen address (e.g. ":9443")
//   - TargetAddress: backend address (e.g. "127.0.0.1:9092")
//   - TLSConfig: server certificate and optional client verification
//   - KeepAlive: TCP keep-alive for both streams
//   - HandshakeTimeout, IdleTimeout: disabled when zero
//   - Logger, Metrics: optional
package tcp
