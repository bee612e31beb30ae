// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth provides the authentication hook consulted once per proxied
// connection.
//
// # Lifecycle
//
// The TCP server calls Authenticate after it has completed the TLS handshake
// with the client and dialed the backend, and before it starts relaying:
//
//	Client ─TLS─→ Server ─dial─→ Backend
//	                 ↓
//	           Authenticator.Authenticate(incoming, outgoing)
//	                 ↓
//	        allow → relay both directions
//	        deny  → close both streams, nothing relayed
//
// Only session metadata may be inspected. Reading or writing application
// bytes from inside Authenticate corrupts the relay that follows.
//
// # Implementations
//
//   - Null: allows everything; the default when nothing is configured
//   - Func: adapts a plain function
//   - AllowList: matches the verified client certificate against a set of
//     identities, optionally loaded from a YAML file
//   - All: combines authenticators, every one must allow
//
// # Example
//
//	allow, err := auth.LoadAllowList("/etc/flv-tls-proxy/allow.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	server := tcp.New(cfg, allow)
package auth
