// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

// State is the lifecycle stage of a single proxied connection.
type State uint8

const (
	StateAccepted State = iota
	StateHandshaking
	StateHandshaken
	StateDialing
	StateDialed
	StateAuthenticating
	StateAuthorized
	StateDenied
	StateRelaying
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHandshaking:
		return "handshaking"
	case StateHandshaken:
		return "handshaken"
	case StateDialing:
		return "dialing"
	case StateDialed:
		return "dialed"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthorized:
		return "authorized"
	case StateDenied:
		return "denied"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
