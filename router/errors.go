package router

import "errors"

// Sentinel errors surfaced by connection establishment and link-state
// processing. Callers should use errors.Is against these, since all
// wrapping uses fmt.Errorf("%w: ...").
var (
	// ErrNoAddress means a peer has no known transport address to dial.
	ErrNoAddress = errors.New("router: no known address for peer")

	// ErrNoRoute means the routing table has no path to one or more
	// requested destinations.
	ErrNoRoute = errors.New("router: no route to one or more destinations")

	// ErrHandshakeFailure means an expected packet was missing, malformed,
	// or of the wrong type during an establishment step.
	ErrHandshakeFailure = errors.New("router: handshake failure")

	// ErrPartialMulticastFailure means at least one subconnection of a
	// multicast establishment could not be opened or confirmed.
	ErrPartialMulticastFailure = errors.New("router: partial multicast establishment failure")

	// ErrTransportClosed means an underlying connection closed while an
	// establishment was still in flight.
	ErrTransportClosed = errors.New("router: transport closed during establishment")
)
