// Package meshnet defines the transport-facing interfaces the routing and
// connection-establishment core consumes, but never implements itself.
// Concrete transports (Bluetooth, Wi-Fi, TCP, ...) are external
// collaborators that implement these interfaces.
package meshnet

import (
	"github.com/opd-ai/meshcore/peerid"
)

// Address is an opaque, immutable transport endpoint descriptor.
//
// Lower Cost is better. Dial produces a fresh UnderlyingConnection to this
// endpoint; implementations decide what "fresh" means for their transport
// (a new TCP socket, a new Bluetooth RFCOMM channel, ...).
type Address interface {
	// Cost is the integer routing metric for reaching the peer over this
	// address. Lower is preferred.
	Cost() uint32

	// Dial produces a new, not-yet-connected UnderlyingConnection targeting
	// this endpoint.
	Dial() UnderlyingConnection

	// String identifies the address for logging and as the Node
	// best-address tie-break key.
	String() string
}

// UnderlyingConnection is a bidirectional byte-stream capability. It is not
// owned by the Router unless explicitly retained.
type UnderlyingConnection interface {
	// Connect establishes the underlying transport session. It must be
	// called before Write and before callbacks fire.
	Connect() error

	// Close tears down the connection. Idempotent.
	Close() error

	// Write sends bytes on the stream. No reordering within a connection.
	Write(b []byte) error

	// OnData registers the callback invoked for each inbound chunk, in
	// receive order. Replaces any previously registered callback.
	OnData(func(b []byte))

	// OnClose registers the callback invoked exactly once when the
	// connection closes, locally or remotely, with a human-readable reason.
	OnClose(func(reason error))
}

// PeerAddressHandler is invoked when a transport module discovers or loses a
// neighbor's address.
type PeerAddressHandler func(peer peerid.PeerId, addr Address)

// IncomingConnectionHandler is invoked when a transport module accepts an
// inbound raw connection, to be routed to the Router's handle_direct.
type IncomingConnectionHandler func(conn UnderlyingConnection)

// Module is the external transport abstraction: advertising, discovery, and
// inbound connection delivery for one transport substrate.
type Module interface {
	// StartAdvertising begins announcing local presence over this
	// substrate.
	StartAdvertising() error

	// StopAdvertising stops announcing local presence.
	StopAdvertising() error

	// StartDiscovery begins watching for neighbor addresses.
	StartDiscovery() error

	// StopDiscovery stops watching for neighbor addresses.
	StopDiscovery() error

	// OnAddressDiscovered registers the callback fired when a neighbor
	// address appears.
	OnAddressDiscovered(h PeerAddressHandler)

	// OnAddressLost registers the callback fired when a previously
	// discovered neighbor address disappears.
	OnAddressLost(h PeerAddressHandler)

	// OnIncomingConnection registers the callback fired when a raw
	// connection arrives on this substrate.
	OnIncomingConnection(h IncomingConnectionHandler)
}
