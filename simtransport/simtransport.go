// Package simtransport implements an in-memory meshnet.Module for tests and
// demos: a shared Network hub wires Modules together with configurable
// per-link cost, with no real sockets involved.
package simtransport

import (
	"errors"
	"sync"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/sirupsen/logrus"
)

// ErrPeerOffline is returned by Conn.Connect when the target peer has no
// Module registered on the Network (links are not checked), and by
// Conn.Write on a closed or never-connected Conn.
var ErrPeerOffline = errors.New("simtransport: peer not reachable")

// DeliveryRecord captures one Write for test verification.
type DeliveryRecord struct {
	From       peerid.PeerId
	To         peerid.PeerId
	PacketSize int
	Success    bool
}

// Network is the shared hub a set of Modules are registered against. It
// holds no topology of its own; AddLink directly tells each side's Module
// about the other's presence, mirroring what a real discovery protocol
// would do.
type Network struct {
	mu      sync.Mutex
	modules map[peerid.PeerId]*Module
	log     []DeliveryRecord
}

// NewNetwork creates an empty simulated network.
func NewNetwork() *Network {
	return &Network{modules: make(map[peerid.PeerId]*Module)}
}

// NewModule creates and registers a Module for id on this network.
func (net *Network) NewModule(id peerid.PeerId) *Module {
	m := &Module{id: id, net: net}
	net.mu.Lock()
	net.modules[id] = m
	net.mu.Unlock()
	return m
}

// AddLink announces a to b and b to a as neighbors at the given cost,
// simulating two nodes coming within range of each other.
func (net *Network) AddLink(a, b peerid.PeerId, cost uint32) {
	net.mu.Lock()
	ma, ok1 := net.modules[a]
	mb, ok2 := net.modules[b]
	net.mu.Unlock()
	if !ok1 || !ok2 {
		return
	}

	ma.announce(b, &Address{peer: b, owner: a, cost: cost, net: net})
	mb.announce(a, &Address{peer: a, owner: b, cost: cost, net: net})
}

// RemoveLink withdraws a and b's addresses for each other, simulating the
// two nodes moving out of range.
func (net *Network) RemoveLink(a, b peerid.PeerId, cost uint32) {
	net.mu.Lock()
	ma, ok1 := net.modules[a]
	mb, ok2 := net.modules[b]
	net.mu.Unlock()
	if !ok1 || !ok2 {
		return
	}

	ma.withdraw(b, &Address{peer: b, owner: a, cost: cost, net: net})
	mb.withdraw(a, &Address{peer: a, owner: b, cost: cost, net: net})
}

// DeliveryLog returns a copy of every Write recorded so far, for test
// verification.
func (net *Network) DeliveryLog() []DeliveryRecord {
	net.mu.Lock()
	defer net.mu.Unlock()
	out := make([]DeliveryRecord, len(net.log))
	copy(out, net.log)
	return out
}

func (net *Network) record(rec DeliveryRecord) {
	net.mu.Lock()
	net.log = append(net.log, rec)
	net.mu.Unlock()
}

func (net *Network) moduleFor(id peerid.PeerId) (*Module, bool) {
	net.mu.Lock()
	defer net.mu.Unlock()
	m, ok := net.modules[id]
	return m, ok
}

// Module is one node's in-memory transport endpoint.
type Module struct {
	id  peerid.PeerId
	net *Network

	mu           sync.Mutex
	onDiscovered meshnet.PeerAddressHandler
	onLost       meshnet.PeerAddressHandler
	onIncoming   meshnet.IncomingConnectionHandler
}

// StartAdvertising is a no-op: AddLink is how peers learn of each other in
// simulation.
func (m *Module) StartAdvertising() error { return nil }

// StopAdvertising is a no-op.
func (m *Module) StopAdvertising() error { return nil }

// StartDiscovery is a no-op.
func (m *Module) StartDiscovery() error { return nil }

// StopDiscovery is a no-op.
func (m *Module) StopDiscovery() error { return nil }

// OnAddressDiscovered registers h.
func (m *Module) OnAddressDiscovered(h meshnet.PeerAddressHandler) {
	m.mu.Lock()
	m.onDiscovered = h
	m.mu.Unlock()
}

// OnAddressLost registers h.
func (m *Module) OnAddressLost(h meshnet.PeerAddressHandler) {
	m.mu.Lock()
	m.onLost = h
	m.mu.Unlock()
}

// OnIncomingConnection registers h.
func (m *Module) OnIncomingConnection(h meshnet.IncomingConnectionHandler) {
	m.mu.Lock()
	m.onIncoming = h
	m.mu.Unlock()
}

func (m *Module) announce(peer peerid.PeerId, addr meshnet.Address) {
	m.mu.Lock()
	h := m.onDiscovered
	m.mu.Unlock()
	if h != nil {
		h(peer, addr)
	}
}

func (m *Module) withdraw(peer peerid.PeerId, addr meshnet.Address) {
	m.mu.Lock()
	h := m.onLost
	m.mu.Unlock()
	if h != nil {
		h(peer, addr)
	}
}

func (m *Module) deliverIncoming(conn meshnet.UnderlyingConnection) {
	m.mu.Lock()
	h := m.onIncoming
	m.mu.Unlock()
	if h != nil {
		h(conn)
	}
}

// Address is a simulated transport endpoint: a peer identity plus a cost,
// resolved back to a live Module through the owning Network at Dial time.
type Address struct {
	peer  peerid.PeerId
	owner peerid.PeerId
	cost  uint32
	net   *Network
}

// Cost returns the configured link cost.
func (a *Address) Cost() uint32 { return a.cost }

// String identifies the address for logging and best-address tie-break.
func (a *Address) String() string { return "sim://" + a.peer.String() }

// Dial creates a fresh connected pair: the returned Conn is the caller's
// end, and the peer's Module receives the other end via
// OnIncomingConnection once Connect is called.
func (a *Address) Dial() meshnet.UnderlyingConnection {
	return &Conn{remote: a.peer, local: a.owner, net: a.net}
}

// Conn is one end of an in-memory connection pair.
type Conn struct {
	remote peerid.PeerId
	local  peerid.PeerId
	net    *Network

	mu      sync.Mutex
	peer    *Conn
	closed  bool
	onData  func([]byte)
	onClose func(error)
}

// Connect finds the remote Module and hands it the peer end of a fresh
// pair, as if a transport-level session had just been accepted.
func (c *Conn) Connect() error {
	m, ok := c.net.moduleFor(c.remote)
	if !ok {
		return ErrPeerOffline
	}

	peerConn := &Conn{remote: c.local, local: c.remote, net: c.net}
	c.mu.Lock()
	c.peer = peerConn
	c.mu.Unlock()
	peerConn.mu.Lock()
	peerConn.peer = c
	peerConn.mu.Unlock()

	m.deliverIncoming(peerConn)
	return nil
}

// Write delivers b to the peer's OnData handler and records it in the
// owning Network's delivery log.
func (c *Conn) Write(b []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrPeerOffline
	}
	peer := c.peer
	c.mu.Unlock()

	if peer == nil {
		return ErrPeerOffline
	}

	peer.mu.Lock()
	h := peer.onData
	peer.mu.Unlock()

	success := h != nil
	if success {
		cp := append([]byte(nil), b...)
		h(cp)
	}

	c.net.record(DeliveryRecord{From: c.local, To: c.remote, PacketSize: len(b), Success: success})
	logrus.WithFields(logrus.Fields{
		"component": "simtransport.Conn",
		"to":        c.remote.String(),
		"bytes":     len(b),
	}).Debug("delivered simulated packet")
	return nil
}

// Close tears down both ends of the pair. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	peer := c.peer
	cb := c.onClose
	c.mu.Unlock()

	if cb != nil {
		cb(nil)
	}
	if peer != nil {
		peer.closeFromPeer()
	}
	return nil
}

func (c *Conn) closeFromPeer() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(errors.New("simtransport: peer closed connection"))
	}
}

// OnData registers h.
func (c *Conn) OnData(h func([]byte)) {
	c.mu.Lock()
	c.onData = h
	c.mu.Unlock()
}

// OnClose registers h.
func (c *Conn) OnClose(h func(error)) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}
