// Package node implements per-peer state: the known transport address set,
// best-address selection, and the long-lived routing metadata connection
// used to carry flooding traffic to that neighbor.
package node

import (
	"sync"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/sirupsen/logrus"
)

// TimeProvider abstracts the clock. A Node stores the one it is given, but
// the routing-connection retry backoff waits on the real clock
// (time.After) and does not consult it.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library clock.
type DefaultTimeProvider struct{}

// Now returns the current wall-clock time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Delegate receives lifecycle notifications from a Node as its address set
// and routing connection change. The Router implements this.
type Delegate interface {
	OnNeighborReachable(peer peerid.PeerId)
	OnNeighborLost(peer peerid.PeerId)
}

// RoutingConnectionState reports why a Node's routing metadata connection is
// or isn't currently up, for diagnostics beyond the bare OnNeighborLost
// callback.
type RoutingConnectionState struct {
	Connected bool
	Attempts  int
	Backoff   time.Duration
}

// Node holds all known state for one peer: addresses, the derived best
// address, and the routing metadata connection.
type Node struct {
	mu sync.Mutex

	id       peerid.PeerId
	delegate Delegate
	tp       TimeProvider

	addresses map[string]meshnet.Address // keyed by Address.String() for identity tie-break
	best      meshnet.Address

	routingConn    meshnet.UnderlyingConnection
	routingUp      bool
	attempts       int
	backoff        time.Duration
	shortBackoff   time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	retryStopChan  chan struct{}

	onRoutingUp func(meshnet.UnderlyingConnection)
}

// OnRoutingConnectionEstablished registers the callback invoked each time
// the routing metadata connection comes up (initial connect or reconnect
// after a drop).
func (n *Node) OnRoutingConnectionEstablished(f func(meshnet.UnderlyingConnection)) {
	n.mu.Lock()
	n.onRoutingUp = f
	n.mu.Unlock()
}

// Config bounds the routing-connection retry backoff.
type Config struct {
	ShortBackoff time.Duration
	MaxBackoff   time.Duration
	MaxAttempts  int
}

// New creates a Node for id with no addresses yet.
func New(id peerid.PeerId, delegate Delegate, cfg Config, tp TimeProvider) *Node {
	if tp == nil {
		tp = DefaultTimeProvider{}
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Node{
		id:           id,
		delegate:     delegate,
		tp:           tp,
		addresses:    make(map[string]meshnet.Address),
		shortBackoff: cfg.ShortBackoff,
		backoff:      cfg.ShortBackoff,
		maxBackoff:   cfg.MaxBackoff,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// ID returns the peer this Node represents.
func (n *Node) ID() peerid.PeerId { return n.id }

// AddAddress records a newly discovered address. If the node had no address
// before, the delegate's OnNeighborReachable fires.
func (n *Node) AddAddress(addr meshnet.Address) {
	n.mu.Lock()
	wasNeighbor := len(n.addresses) > 0
	n.addresses[addr.String()] = addr
	n.recomputeBest()
	becameNeighbor := !wasNeighbor && len(n.addresses) > 0
	n.mu.Unlock()

	if becameNeighbor {
		logrus.WithFields(logrus.Fields{
			"component": "node.Node",
			"peer":      n.id.String(),
			"address":   addr.String(),
		}).Info("peer became a neighbor")
		n.delegate.OnNeighborReachable(n.id)
	}
}

// RemoveAddress drops a previously known address. If no addresses remain,
// the delegate's OnNeighborLost fires.
func (n *Node) RemoveAddress(addr meshnet.Address) {
	n.mu.Lock()
	delete(n.addresses, addr.String())
	n.recomputeBest()
	lostNeighbor := len(n.addresses) == 0
	n.mu.Unlock()

	if lostNeighbor {
		logrus.WithFields(logrus.Fields{
			"component": "node.Node",
			"peer":      n.id.String(),
		}).Info("peer lost its last address")
		n.delegate.OnNeighborLost(n.id)
	}
}

// recomputeBest picks the minimum-cost address, tie-broken by Address
// identity (its String representation). Caller must hold n.mu.
func (n *Node) recomputeBest() {
	var best meshnet.Address
	for _, addr := range n.addresses {
		if best == nil {
			best = addr
			continue
		}
		if addr.Cost() < best.Cost() {
			best = addr
			continue
		}
		if addr.Cost() == best.Cost() && addr.String() < best.String() {
			best = addr
		}
	}
	n.best = best
}

// BestAddress returns the current best address, or nil if the node has
// none.
func (n *Node) BestAddress() meshnet.Address {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.best
}

// IsNeighbor reports whether the node currently has at least one address.
func (n *Node) IsNeighbor() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.addresses) > 0
}

// RoutingConnectionState reports diagnostic state of the routing metadata
// connection's retry loop.
func (n *Node) RoutingConnectionState() RoutingConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return RoutingConnectionState{
		Connected: n.routingUp,
		Attempts:  n.attempts,
		Backoff:   n.backoff,
	}
}

// RoutingConnection returns the current routing metadata connection, or nil
// if none is established.
func (n *Node) RoutingConnection() meshnet.UnderlyingConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.routingUp {
		return nil
	}
	return n.routingConn
}
