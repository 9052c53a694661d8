// Package router implements the orchestration core: neighbor lifecycle,
// link-state broadcast and receipt, and the four interlocking handshake
// state machines that establish direct, hop, forwarding, and multicast
// connections.
package router

import (
	"sync"
	"time"

	"github.com/opd-ai/meshcore/flood"
	"github.com/opd-ai/meshcore/meshconn"
	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/node"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
	"github.com/opd-ai/meshcore/scheduler"
	"github.com/opd-ai/meshcore/wire"
)

// Delegate receives reachability and inbound-connection notifications.
type Delegate interface {
	// DidFindNode fires when a previously unreachable peer becomes
	// reachable.
	DidFindNode(peer peerid.PeerId)
	// DidLoseNode fires when a peer transitions to unreachable.
	DidLoseNode(peer peerid.PeerId)
	// DidImproveRoute fires when a still-reachable peer's cost strictly
	// decreases.
	DidImproveRoute(peer peerid.PeerId)
	// HandleConnection fires when an inbound multicast/routed connection
	// has completed its handshake to the local endpoint.
	HandleConnection(source peerid.PeerId, conn meshnet.UnderlyingConnection)
}

// Config bounds the Router's timing behavior.
type Config struct {
	// LinkStateRegularInterval is the periodic link-state broadcast cadence.
	LinkStateRegularInterval time.Duration
	// LinkStateShortInterval coalesces bursts of topology changes.
	LinkStateShortInterval time.Duration
	// RoutingConnectionShortBackoff is the starting backoff for a Node's
	// routing metadata connection retries.
	RoutingConnectionShortBackoff time.Duration
	// RoutingConnectionMaxBackoff caps that backoff.
	RoutingConnectionMaxBackoff time.Duration
	// RoutingConnectionMaxAttempts gives up and reports on_neighbor_lost
	// after this many consecutive failures.
	RoutingConnectionMaxAttempts int
}

// DefaultConfig returns reasonable cadences for interactive use.
func DefaultConfig() Config {
	return Config{
		LinkStateRegularInterval:     5 * time.Second,
		LinkStateShortInterval:       500 * time.Millisecond,
		RoutingConnectionShortBackoff: 500 * time.Millisecond,
		RoutingConnectionMaxBackoff:   5 * time.Second,
		RoutingConnectionMaxAttempts:  5,
	}
}

// Router is the orchestration core for one local node.
type Router struct {
	self     peerid.PeerId
	delegate Delegate
	cfg      Config

	events   chan func()
	stopOnce sync.Once
	stopChan chan struct{}

	nodes map[peerid.PeerId]*node.Node
	table *routing.Table
	flood *flood.Manager
	exec  *scheduler.RepeatedExecutor

	forkingConnections map[*meshconn.ForkingConnection]struct{}
	pendingForwarded   map[meshnet.UnderlyingConnection]struct{}

	modules []meshnet.Module
}

// New constructs a Router for self. Call AddModule for each transport
// module and Start to begin processing.
func New(self peerid.PeerId, delegate Delegate, cfg Config) *Router {
	r := &Router{
		self:                self,
		delegate:            delegate,
		cfg:                 cfg,
		events:              make(chan func(), 64),
		stopChan:            make(chan struct{}),
		nodes:               make(map[peerid.PeerId]*node.Node),
		table:               routing.NewTable(self),
		forkingConnections:  make(map[*meshconn.ForkingConnection]struct{}),
		pendingForwarded:    make(map[meshnet.UnderlyingConnection]struct{}),
	}

	r.flood = flood.NewManager(self, r.transmitToNeighbor, r.neighborIDs)
	r.flood.RegisterHandler(wire.TagLinkStatePacket, r.onLinkStatePacket)

	r.exec = scheduler.New(scheduler.Config{
		Regular: cfg.LinkStateRegularInterval,
		Short:   cfg.LinkStateShortInterval,
	}, r.broadcastLinkState)

	return r
}

// Start begins the dispatch loop and the link-state broadcast cadence.
func (r *Router) Start() {
	go r.dispatchLoop()
	r.exec.Start()
}

// Stop halts the dispatch loop and the broadcast cadence. Idempotent.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
	r.exec.Stop()
}

func (r *Router) dispatchLoop() {
	for {
		select {
		case fn := <-r.events:
			fn()
		case <-r.stopChan:
			return
		}
	}
}

// enqueue schedules fn to run on the dispatch loop, in order, without
// waiting for it to complete.
func (r *Router) enqueue(fn func()) {
	select {
	case r.events <- fn:
	case <-r.stopChan:
	}
}

// sync runs fn on the dispatch loop and blocks until it has completed, so
// that callers outside the loop can safely read or mutate shared state.
func (r *Router) sync(fn func()) {
	done := make(chan struct{})
	r.enqueue(func() {
		fn()
		close(done)
	})
	<-done
}

// AddModule wires a transport module's address and connection events into
// the dispatch loop. Call before Start.
func (r *Router) AddModule(m meshnet.Module) {
	r.modules = append(r.modules, m)
	m.OnAddressDiscovered(func(peer peerid.PeerId, addr meshnet.Address) {
		r.enqueue(func() { r.handleAddressDiscovered(peer, addr) })
	})
	m.OnAddressLost(func(peer peerid.PeerId, addr meshnet.Address) {
		r.enqueue(func() { r.handleAddressLost(peer, addr) })
	})
	m.OnIncomingConnection(func(conn meshnet.UnderlyingConnection) {
		// handleDirect blocks reading the first packet off conn; it must
		// never run on the dispatch loop itself.
		go r.handleDirect(conn)
	})
}

// provideNode returns the Node for peer, creating it (and registering it in
// the Router's node map) on first mention. Caller must be on the dispatch
// loop.
func (r *Router) provideNode(peer peerid.PeerId) *node.Node {
	if n, ok := r.nodes[peer]; ok {
		return n
	}
	n := node.New(peer, (*nodeDelegate)(r), node.Config{
		ShortBackoff: r.cfg.RoutingConnectionShortBackoff,
		MaxBackoff:   r.cfg.RoutingConnectionMaxBackoff,
		MaxAttempts:  r.cfg.RoutingConnectionMaxAttempts,
	}, nil)
	r.nodes[peer] = n
	return n
}

func (r *Router) handleAddressDiscovered(peer peerid.PeerId, addr meshnet.Address) {
	n := r.provideNode(peer)
	n.AddAddress(addr)
}

func (r *Router) handleAddressLost(peer peerid.PeerId, addr meshnet.Address) {
	n := r.provideNode(peer)
	n.RemoveAddress(addr)
}

func (r *Router) transmitToNeighbor(peer peerid.PeerId, body []byte) error {
	n, ok := r.nodes[peer]
	if !ok {
		return ErrNoAddress
	}
	conn := n.RoutingConnection()
	if conn == nil {
		return ErrNoAddress
	}
	return conn.Write(wire.Frame(body))
}

func (r *Router) neighborIDs() []peerid.PeerId {
	var out []peerid.PeerId
	for id, n := range r.nodes {
		if n.IsNeighbor() {
			out = append(out, id)
		}
	}
	return out
}
