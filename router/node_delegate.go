package router

import (
	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
)

// nodeDelegate adapts Router to node.Delegate without exposing Router's
// full method set to the node package. It shares Router's memory layout so
// a *Router can be reinterpreted as a *nodeDelegate with no allocation.
type nodeDelegate Router

func (nd *nodeDelegate) OnNeighborReachable(peer peerid.PeerId) {
	r := (*Router)(nd)
	r.enqueue(func() { r.onNeighborReachable(peer) })
}

func (nd *nodeDelegate) OnNeighborLost(peer peerid.PeerId) {
	r := (*Router)(nd)
	r.enqueue(func() { r.onNeighborLost(peer) })
}

// onNeighborReachable runs on the dispatch loop: installs the local edge to
// peer in the routing table, starts its routing metadata connection, and
// coalesces a link-state re-broadcast.
func (r *Router) onNeighborReachable(peer peerid.PeerId) {
	n := r.provideNode(peer)
	addr := n.BestAddress()
	if addr == nil {
		return
	}

	n.OnRoutingConnectionEstablished(func(conn meshnet.UnderlyingConnection) {
		r.startRoutingConnectionReader(peer, conn)
	})

	change := r.table.NeighborUpdate(peer, addr.Cost())
	r.applyChange(change)
	r.exec.TriggerShort()

	n.EstablishRoutingConnection(r.self)
}

// onNeighborLost runs on the dispatch loop: removes the local edge to peer.
func (r *Router) onNeighborLost(peer peerid.PeerId) {
	change := r.table.NeighborRemoval(peer)
	r.applyChange(change)
	r.exec.TriggerShort()
}

// applyChange notifies the delegate exactly once per affected peer, per
// the RoutingTableChange contract.
func (r *Router) applyChange(change routing.Change) {
	for _, entry := range change.NowReachable {
		r.delegate.DidFindNode(entry.Peer)
	}
	for _, peer := range change.NowUnreachable {
		r.delegate.DidLoseNode(peer)
	}
	for _, entry := range change.RouteChanged {
		if entry.NewCost < entry.OldCost {
			r.delegate.DidImproveRoute(entry.Peer)
		}
	}
}
