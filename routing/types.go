package routing

import "github.com/opd-ai/meshcore/peerid"

// NeighborCost pairs a peer with the advertised cost of reaching it directly.
type NeighborCost struct {
	Peer peerid.PeerId
	Cost uint32
}

// ReachableEntry describes a peer's current reachability: the next hop to
// take and the total path cost.
type ReachableEntry struct {
	Peer    peerid.PeerId
	NextHop peerid.PeerId
	Cost    uint32
}

// RouteChangeEntry describes a peer whose route changed without a
// reachability transition (still reachable, different next hop or cost).
type RouteChangeEntry struct {
	Peer    peerid.PeerId
	NextHop peerid.PeerId
	OldCost uint32
	NewCost uint32
}

// Change is the three disjoint-set delta produced by every Table mutation:
// peers newly reachable, peers newly unreachable, and peers that stayed
// reachable but whose next hop or cost changed. A peer appears in at most
// one of the three sets.
type Change struct {
	NowReachable   []ReachableEntry
	NowUnreachable []peerid.PeerId
	RouteChanged   []RouteChangeEntry
}

// Empty reports whether this change carries no transitions at all.
func (c Change) Empty() bool {
	return len(c.NowReachable) == 0 && len(c.NowUnreachable) == 0 && len(c.RouteChanged) == 0
}

// Tree is a rooted multi-way tree of PeerIds used as a next-hop plan for
// routed and multicast connections. Children are ordered only to make
// serialization deterministic.
type Tree struct {
	Value    peerid.PeerId
	Children []*Tree
}

// IsLeaf reports whether this node has no descendants: either a terminal
// destination or the local node when no forwarding is needed.
func (t *Tree) IsLeaf() bool {
	return t == nil || len(t.Children) == 0
}
