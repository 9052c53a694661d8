package routing

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/opd-ai/meshcore/peerid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrNoRoute is returned by HopTree when one or more destinations have no
// known path from the local node.
var ErrNoRoute = errors.New("routing: no route to destination")

// Table maintains the weighted directed graph of the mesh and recomputes
// shortest paths from the local node on every mutation.
//
// The graph itself is stored in a gonum WeightedDirectedGraph; the Dijkstra
// traversal is hand-rolled over that graph so ties between equal-cost
// shortest paths can be broken by lexicographic next-hop PeerId, which
// gonum's own path.DijkstraFrom does not expose as a customization point.
type Table struct {
	mu sync.RWMutex

	self   peerid.PeerId
	selfID int64

	g      *simple.WeightedDirectedGraph
	ids    map[peerid.PeerId]int64
	rev    map[int64]peerid.PeerId
	nextID int64

	reach   map[peerid.PeerId]ReachableEntry // last computed reachability, for diffing
	lastRes dijkstraResult                   // last Dijkstra run, for HopTree path reconstruction
}

// NewTable creates a routing table for the given local node.
func NewTable(self peerid.PeerId) *Table {
	t := &Table{
		self:  self,
		g:     simple.NewWeightedDirectedGraph(0, math.Inf(1)),
		ids:   make(map[peerid.PeerId]int64),
		rev:   make(map[int64]peerid.PeerId),
		reach: make(map[peerid.PeerId]ReachableEntry),
	}
	t.selfID = t.idFor(self)
	return t
}

// idFor returns the gonum node ID for peer, registering it (and adding the
// vertex to the graph) if this is the first time it's been mentioned.
// Caller must hold t.mu.
func (t *Table) idFor(peer peerid.PeerId) int64 {
	if id, ok := t.ids[peer]; ok {
		return id
	}
	id := t.nextID
	t.nextID++
	t.ids[peer] = id
	t.rev[id] = peer
	t.g.AddNode(simple.Node(id))
	return id
}

// NeighborUpdate sets the local node's edge to peer to cost, creating the
// edge if absent, and recomputes shortest paths.
func (t *Table) NeighborUpdate(peer peerid.PeerId, cost uint32) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	pid := t.idFor(peer)
	edge := t.g.NewWeightedEdge(simple.Node(t.selfID), simple.Node(pid), float64(cost))
	t.g.SetWeightedEdge(edge)

	logrus.WithFields(logrus.Fields{
		"component": "routing.Table",
		"peer":      peer.String(),
		"cost":      cost,
	}).Debug("neighbor edge updated")

	return t.recompute()
}

// NeighborRemoval removes the local node's edge to peer and recomputes.
func (t *Table) NeighborRemoval(peer peerid.PeerId) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pid, ok := t.ids[peer]; ok && t.g.HasEdgeFromTo(t.selfID, pid) {
		t.g.RemoveEdge(t.selfID, pid)
	}

	logrus.WithFields(logrus.Fields{
		"component": "routing.Table",
		"peer":      peer.String(),
	}).Debug("neighbor edge removed")

	return t.recompute()
}

// LinkStateUpdate replaces origin's entire outgoing edge set with neighbors
// and recomputes. An invalid update (e.g. origin equal to the local node)
// is logged and swallowed rather than returned as an error.
func (t *Table) LinkStateUpdate(origin peerid.PeerId, neighbors []NeighborCost) Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	if origin == t.self {
		logrus.WithFields(logrus.Fields{
			"component": "routing.Table",
		}).Warn("ignoring link-state update claiming to originate from self")
		return Change{}
	}

	oid := t.idFor(origin)

	// Replace origin's outgoing edge set: drop everything currently
	// outgoing from origin, then add the advertised set.
	toDrop := make([]int64, 0)
	it := t.g.From(oid)
	for it.Next() {
		toDrop = append(toDrop, it.Node().ID())
	}
	for _, vid := range toDrop {
		t.g.RemoveEdge(oid, vid)
	}

	for _, nc := range neighbors {
		vid := t.idFor(nc.Peer)
		edge := t.g.NewWeightedEdge(simple.Node(oid), simple.Node(vid), float64(nc.Cost))
		t.g.SetWeightedEdge(edge)
	}

	logrus.WithFields(logrus.Fields{
		"component": "routing.Table",
		"origin":    origin.String(),
		"neighbors": len(neighbors),
	}).Debug("link-state update applied")

	return t.recompute()
}

// LinkStateInformation returns the local node's current neighbor-cost list,
// suitable for flooding as a LinkStatePacket.
func (t *Table) LinkStateInformation() []NeighborCost {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NeighborCost, 0)
	it := t.g.From(t.selfID)
	for it.Next() {
		vid := it.Node().ID()
		w, _ := t.g.Weight(t.selfID, vid)
		out = append(out, NeighborCost{Peer: t.rev[vid], Cost: uint32(w)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer.Less(out[j].Peer) })
	return out
}

// Snapshot returns a read-only copy of the current reachability map
// (peer -> next hop, cost). This is a supplemental diagnostic helper, not
// part of the normative mutation API.
func (t *Table) Snapshot() map[peerid.PeerId]ReachableEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[peerid.PeerId]ReachableEntry, len(t.reach))
	for k, v := range t.reach {
		out[k] = v
	}
	return out
}

// dijkstraResult holds, per vertex, the shortest distance from self, the
// immediate predecessor on that shortest path, and the first hop taken out
// of self (used for next-hop tie-breaking and reporting).
type dijkstraResult struct {
	dist     map[int64]float64
	prev     map[int64]int64
	firstHop map[int64]int64 // -1 for self
}

type pqItem struct {
	id   int64
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].dist < pq[j].dist
}
func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x any)   { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// dijkstra runs single-source shortest paths from self over g, breaking
// ties between equal-cost relaxations by the lexicographic PeerId of the
// candidate's first hop out of self.
func (t *Table) dijkstra() dijkstraResult {
	res := dijkstraResult{
		dist:     map[int64]float64{t.selfID: 0},
		prev:     map[int64]int64{},
		firstHop: map[int64]int64{t.selfID: -1},
	}

	finalized := make(map[int64]bool)
	pq := &priorityQueue{{id: t.selfID, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if finalized[cur.id] {
			continue
		}
		// Stale entry: a better distance was already recorded.
		if d, ok := res.dist[cur.id]; ok && cur.dist > d {
			continue
		}
		finalized[cur.id] = true

		it := t.g.From(cur.id)
		for it.Next() {
			v := it.Node().ID()
			if finalized[v] {
				continue
			}
			w, ok := t.g.Weight(cur.id, v)
			if !ok {
				continue
			}
			newDist := res.dist[cur.id] + w

			var newFirstHop int64
			if cur.id == t.selfID {
				newFirstHop = v
			} else {
				newFirstHop = res.firstHop[cur.id]
			}

			oldDist, known := res.dist[v]
			better := !known || newDist < oldDist
			tie := known && newDist == oldDist && t.rev[newFirstHop].Less(t.rev[res.firstHop[v]])

			if better || tie {
				res.dist[v] = newDist
				res.prev[v] = cur.id
				res.firstHop[v] = newFirstHop
				heap.Push(pq, pqItem{id: v, dist: newDist})
			}
		}
	}

	return res
}

// recompute re-runs Dijkstra, derives the new reachability map, diffs it
// against the previously stored one, stores the new map, and returns the
// resulting Change. Caller must hold t.mu.
func (t *Table) recompute() Change {
	res := t.dijkstra()
	t.lastRes = res

	newReach := make(map[peerid.PeerId]ReachableEntry)
	for id, peer := range t.rev {
		if id == t.selfID {
			continue
		}
		dist, ok := res.dist[id]
		if !ok || math.IsInf(dist, 1) {
			continue
		}
		fh, ok := res.firstHop[id]
		if !ok {
			continue
		}
		newReach[peer] = ReachableEntry{
			Peer:    peer,
			NextHop: t.rev[fh],
			Cost:    uint32(dist),
		}
	}

	change := diff(t.reach, newReach)
	t.reach = newReach
	return change
}

// HopTree builds a single rooted tree, rooted at the local node, whose
// branches carry every path needed to reach each of destinations. It fails
// with ErrNoRoute if any destination is currently unreachable.
func (t *Table) HopTree(destinations peerid.Set) (*Tree, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := &Tree{Value: t.self}
	if len(destinations) == 0 {
		return root, nil
	}

	for _, dest := range destinations.Slice() {
		did, ok := t.ids[dest]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, dest)
		}
		path, ok := t.pathTo(did)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoRoute, dest)
		}
		mergePath(root, path)
	}

	sortTree(root)
	return root, nil
}

// pathTo reconstructs the sequence of hops from self (exclusive) to vid
// (inclusive) by walking t.lastRes.prev backward, then reversing. Returns
// false if vid is unreached by the last Dijkstra run.
func (t *Table) pathTo(vid int64) ([]peerid.PeerId, bool) {
	if vid == t.selfID {
		return nil, true
	}
	if _, ok := t.lastRes.dist[vid]; !ok {
		return nil, false
	}

	var reversed []peerid.PeerId
	cur := vid
	for cur != t.selfID {
		reversed = append(reversed, t.rev[cur])
		prev, ok := t.lastRes.prev[cur]
		if !ok {
			return nil, false
		}
		cur = prev
	}

	path := make([]peerid.PeerId, len(reversed))
	for i, p := range reversed {
		path[len(reversed)-1-i] = p
	}
	return path, true
}

// mergePath grafts path onto root, sharing any common prefix with branches
// already present.
func mergePath(root *Tree, path []peerid.PeerId) {
	cur := root
	for _, hop := range path {
		var next *Tree
		for _, child := range cur.Children {
			if child.Value == hop {
				next = child
				break
			}
		}
		if next == nil {
			next = &Tree{Value: hop}
			cur.Children = append(cur.Children, next)
		}
		cur = next
	}
}

// sortTree orders every node's children by PeerId so that serialization of
// an equivalent tree is always byte-identical.
func sortTree(node *Tree) {
	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Value.Less(node.Children[j].Value)
	})
	for _, child := range node.Children {
		sortTree(child)
	}
}

func diff(old, new map[peerid.PeerId]ReachableEntry) Change {
	var c Change
	for peer, ne := range new {
		oe, existed := old[peer]
		if !existed {
			c.NowReachable = append(c.NowReachable, ne)
			continue
		}
		if oe.NextHop != ne.NextHop || oe.Cost != ne.Cost {
			c.RouteChanged = append(c.RouteChanged, RouteChangeEntry{
				Peer:    peer,
				NextHop: ne.NextHop,
				OldCost: oe.Cost,
				NewCost: ne.Cost,
			})
		}
	}
	for peer := range old {
		if _, stillReachable := new[peer]; !stillReachable {
			c.NowUnreachable = append(c.NowUnreachable, peer)
		}
	}

	sort.Slice(c.NowReachable, func(i, j int) bool { return c.NowReachable[i].Peer.Less(c.NowReachable[j].Peer) })
	sort.Slice(c.RouteChanged, func(i, j int) bool { return c.RouteChanged[i].Peer.Less(c.RouteChanged[j].Peer) })
	sort.Slice(c.NowUnreachable, func(i, j int) bool { return c.NowUnreachable[i].Less(c.NowUnreachable[j]) })

	return c
}
