package router

import (
	"fmt"
	"sync"

	"github.com/opd-ai/meshcore/meshconn"
	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/node"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
	"github.com/opd-ai/meshcore/wire"
)

// EstablishMulticast opens a connection to every peer in destinations,
// relaying through intermediate nodes as the routing table's hop tree
// requires, and returns a single composite connection only once every
// destination has confirmed the path.
func (r *Router) EstablishMulticast(destinations peerid.Set) (meshnet.UnderlyingConnection, error) {
	var tree *routing.Tree
	var err error
	r.sync(func() { tree, err = r.table.HopTree(destinations) })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoRoute, err)
	}
	if len(tree.Children) == 0 {
		return nil, fmt.Errorf("%w: destination set is empty", ErrNoRoute)
	}

	children, err := r.establishChildren(tree.Children, r.self, destinations.Slice())
	if err != nil {
		return nil, err
	}

	if err := r.collectAllConfirmations(children, destinations); err != nil {
		closeAll(children)
		return nil, err
	}

	composite := compositeOf(conns(children), -1)

	confirm := wire.RoutedConnectionEstablishedConfirmation{Source: r.self}
	body := wire.WithTag(wire.TagRoutedConnectionEstablishedConfirmation, confirm.Marshal())
	if err := composite.Write(wire.Frame(body)); err != nil {
		composite.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailure, err)
	}

	return composite, nil
}

// establishDirect opens a single-hop connection to peer and performs the
// initiating side of a LinkHandshake.
func (r *Router) establishDirect(peer peerid.PeerId, purpose byte) (meshnet.UnderlyingConnection, error) {
	var n *node.Node
	r.sync(func() { n = r.provideNode(peer) })

	addr := n.BestAddress()
	if addr == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAddress, peer)
	}

	conn := addr.Dial()
	if err := conn.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrHandshakeFailure, err)
	}

	hs := wire.LinkHandshake{Peer: r.self, Purpose: purpose}
	body := wire.WithTag(wire.TagLinkHandshake, hs.Marshal())
	if err := conn.Write(wire.Frame(body)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write LinkHandshake: %v", ErrHandshakeFailure, err)
	}

	return conn, nil
}

// childHandshake pairs a subtree branch with the connection established to
// its root, and that connection's frame reader for the confirmation-count
// phase that follows.
type childHandshake struct {
	subtree *routing.Tree
	conn    meshnet.UnderlyingConnection
	fr      *frameReader
}

// establishChildren opens a direct RoutedConnection to each child's root
// and sends it the MulticastHandshake carrying that child's subtree. If any
// child fails, every connection opened so far is closed and the error is
// returned with no partial result.
func (r *Router) establishChildren(subtrees []*routing.Tree, source peerid.PeerId, destinations []peerid.PeerId) ([]childHandshake, error) {
	results := make([]childHandshake, len(subtrees))
	errs := make([]error, len(subtrees))

	var wg sync.WaitGroup
	for i, child := range subtrees {
		i, child := i, child
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := r.establishDirect(child.Value, wire.PurposeRoutedConnection)
			if err != nil {
				errs[i] = err
				return
			}
			mh := wire.MulticastHandshake{Source: source, Destinations: destinations, Tree: child}
			body := wire.WithTag(wire.TagMulticastHandshake, mh.Marshal())
			if err := conn.Write(wire.Frame(body)); err != nil {
				conn.Close()
				errs[i] = fmt.Errorf("%w: write MulticastHandshake: %v", ErrHandshakeFailure, err)
				return
			}
			results[i] = childHandshake{subtree: child, conn: conn, fr: newFrameReader(conn)}
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			for j, ch := range results {
				if j != i && ch.conn != nil {
					ch.conn.Close()
				}
			}
			return nil, fmt.Errorf("%w: %v", ErrPartialMulticastFailure, err)
		}
	}

	return results, nil
}

// expectedConfirmations counts how many destinations lie within subtree,
// which is exactly how many RoutedConnectionEstablishedConfirmation frames
// should arrive on the connection to subtree's root.
func expectedConfirmations(subtree *routing.Tree, destinations peerid.Set) int {
	count := 0
	if destinations.Contains(subtree.Value) {
		count = 1
	}
	for _, child := range subtree.Children {
		count += expectedConfirmations(child, destinations)
	}
	return count
}

// collectChildConfirmations reads exactly expectedConfirmations(ch.subtree)
// frames from ch's connection, verifying each is a
// RoutedConnectionEstablishedConfirmation, and returns their raw tagged
// bodies so a relay can re-frame and forward them upstream unchanged.
func collectChildConfirmations(ch childHandshake, destinations peerid.Set) ([][]byte, error) {
	need := expectedConfirmations(ch.subtree, destinations)
	frames := make([][]byte, 0, need)
	for i := 0; i < need; i++ {
		frame, err := ch.fr.ReadOne()
		if err != nil {
			return nil, fmt.Errorf("%w: awaiting confirmation: %v", ErrPartialMulticastFailure, err)
		}
		tag, _, err := wire.TaggedBody(frame)
		if err != nil || tag != wire.TagRoutedConnectionEstablishedConfirmation {
			return nil, fmt.Errorf("%w: expected confirmation, got tag %v", ErrHandshakeFailure, tag)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// collectAllConfirmations runs collectChildConfirmations over every child
// concurrently.
func (r *Router) collectAllConfirmations(children []childHandshake, destinations peerid.Set) error {
	errs := make([]error, len(children))
	var wg sync.WaitGroup
	for i, ch := range children {
		i, ch := i, ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := collectChildConfirmations(ch, destinations); err != nil {
				errs[i] = err
			}
		}()
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func conns(children []childHandshake) []meshnet.UnderlyingConnection {
	out := make([]meshnet.UnderlyingConnection, len(children))
	for i, ch := range children {
		out[i] = ch.conn
	}
	return out
}

func closeAll(children []childHandshake) {
	for _, ch := range children {
		if ch.conn != nil {
			ch.conn.Close()
		}
	}
}

func compositeOf(conns []meshnet.UnderlyingConnection, relayIndex int) meshnet.UnderlyingConnection {
	if len(conns) == 1 {
		return conns[0]
	}
	return meshconn.NewMulticastConnection(conns, relayIndex)
}
