package router

import (
	"github.com/opd-ai/meshcore/meshconn"
	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
	"github.com/opd-ai/meshcore/wire"
	"github.com/sirupsen/logrus"
)

// handleDirect is the responder side of an inbound raw connection: read one
// LinkHandshake, then dispatch on its purpose. It blocks on the first read
// and must run off the dispatch loop; only its continuations enqueue back
// onto it.
func (r *Router) handleDirect(conn meshnet.UnderlyingConnection) {
	fr := newFrameReader(conn)
	frame, err := fr.ReadOne()
	if err != nil {
		conn.Close()
		return
	}

	tag, rest, err := wire.TaggedBody(frame)
	if err != nil || tag != wire.TagLinkHandshake {
		logrus.WithFields(logrus.Fields{"component": "router.Router"}).Warn("closing connection: expected LinkHandshake")
		conn.Close()
		return
	}

	hs, err := wire.ParseLinkHandshake(rest)
	if err != nil {
		conn.Close()
		return
	}

	switch hs.Purpose {
	case wire.PurposeRoutingConnection:
		r.sync(func() {
			n := r.provideNode(hs.Peer)
			n.OnRoutingConnectionEstablished(func(c meshnet.UnderlyingConnection) {
				r.startRoutingConnectionReader(hs.Peer, c)
			})
			n.AdoptRoutingConnection(conn)
		})
	case wire.PurposeRoutedConnection:
		r.handleHop(hs.Peer, conn, fr)
	default:
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"peer":      hs.Peer.String(),
			"purpose":   hs.Purpose,
		}).Warn("closing connection: unknown LinkHandshake purpose")
		conn.Close()
	}
}

// handleHop is the responder side of a RoutedConnection: read the
// MulticastHandshake that follows the LinkHandshake, then either terminate
// locally or forward toward the subtree's children. It blocks on the
// second read and must run off the dispatch loop.
func (r *Router) handleHop(sender peerid.PeerId, conn meshnet.UnderlyingConnection, fr *frameReader) {
	frame, err := fr.ReadOne()
	if err != nil {
		conn.Close()
		return
	}

	tag, rest, err := wire.TaggedBody(frame)
	if err != nil || tag != wire.TagMulticastHandshake {
		conn.Close()
		return
	}

	mh, err := wire.ParseMulticastHandshake(rest)
	if err != nil {
		conn.Close()
		return
	}

	destinations := peerid.NewSet(mh.Destinations...)

	if mh.Tree.IsLeaf() {
		r.becomeTerminal(mh.Source, conn, fr)
		return
	}

	r.forward(mh.Source, destinations, mh.Tree, conn, fr)
}

// becomeTerminal is the terminal side of the establishment handshake: write
// a confirmation identifying this node, then read and discard exactly one
// confirmation from the initiator before delivering the connection.
func (r *Router) becomeTerminal(source peerid.PeerId, conn meshnet.UnderlyingConnection, fr *frameReader) {
	confirm := wire.RoutedConnectionEstablishedConfirmation{Source: r.self}
	body := wire.WithTag(wire.TagRoutedConnectionEstablishedConfirmation, confirm.Marshal())
	if err := conn.Write(wire.Frame(body)); err != nil {
		conn.Close()
		return
	}

	frame, err := fr.ReadOne()
	if err != nil {
		conn.Close()
		return
	}
	tag, rest, err := wire.TaggedBody(frame)
	if err != nil || tag != wire.TagRoutedConnectionEstablishedConfirmation {
		conn.Close()
		return
	}
	if _, err := wire.ParseRoutedConnectionEstablishedConfirmation(rest); err != nil {
		conn.Close()
		return
	}

	r.enqueue(func() { r.delegate.HandleConnection(source, conn) })
}

// forward is the relay side: open a direct RoutedConnection to every child
// of subtree, hand each its own branch, and collect exactly as many
// confirmations from each as it has destinations beneath it. Those
// confirmations (plus this node's own, if it is itself a destination) are
// relayed upstream onto incoming before incoming and the child connections
// are bundled into a ForkingConnection and retained.
//
// If this node is itself a destination, its own confirmation exchange with
// the initiator happens directly on incoming, before incoming is handed to
// the ForkingConnection: the composite's Write always targets outgoing, so
// a relay that is also a destination cannot use it to answer upstream.
func (r *Router) forward(source peerid.PeerId, destinations peerid.Set, subtree *routing.Tree, incoming meshnet.UnderlyingConnection, incomingFr *frameReader) {
	r.sync(func() { r.pendingForwarded[incoming] = struct{}{} })

	isDestination := destinations.Contains(r.self)

	children, err := r.establishChildren(subtree.Children, source, destinations.Slice())
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"source":    source.String(),
			"error":     err,
		}).Warn("aborting forward: could not establish children")
		incoming.Close()
		r.sync(func() { delete(r.pendingForwarded, incoming) })
		return
	}

	upstream := make([][]byte, 0, len(children))
	for _, ch := range children {
		frames, err := collectChildConfirmations(ch, destinations)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "router.Router",
				"source":    source.String(),
				"error":     err,
			}).Warn("aborting forward: child confirmation failure")
			closeAll(children)
			incoming.Close()
			r.sync(func() { delete(r.pendingForwarded, incoming) })
			return
		}
		upstream = append(upstream, frames...)
	}

	if isDestination {
		own := wire.RoutedConnectionEstablishedConfirmation{Source: r.self}
		upstream = append(upstream, wire.WithTag(wire.TagRoutedConnectionEstablishedConfirmation, own.Marshal()))
	}

	for _, frame := range upstream {
		if err := incoming.Write(wire.Frame(frame)); err != nil {
			closeAll(children)
			incoming.Close()
			r.sync(func() { delete(r.pendingForwarded, incoming) })
			return
		}
	}

	if isDestination {
		frame, err := incomingFr.ReadOne()
		if err != nil {
			closeAll(children)
			incoming.Close()
			r.sync(func() { delete(r.pendingForwarded, incoming) })
			return
		}
		tag, rest, err := wire.TaggedBody(frame)
		if err != nil || tag != wire.TagRoutedConnectionEstablishedConfirmation {
			closeAll(children)
			incoming.Close()
			r.sync(func() { delete(r.pendingForwarded, incoming) })
			return
		}
		if _, err := wire.ParseRoutedConnectionEstablishedConfirmation(rest); err != nil {
			closeAll(children)
			incoming.Close()
			r.sync(func() { delete(r.pendingForwarded, incoming) })
			return
		}
	}

	outgoing := compositeOf(conns(children), -1)

	var fc *meshconn.ForkingConnection
	fc = meshconn.NewForkingConnection(incoming, outgoing, func() {
		r.enqueue(func() { delete(r.forkingConnections, fc) })
	})

	r.sync(func() {
		r.forkingConnections[fc] = struct{}{}
		delete(r.pendingForwarded, incoming)
	})

	if isDestination {
		r.enqueue(func() { r.delegate.HandleConnection(source, fc) })
	}
}
