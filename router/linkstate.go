package router

import (
	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/wire"
	"github.com/sirupsen/logrus"
)

// startRoutingConnectionReader spawns a background reader that frames raw
// bytes off a neighbor's routing metadata connection and hands each frame
// to the dispatch loop in arrival order.
func (r *Router) startRoutingConnectionReader(peer peerid.PeerId, conn meshnet.UnderlyingConnection) {
	fr := newFrameReader(conn)
	go func() {
		for {
			frame, err := fr.ReadOne()
			if err != nil {
				return
			}
			frame := frame
			r.enqueue(func() { r.handleRoutingFrame(peer, frame) })
		}
	}()
}

// handleRoutingFrame runs on the dispatch loop. Routing metadata
// connections only ever carry flooded traffic.
func (r *Router) handleRoutingFrame(sender peerid.PeerId, frame []byte) {
	tag, rest, err := wire.TaggedBody(frame)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"sender":    sender.String(),
			"error":     err,
		}).Warn("dropped malformed routing-connection frame")
		return
	}
	if tag != wire.TagFloodingEnvelope {
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"sender":    sender.String(),
			"tag":       tag,
		}).Warn("dropped unexpected tag on routing connection")
		return
	}

	env, err := wire.ParseFloodingEnvelope(rest)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"sender":    sender.String(),
			"error":     err,
		}).Warn("dropped malformed flooding envelope")
		return
	}

	r.flood.Receive(sender, env)
}

// broadcastLinkState is the Repeated Executor's action: assemble the local
// neighbor-cost list and flood it.
func (r *Router) broadcastLinkState() {
	r.enqueue(func() {
		pkt := wire.LinkStatePacket{PeerID: r.self, Neighbors: r.table.LinkStateInformation()}
		r.flood.Flood(wire.TagLinkStatePacket, pkt.Marshal())
	})
}

// onLinkStatePacket is the flood manager's handler for TagLinkStatePacket.
// It always runs on the dispatch loop, since flood.Manager.Receive is only
// ever invoked from handleRoutingFrame, which is already serialized through
// enqueue.
func (r *Router) onLinkStatePacket(origin peerid.PeerId, seq uint32, body []byte) {
	pkt, err := wire.ParseLinkStatePacket(body)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "router.Router",
			"origin":    origin.String(),
			"error":     err,
		}).Warn("ignoring malformed link-state packet")
		return
	}

	change := r.table.LinkStateUpdate(pkt.PeerID, pkt.Neighbors)
	r.applyChange(change)
	if !change.Empty() {
		r.exec.TriggerShort()
	}
}
