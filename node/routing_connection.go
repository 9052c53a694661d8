package node

import (
	"errors"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/wire"
	"github.com/sirupsen/logrus"
)

// ErrNoAddress is returned when a routing connection attempt has no
// address to dial.
var ErrNoAddress = errors.New("node: no known address")

// EstablishRoutingConnection opens the long-lived routing metadata
// connection to this peer via its best address and performs a
// LinkHandshake with purpose RoutingConnection. On failure it retries with
// exponential backoff starting at the configured short delay and capping at
// the configured max delay; after maxAttempts consecutive failures it gives
// up and notifies the delegate via OnNeighborLost. localID is sent as the
// handshake's own PeerId. Calling this while a connection attempt is
// already in flight is a no-op.
func (n *Node) EstablishRoutingConnection(localID peerid.PeerId) {
	n.mu.Lock()
	if n.retryStopChan != nil {
		n.mu.Unlock()
		return
	}
	n.retryStopChan = make(chan struct{})
	n.attempts = 0
	n.backoff = n.shortBackoff
	stop := n.retryStopChan
	n.mu.Unlock()

	go n.routingConnectLoop(localID, stop)
}

// StopRoutingConnection halts any in-flight connect/retry loop and closes
// the routing connection if one is up.
func (n *Node) StopRoutingConnection() {
	n.mu.Lock()
	if n.retryStopChan != nil {
		close(n.retryStopChan)
		n.retryStopChan = nil
	}
	conn := n.routingConn
	n.routingConn = nil
	n.routingUp = false
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (n *Node) routingConnectLoop(localID peerid.PeerId, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := n.attemptRoutingConnect(localID); err == nil {
			return
		}

		n.mu.Lock()
		n.attempts++
		giveUp := n.attempts >= n.maxAttempts
		delay := n.backoff
		n.backoff *= 2
		if n.backoff > n.maxBackoff {
			n.backoff = n.maxBackoff
		}
		n.mu.Unlock()

		if giveUp {
			logrus.WithFields(logrus.Fields{
				"component": "node.Node",
				"peer":      n.id.String(),
				"attempts":  n.attempts,
			}).Warn("giving up on routing connection after repeated failures")
			n.mu.Lock()
			n.retryStopChan = nil
			n.mu.Unlock()
			n.delegate.OnNeighborLost(n.id)
			return
		}

		select {
		case <-time.After(delay):
		case <-stop:
			return
		}
	}
}

// AdoptRoutingConnection installs an already-handshaken inbound connection
// as this peer's routing metadata connection, stopping any in-flight
// outbound retry loop. If a routing connection is already up, conn is
// closed instead: only one canonical routing connection is kept per
// neighbor, to avoid flooding the same traffic twice.
func (n *Node) AdoptRoutingConnection(conn meshnet.UnderlyingConnection) {
	n.mu.Lock()
	if n.routingUp {
		n.mu.Unlock()
		conn.Close()
		return
	}
	if n.retryStopChan != nil {
		close(n.retryStopChan)
		n.retryStopChan = nil
	}
	n.routingConn = conn
	n.routingUp = true
	n.attempts = 0
	n.backoff = n.shortBackoff
	onUp := n.onRoutingUp
	n.mu.Unlock()

	conn.OnClose(func(reason error) {
		n.mu.Lock()
		n.routingUp = false
		n.routingConn = nil
		n.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"component": "node.Node",
			"peer":      n.id.String(),
			"reason":    reason,
		}).Info("routing connection closed")
	})

	logrus.WithFields(logrus.Fields{
		"component": "node.Node",
		"peer":      n.id.String(),
	}).Info("adopted inbound routing connection")

	if onUp != nil {
		onUp(conn)
	}
}

func (n *Node) attemptRoutingConnect(localID peerid.PeerId) error {
	addr := n.BestAddress()
	if addr == nil {
		return ErrNoAddress
	}

	conn := addr.Dial()
	if err := conn.Connect(); err != nil {
		logrus.WithFields(logrus.Fields{
			"component": "node.Node",
			"peer":      n.id.String(),
			"address":   addr.String(),
			"error":     err,
		}).Debug("routing connection attempt failed")
		return err
	}

	handshake := wire.LinkHandshake{Peer: localID, Purpose: wire.PurposeRoutingConnection}
	body := wire.WithTag(wire.TagLinkHandshake, handshake.Marshal())
	if err := conn.Write(wire.Frame(body)); err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.routingConn = conn
	n.routingUp = true
	n.attempts = 0
	n.backoff = n.shortBackoff
	onUp := n.onRoutingUp
	n.mu.Unlock()

	if onUp != nil {
		onUp(conn)
	}

	conn.OnClose(func(reason error) {
		n.mu.Lock()
		n.routingUp = false
		n.routingConn = nil
		n.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"component": "node.Node",
			"peer":      n.id.String(),
			"reason":    reason,
		}).Info("routing connection closed")
	})

	logrus.WithFields(logrus.Fields{
		"component": "node.Node",
		"peer":      n.id.String(),
		"address":   addr.String(),
	}).Info("routing connection established")
	return nil
}
