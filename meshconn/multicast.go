// Package meshconn implements the connection composites used to present a
// multi-hop route as a single UnderlyingConnection: MulticastConnection
// fans a write out to N subconnections, and ForkingConnection relays bytes
// while also surfacing them to a local endpoint.
package meshconn

import (
	"sync"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MulticastConnection aggregates N subconnections opened for one
// establish_multicast call. Write fans out to every subconnection and only
// completes once every subconnection has accepted (or one has failed, in
// which case the whole write fails). It is outbound-aggregating only:
// incoming data is never merged across subconnections. If relayIndex
// designates a sub acting as this node's own endpoint traffic, data
// received on it is surfaced through OnData.
type MulticastConnection struct {
	mu      sync.Mutex
	subs    []meshnet.UnderlyingConnection
	relay   int // index into subs surfaced via OnData, or -1
	closed  bool

	onData  func([]byte)
	onClose func(error)
}

// NewMulticastConnection wraps subs as one composite connection. relayIndex
// selects which subconnection's inbound data is surfaced as this
// connection's own; pass -1 if this composite is write-only.
func NewMulticastConnection(subs []meshnet.UnderlyingConnection, relayIndex int) *MulticastConnection {
	m := &MulticastConnection{subs: subs, relay: relayIndex}

	for i, sub := range subs {
		i := i
		sub.OnClose(func(reason error) {
			m.handleSubClose(i, reason)
		})
		if i == relayIndex {
			sub.OnData(func(b []byte) {
				m.mu.Lock()
				h := m.onData
				m.mu.Unlock()
				if h != nil {
					h(b)
				}
			})
		}
	}

	return m
}

// Connect is a no-op: every subconnection is expected to already be
// connected and confirmed before the composite is built.
func (m *MulticastConnection) Connect() error { return nil }

// Write sends bytes to every subconnection concurrently, failing if any one
// of them fails.
func (m *MulticastConnection) Write(b []byte) error {
	var g errgroup.Group
	for _, sub := range m.subs {
		sub := sub
		g.Go(func() error {
			return sub.Write(b)
		})
	}
	return g.Wait()
}

// Close closes every subconnection concurrently, then invokes the OnClose
// callback. Idempotent.
func (m *MulticastConnection) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cb := m.onClose
	m.mu.Unlock()

	var g errgroup.Group
	for _, sub := range m.subs {
		sub := sub
		g.Go(func() error {
			return sub.Close()
		})
	}
	err := g.Wait()
	if cb != nil {
		cb(nil)
	}
	return err
}

// OnData registers the callback for data arriving on the relaying
// subconnection, if one was designated.
func (m *MulticastConnection) OnData(f func([]byte)) {
	m.mu.Lock()
	m.onData = f
	m.mu.Unlock()
}

// OnClose registers the callback invoked once when the composite closes:
// on a local Close, or when any subconnection closes, at which point the
// whole composite is considered closed.
func (m *MulticastConnection) OnClose(f func(error)) {
	m.mu.Lock()
	m.onClose = f
	m.mu.Unlock()
}

func (m *MulticastConnection) handleSubClose(index int, reason error) {
	m.mu.Lock()
	alreadyClosed := m.closed
	m.closed = true
	cb := m.onClose
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"component": "meshconn.MulticastConnection",
		"subIndex":  index,
		"reason":    reason,
	}).Info("multicast subconnection closed")

	if alreadyClosed {
		return
	}

	// A peer's subconnection dropped out from under an established
	// multicast: tear the rest down and surface failure once.
	for i, sub := range m.subs {
		if i != index {
			sub.Close()
		}
	}
	if cb != nil {
		cb(reason)
	}
}
