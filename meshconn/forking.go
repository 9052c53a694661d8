package meshconn

import (
	"sync"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/sirupsen/logrus"
)

// ForkingConnection wraps an (incoming, outgoing) pair at a relay node.
// Bytes arriving on incoming are both surfaced to the local endpoint and
// forwarded verbatim to outgoing; bytes arriving on outgoing are surfaced
// to the local endpoint only. Writes from the local endpoint go to
// outgoing. Closing either underlying connection closes the whole forking
// connection and invokes onClosed, which the Router uses to release
// retention.
type ForkingConnection struct {
	mu       sync.Mutex
	incoming meshnet.UnderlyingConnection
	outgoing meshnet.UnderlyingConnection
	closed   bool

	onData   func([]byte)
	onClose  func(error)
	onClosed func()
}

// NewForkingConnection wires incoming and outgoing together. onClosed is
// invoked exactly once, on first close from either side, after local
// teardown; it is the Router's retention-release hook, distinct from the
// public OnClose a caller may separately register.
func NewForkingConnection(incoming, outgoing meshnet.UnderlyingConnection, onClosed func()) *ForkingConnection {
	f := &ForkingConnection{incoming: incoming, outgoing: outgoing, onClosed: onClosed}

	incoming.OnData(func(b []byte) {
		f.mu.Lock()
		h := f.onData
		f.mu.Unlock()
		if h != nil {
			h(b)
		}
		if err := outgoing.Write(b); err != nil {
			logrus.WithFields(logrus.Fields{
				"component": "meshconn.ForkingConnection",
				"error":     err,
			}).Warn("failed to relay bytes from incoming to outgoing")
		}
	})
	outgoing.OnData(func(b []byte) {
		f.mu.Lock()
		h := f.onData
		f.mu.Unlock()
		if h != nil {
			h(b)
		}
	})
	incoming.OnClose(func(reason error) { f.handleUnderlyingClose(reason) })
	outgoing.OnClose(func(reason error) { f.handleUnderlyingClose(reason) })

	return f
}

// Connect is a no-op: both underlying connections are expected to already
// be connected.
func (f *ForkingConnection) Connect() error { return nil }

// Write sends bytes from the local endpoint to outgoing.
func (f *ForkingConnection) Write(b []byte) error {
	return f.outgoing.Write(b)
}

// Close tears down both underlying connections, then invokes the OnClose
// handler and onClosed. Idempotent.
func (f *ForkingConnection) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	cb := f.onClose
	onClosed := f.onClosed
	f.mu.Unlock()

	err1 := f.incoming.Close()
	err2 := f.outgoing.Close()
	if cb != nil {
		cb(nil)
	}
	if onClosed != nil {
		onClosed()
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// OnData registers the local endpoint's handler for bytes arriving on
// either underlying connection.
func (f *ForkingConnection) OnData(h func([]byte)) {
	f.mu.Lock()
	f.onData = h
	f.mu.Unlock()
}

// OnClose registers the local endpoint's close handler.
func (f *ForkingConnection) OnClose(h func(error)) {
	f.mu.Lock()
	f.onClose = h
	f.mu.Unlock()
}

func (f *ForkingConnection) handleUnderlyingClose(reason error) {
	f.mu.Lock()
	alreadyClosed := f.closed
	f.closed = true
	cb := f.onClose
	onClosed := f.onClosed
	f.mu.Unlock()

	if alreadyClosed {
		return
	}

	f.incoming.Close()
	f.outgoing.Close()

	logrus.WithFields(logrus.Fields{
		"component": "meshconn.ForkingConnection",
		"reason":    reason,
	}).Info("forking connection closed")

	if cb != nil {
		cb(reason)
	}
	if onClosed != nil {
		onClosed()
	}
}
