package node

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	writes    [][]byte
	failOpen  bool
	onData    func([]byte)
	onClose   func(error)
}

func (c *fakeConn) Connect() error {
	if c.failOpen {
		return errors.New("dial failed")
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

func (c *fakeConn) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) OnData(f func([]byte)) { c.onData = f }
func (c *fakeConn) OnClose(f func(error)) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

type fakeAddr struct {
	name string
	cost uint32
	conn *fakeConn
}

func (a *fakeAddr) Cost() uint32                        { return a.cost }
func (a *fakeAddr) Dial() meshnet.UnderlyingConnection  { return a.conn }
func (a *fakeAddr) String() string                      { return a.name }

type fakeDelegate struct {
	mu       sync.Mutex
	reachable []peerid.PeerId
	lost      []peerid.PeerId
}

func (d *fakeDelegate) OnNeighborReachable(peer peerid.PeerId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reachable = append(d.reachable, peer)
}

func (d *fakeDelegate) OnNeighborLost(peer peerid.PeerId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lost = append(d.lost, peer)
}

func (d *fakeDelegate) lostCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.lost)
}

func newTestNode(delegate Delegate) *Node {
	return New(peerid.New(), delegate, Config{
		ShortBackoff: time.Millisecond,
		MaxBackoff:   4 * time.Millisecond,
		MaxAttempts:  3,
	}, nil)
}

func TestAddAddressFirstOneFiresReachable(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)

	a := &fakeAddr{name: "a", cost: 5, conn: &fakeConn{}}
	n.AddAddress(a)

	assert.True(t, n.IsNeighbor())
	require.Len(t, del.reachable, 1)
}

func TestBestAddressPicksLowestCost(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)

	a := &fakeAddr{name: "a", cost: 10, conn: &fakeConn{}}
	b := &fakeAddr{name: "b", cost: 3, conn: &fakeConn{}}
	n.AddAddress(a)
	n.AddAddress(b)

	assert.Equal(t, b, n.BestAddress())
}

func TestBestAddressTieBreaksByIdentity(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)

	a := &fakeAddr{name: "b-address", cost: 5, conn: &fakeConn{}}
	b := &fakeAddr{name: "a-address", cost: 5, conn: &fakeConn{}}
	n.AddAddress(a)
	n.AddAddress(b)

	assert.Equal(t, b, n.BestAddress())
}

func TestRemoveLastAddressFiresLost(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)

	a := &fakeAddr{name: "a", cost: 5, conn: &fakeConn{}}
	n.AddAddress(a)
	n.RemoveAddress(a)

	assert.False(t, n.IsNeighbor())
	require.Len(t, del.lost, 1)
}

func TestEstablishRoutingConnectionSuccess(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)
	conn := &fakeConn{}
	a := &fakeAddr{name: "a", cost: 1, conn: conn}
	n.AddAddress(a)

	n.EstablishRoutingConnection(peerid.New())

	require.Eventually(t, func() bool {
		return n.RoutingConnectionState().Connected
	}, time.Second, time.Millisecond)

	require.Len(t, conn.writes, 1)
}

func TestEstablishRoutingConnectionRetriesThenGivesUp(t *testing.T) {
	del := &fakeDelegate{}
	n := newTestNode(del)
	a := &fakeAddr{name: "a", cost: 1, conn: &fakeConn{failOpen: true}}
	n.AddAddress(a)

	n.EstablishRoutingConnection(peerid.New())

	require.Eventually(t, func() bool {
		return del.lostCount() == 1
	}, time.Second, time.Millisecond)

	assert.False(t, n.RoutingConnectionState().Connected)
}
