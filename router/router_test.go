package router_test

import (
	"testing"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/router"
	"github.com/opd-ai/meshcore/simtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDelegate captures every callback invocation for assertions,
// along with channels a test can block on for a specific peer.
type recordingDelegate struct {
	found      chan peerid.PeerId
	lost       chan peerid.PeerId
	improved   chan peerid.PeerId
	connection chan meshnet.UnderlyingConnection
	source     chan peerid.PeerId
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		found:      make(chan peerid.PeerId, 16),
		lost:       make(chan peerid.PeerId, 16),
		improved:   make(chan peerid.PeerId, 16),
		connection: make(chan meshnet.UnderlyingConnection, 16),
		source:     make(chan peerid.PeerId, 16),
	}
}

func (d *recordingDelegate) DidFindNode(peer peerid.PeerId)     { d.found <- peer }
func (d *recordingDelegate) DidLoseNode(peer peerid.PeerId)     { d.lost <- peer }
func (d *recordingDelegate) DidImproveRoute(peer peerid.PeerId) { d.improved <- peer }
func (d *recordingDelegate) HandleConnection(source peerid.PeerId, conn meshnet.UnderlyingConnection) {
	d.source <- source
	d.connection <- conn
}

func requirePeer(t *testing.T, ch chan peerid.PeerId, want peerid.PeerId) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delegate callback")
	}
}

func fastConfig() router.Config {
	cfg := router.DefaultConfig()
	cfg.LinkStateRegularInterval = 50 * time.Millisecond
	cfg.LinkStateShortInterval = 5 * time.Millisecond
	cfg.RoutingConnectionShortBackoff = 10 * time.Millisecond
	cfg.RoutingConnectionMaxBackoff = 50 * time.Millisecond
	return cfg
}

// line builds three routers A-B-C, each over its own simtransport module
// on a shared network, and links A-B and B-C.
func line(t *testing.T) (net *simtransport.Network, a, b, c peerid.PeerId, ra, rb, rc *router.Router, da, db, dc *recordingDelegate) {
	t.Helper()
	net = simtransport.NewNetwork()
	a, b, c = peerid.New(), peerid.New(), peerid.New()

	da, db, dc = newRecordingDelegate(), newRecordingDelegate(), newRecordingDelegate()
	ra = router.New(a, da, fastConfig())
	rb = router.New(b, db, fastConfig())
	rc = router.New(c, dc, fastConfig())

	ra.AddModule(net.NewModule(a))
	rb.AddModule(net.NewModule(b))
	rc.AddModule(net.NewModule(c))

	ra.Start()
	rb.Start()
	rc.Start()
	t.Cleanup(func() {
		ra.Stop()
		rb.Stop()
		rc.Stop()
	})

	net.AddLink(a, b, 1)
	net.AddLink(b, c, 1)

	requirePeer(t, da.found, b)
	requirePeer(t, db.found, a)
	requirePeer(t, db.found, c)
	requirePeer(t, dc.found, b)

	return
}

func TestThreeNodeLineConvergesAndRelaysConnection(t *testing.T) {
	_, a, _, c, ra, _, _, da, _, dc := line(t)

	// A learns about C only via B's flooded link-state; wait for it.
	requirePeer(t, da.found, c)

	conn, err := ra.EstablishMulticast(peerid.NewSet(c))
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	requirePeer(t, dc.source, a)

	var destConn meshnet.UnderlyingConnection
	select {
	case destConn = <-dc.connection:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for C's delegate to receive the relayed connection")
	}

	received := make(chan []byte, 1)
	destConn.OnData(func(b []byte) { received <- b })

	require.NoError(t, conn.Write([]byte("hello")))
	select {
	case got := <-received:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for relayed data to reach C")
	}
}

func TestNoRouteWhenDestinationUnknown(t *testing.T) {
	net := simtransport.NewNetwork()
	a := peerid.New()
	unknown := peerid.New()

	da := newRecordingDelegate()
	ra := router.New(a, da, fastConfig())
	ra.AddModule(net.NewModule(a))
	ra.Start()
	defer ra.Stop()

	conn, err := ra.EstablishMulticast(peerid.NewSet(unknown))
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, router.ErrNoRoute)
}

func TestMulticastToTwoDirectNeighbors(t *testing.T) {
	net := simtransport.NewNetwork()
	a, b, c := peerid.New(), peerid.New(), peerid.New()

	da, db, dc := newRecordingDelegate(), newRecordingDelegate(), newRecordingDelegate()
	ra := router.New(a, da, fastConfig())
	rb := router.New(b, db, fastConfig())
	rc := router.New(c, dc, fastConfig())

	ra.AddModule(net.NewModule(a))
	rb.AddModule(net.NewModule(b))
	rc.AddModule(net.NewModule(c))

	ra.Start()
	rb.Start()
	rc.Start()
	defer ra.Stop()
	defer rb.Stop()
	defer rc.Stop()

	net.AddLink(a, b, 1)
	net.AddLink(a, c, 1)

	requirePeer(t, da.found, b)
	requirePeer(t, da.found, c)

	conn, err := ra.EstablishMulticast(peerid.NewSet(b, c))
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()

	requirePeer(t, db.source, a)
	requirePeer(t, dc.source, a)

	var bConn, cConn meshnet.UnderlyingConnection
	select {
	case bConn = <-db.connection:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B's delegate to receive the connection")
	}
	select {
	case cConn = <-dc.connection:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for C's delegate to receive the connection")
	}

	bReceived := make(chan []byte, 1)
	cReceived := make(chan []byte, 1)
	bConn.OnData(func(b []byte) { bReceived <- b })
	cConn.OnData(func(b []byte) { cReceived <- b })

	require.NoError(t, conn.Write([]byte("hello")))

	select {
	case got := <-bReceived:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for multicast data to reach B")
	}
	select {
	case got := <-cReceived:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for multicast data to reach C")
	}
}

func TestRingConvergenceAndEdgeRemoval(t *testing.T) {
	net := simtransport.NewNetwork()
	a, b, c, d := peerid.New(), peerid.New(), peerid.New(), peerid.New()

	da, db, dc, dd := newRecordingDelegate(), newRecordingDelegate(), newRecordingDelegate(), newRecordingDelegate()
	ra := router.New(a, da, fastConfig())
	rb := router.New(b, db, fastConfig())
	rc := router.New(c, dc, fastConfig())
	rd := router.New(d, dd, fastConfig())

	ra.AddModule(net.NewModule(a))
	rb.AddModule(net.NewModule(b))
	rc.AddModule(net.NewModule(c))
	rd.AddModule(net.NewModule(d))

	ra.Start()
	rb.Start()
	rc.Start()
	rd.Start()
	defer ra.Stop()
	defer rb.Stop()
	defer rc.Stop()
	defer rd.Stop()

	net.AddLink(a, b, 1)
	net.AddLink(b, c, 1)
	net.AddLink(c, d, 1)
	net.AddLink(d, a, 1)

	// A finds its direct neighbors first, then c via flooded link state.
	requirePeer(t, da.found, b)
	requirePeer(t, da.found, d)
	requirePeer(t, da.found, c)

	net.RemoveLink(d, a, 1)
	time.Sleep(200 * time.Millisecond)

	conn, err := ra.EstablishMulticast(peerid.NewSet(c))
	require.NoError(t, err)
	require.NotNil(t, conn)
	defer conn.Close()
}
