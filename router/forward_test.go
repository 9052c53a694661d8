package router

import (
	"testing"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
	"github.com/opd-ai/meshcore/simtransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardDelegate struct{}

func (discardDelegate) DidFindNode(peerid.PeerId)     {}
func (discardDelegate) DidLoseNode(peerid.PeerId)     {}
func (discardDelegate) DidImproveRoute(peerid.PeerId) {}
func (discardDelegate) HandleConnection(peerid.PeerId, meshnet.UnderlyingConnection) {}

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.LinkStateRegularInterval = 50 * time.Millisecond
	cfg.LinkStateShortInterval = 5 * time.Millisecond
	cfg.RoutingConnectionShortBackoff = 10 * time.Millisecond
	cfg.RoutingConnectionMaxBackoff = 50 * time.Millisecond
	return cfg
}

// TestForwardPartialFailureLeavesNoRetainedState drives a relay's forward
// path against a hand-built subtree with one reachable leaf and one leaf
// the relay has no address for, so establishChildren fails deterministically
// without waiting on any flooding/convergence timing. It asserts the
// retention contract from handleHop/forward: a failed forward must leave
// both pendingForwarded and forkingConnections empty, with no partial
// forwarding ever exposed to the delegate.
func TestForwardPartialFailureLeavesNoRetainedState(t *testing.T) {
	net := simtransport.NewNetwork()

	initiator := peerid.New()
	relay := peerid.New()
	good := peerid.New()
	bad := peerid.New() // never linked: relay has no address for it

	rGood := New(good, discardDelegate{}, fastTestConfig())
	rGood.AddModule(net.NewModule(good))
	rGood.Start()
	defer rGood.Stop()

	rRelay := New(relay, discardDelegate{}, fastTestConfig())
	rRelay.AddModule(net.NewModule(relay))
	rRelay.Start()
	defer rRelay.Stop()

	rInitiator := New(initiator, discardDelegate{}, fastTestConfig())
	rInitiator.AddModule(net.NewModule(initiator))
	rInitiator.Start()
	defer rInitiator.Stop()

	net.AddLink(initiator, relay, 1)
	net.AddLink(relay, good, 1)
	time.Sleep(100 * time.Millisecond) // let address discovery land on both dispatch loops

	destinations := peerid.NewSet(good, bad)
	subtree := []*routing.Tree{
		{
			Value: relay,
			Children: []*routing.Tree{
				{Value: good},
				{Value: bad},
			},
		},
	}

	children, err := rInitiator.establishChildren(subtree, initiator, destinations.Slice())
	require.NoError(t, err, "the direct hop to relay itself must succeed")

	err = rInitiator.collectAllConfirmations(children, destinations)
	require.Error(t, err, "relay's forward should fail on the unreachable leaf and close incoming")
	closeAll(children)

	require.Eventually(t, func() bool {
		var pending, forking int
		rRelay.sync(func() {
			pending = len(rRelay.pendingForwarded)
			forking = len(rRelay.forkingConnections)
		})
		return pending == 0 && forking == 0
	}, time.Second, 5*time.Millisecond, "relay must retain nothing after a partial forward failure")

	var pending, forking int
	rRelay.sync(func() {
		pending = len(rRelay.pendingForwarded)
		forking = len(rRelay.forkingConnections)
	})
	assert.Zero(t, pending)
	assert.Zero(t, forking)
}
