// Command meshdemo wires three simulated nodes in a line (A-B-C) and
// prints the reachability and connection events the Router delegate
// receives, including a multi-hop connection established end to end.
package main

import (
	"fmt"
	"time"

	"github.com/opd-ai/meshcore/meshnet"
	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/router"
	"github.com/opd-ai/meshcore/simtransport"
)

type demoDelegate struct {
	name string
}

func (d *demoDelegate) DidFindNode(peer peerid.PeerId) {
	fmt.Printf("[%s] found node %s\n", d.name, peer.String()[:8])
}

func (d *demoDelegate) DidLoseNode(peer peerid.PeerId) {
	fmt.Printf("[%s] lost node %s\n", d.name, peer.String()[:8])
}

func (d *demoDelegate) DidImproveRoute(peer peerid.PeerId) {
	fmt.Printf("[%s] improved route to %s\n", d.name, peer.String()[:8])
}

func (d *demoDelegate) HandleConnection(source peerid.PeerId, conn meshnet.UnderlyingConnection) {
	fmt.Printf("[%s] inbound connection from %s\n", d.name, source.String()[:8])
}

func main() {
	net := simtransport.NewNetwork()

	a, b, c := peerid.New(), peerid.New(), peerid.New()

	routers := map[peerid.PeerId]*router.Router{
		a: router.New(a, &demoDelegate{name: "A"}, router.DefaultConfig()),
		b: router.New(b, &demoDelegate{name: "B"}, router.DefaultConfig()),
		c: router.New(c, &demoDelegate{name: "C"}, router.DefaultConfig()),
	}

	for id, r := range routers {
		r.AddModule(net.NewModule(id))
		r.Start()
		defer r.Stop()
		_ = id
	}

	fmt.Println("linking A-B and B-C")
	net.AddLink(a, b, 1)
	net.AddLink(b, c, 1)

	time.Sleep(500 * time.Millisecond)

	destinations := peerid.NewSet(c)
	conn, err := routers[a].EstablishMulticast(destinations)
	if err != nil {
		fmt.Printf("A failed to reach C: %v\n", err)
		return
	}
	fmt.Println("A established a routed connection to C through B")
	_ = conn.Close()
}
