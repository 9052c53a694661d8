package wire

import (
	"testing"

	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSplitFramesRoundTrip(t *testing.T) {
	a := []byte("hello")
	b := []byte("world!")

	buf := append(Frame(a), Frame(b)...)
	frames, rest := SplitFrames(buf)

	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Empty(t, rest)
}

func TestSplitFramesPartialTrailer(t *testing.T) {
	buf := append(Frame([]byte("ok")), []byte{0x00}...)
	frames, rest := SplitFrames(buf)

	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x00}, rest)
}

func TestLinkHandshakeRoundTrip(t *testing.T) {
	h := LinkHandshake{Peer: peerid.New(), Purpose: PurposeRoutingConnection}
	got, err := ParseLinkHandshake(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestParseLinkHandshakeTooShort(t *testing.T) {
	_, err := ParseLinkHandshake([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRoutedConnectionEstablishedConfirmationRoundTrip(t *testing.T) {
	c := RoutedConnectionEstablishedConfirmation{Source: peerid.New()}
	got, err := ParseRoutedConnectionEstablishedConfirmation(c.Marshal())
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestLinkStatePacketRoundTrip(t *testing.T) {
	p := LinkStatePacket{
		PeerID: peerid.New(),
		Neighbors: []routing.NeighborCost{
			{Peer: peerid.New(), Cost: 3},
			{Peer: peerid.New(), Cost: 9000},
		},
	}
	got, err := ParseLinkStatePacket(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestLinkStatePacketEmptyNeighbors(t *testing.T) {
	p := LinkStatePacket{PeerID: peerid.New()}
	got, err := ParseLinkStatePacket(p.Marshal())
	require.NoError(t, err)
	assert.Equal(t, p.PeerID, got.PeerID)
	assert.Empty(t, got.Neighbors)
}

func TestFloodingEnvelopeRoundTrip(t *testing.T) {
	e := FloodingEnvelope{
		Origin:    peerid.New(),
		Sequence:  42,
		InnerTag:  TagLinkStatePacket,
		InnerBody: []byte{1, 2, 3, 4},
	}
	got, err := ParseFloodingEnvelope(e.Marshal())
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestTreeRoundTrip(t *testing.T) {
	root := &routing.Tree{
		Value: peerid.New(),
		Children: []*routing.Tree{
			{Value: peerid.New()},
			{Value: peerid.New(), Children: []*routing.Tree{{Value: peerid.New()}}},
		},
	}

	encoded := MarshalTree(root)
	got, n, err := ParseTree(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, root, got)
}

func TestMulticastHandshakeRoundTrip(t *testing.T) {
	dest1 := peerid.New()
	dest2 := peerid.New()
	h := MulticastHandshake{
		Source:       peerid.New(),
		Destinations: []peerid.PeerId{dest1, dest2},
		Tree: &routing.Tree{
			Value: peerid.New(),
			Children: []*routing.Tree{
				{Value: dest1},
				{Value: dest2},
			},
		},
	}

	got, err := ParseMulticastHandshake(h.Marshal())
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestTaggedBodyAndWithTag(t *testing.T) {
	body := []byte{9, 9, 9}
	tagged := WithTag(TagFloodingEnvelope, body)

	tag, rest, err := TaggedBody(tagged)
	require.NoError(t, err)
	assert.Equal(t, TagFloodingEnvelope, tag)
	assert.Equal(t, body, rest)
}
