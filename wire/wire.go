// Package wire implements the binary packet framing and serialization
// format shared by the routing and connection-establishment core: a
// 16-bit big-endian length prefix followed by a 16-bit type tag and a
// tag-specific body.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
)

// Packet type tags.
const (
	TagLinkHandshake                            uint16 = 0x01
	TagMulticastHandshake                       uint16 = 0x02
	TagRoutedConnectionEstablishedConfirmation  uint16 = 0x03
	TagLinkStatePacket                          uint16 = 0x10
	TagFloodingEnvelope                         uint16 = 0x20
)

// LinkHandshake purposes.
const (
	PurposeRoutingConnection byte = 1
	PurposeRoutedConnection  byte = 2
)

// ErrMalformed is returned when a packet body is too short or otherwise
// inconsistent with its declared shape.
var ErrMalformed = errors.New("wire: malformed packet")

// Frame prefixes body with its own 16-bit big-endian length.
func Frame(body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}

// SplitFrames consumes as many complete length-prefixed frames as buf
// contains, returning the frame bodies and the unconsumed remainder. It
// never blocks or errors on a partial trailing frame: the caller is
// expected to feed more bytes from subsequent reads.
func SplitFrames(buf []byte) (frames [][]byte, rest []byte) {
	for len(buf) >= 2 {
		n := int(binary.BigEndian.Uint16(buf))
		if len(buf) < 2+n {
			break
		}
		frames = append(frames, buf[2:2+n])
		buf = buf[2+n:]
	}
	return frames, buf
}

// TaggedBody reads the leading 16-bit tag off body and returns it along
// with the remaining bytes.
func TaggedBody(body []byte) (tag uint16, rest []byte, err error) {
	if len(body) < 2 {
		return 0, nil, fmt.Errorf("%w: body shorter than tag", ErrMalformed)
	}
	return binary.BigEndian.Uint16(body), body[2:], nil
}

// WithTag prepends tag to body.
func WithTag(tag uint16, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, tag)
	copy(out[2:], body)
	return out
}

func putPeerID(dst []byte, id peerid.PeerId) {
	copy(dst, id.Bytes())
}

func readPeerID(src []byte) (peerid.PeerId, error) {
	if len(src) < 16 {
		return peerid.Nil, fmt.Errorf("%w: short PeerId", ErrMalformed)
	}
	return peerid.FromBytes(src[:16])
}

// LinkHandshake is PeerId(16) || purpose(u8).
type LinkHandshake struct {
	Peer    peerid.PeerId
	Purpose byte
}

func (h LinkHandshake) Marshal() []byte {
	out := make([]byte, 17)
	putPeerID(out, h.Peer)
	out[16] = h.Purpose
	return out
}

func ParseLinkHandshake(b []byte) (LinkHandshake, error) {
	if len(b) < 17 {
		return LinkHandshake{}, fmt.Errorf("%w: LinkHandshake too short", ErrMalformed)
	}
	peer, err := readPeerID(b)
	if err != nil {
		return LinkHandshake{}, err
	}
	return LinkHandshake{Peer: peer, Purpose: b[16]}, nil
}

// RoutedConnectionEstablishedConfirmation is PeerId(16).
type RoutedConnectionEstablishedConfirmation struct {
	Source peerid.PeerId
}

func (c RoutedConnectionEstablishedConfirmation) Marshal() []byte {
	out := make([]byte, 16)
	putPeerID(out, c.Source)
	return out
}

func ParseRoutedConnectionEstablishedConfirmation(b []byte) (RoutedConnectionEstablishedConfirmation, error) {
	peer, err := readPeerID(b)
	if err != nil {
		return RoutedConnectionEstablishedConfirmation{}, err
	}
	return RoutedConnectionEstablishedConfirmation{Source: peer}, nil
}

// LinkStatePacket is peer_id PeerId(16) || u16 count || (PeerId(16), cost i32)×N.
type LinkStatePacket struct {
	PeerID    peerid.PeerId
	Neighbors []routing.NeighborCost
}

func (p LinkStatePacket) Marshal() []byte {
	out := make([]byte, 16+2+len(p.Neighbors)*20)
	putPeerID(out, p.PeerID)
	binary.BigEndian.PutUint16(out[16:18], uint16(len(p.Neighbors)))
	off := 18
	for _, n := range p.Neighbors {
		putPeerID(out[off:], n.Peer)
		binary.BigEndian.PutUint32(out[off+16:off+20], n.Cost)
		off += 20
	}
	return out
}

func ParseLinkStatePacket(b []byte) (LinkStatePacket, error) {
	if len(b) < 18 {
		return LinkStatePacket{}, fmt.Errorf("%w: LinkStatePacket header too short", ErrMalformed)
	}
	peer, err := readPeerID(b)
	if err != nil {
		return LinkStatePacket{}, err
	}
	count := int(binary.BigEndian.Uint16(b[16:18]))
	off := 18
	neighbors := make([]routing.NeighborCost, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < off+20 {
			return LinkStatePacket{}, fmt.Errorf("%w: LinkStatePacket truncated neighbor list", ErrMalformed)
		}
		np, err := readPeerID(b[off:])
		if err != nil {
			return LinkStatePacket{}, err
		}
		cost := binary.BigEndian.Uint32(b[off+16 : off+20])
		neighbors = append(neighbors, routing.NeighborCost{Peer: np, Cost: cost})
		off += 20
	}
	return LinkStatePacket{PeerID: peer, Neighbors: neighbors}, nil
}

// FloodingEnvelope is origin PeerId(16) || u32 sequence || inner tag+body.
type FloodingEnvelope struct {
	Origin    peerid.PeerId
	Sequence  uint32
	InnerTag  uint16
	InnerBody []byte
}

func (e FloodingEnvelope) Marshal() []byte {
	out := make([]byte, 16+4+2+len(e.InnerBody))
	putPeerID(out, e.Origin)
	binary.BigEndian.PutUint32(out[16:20], e.Sequence)
	binary.BigEndian.PutUint16(out[20:22], e.InnerTag)
	copy(out[22:], e.InnerBody)
	return out
}

func ParseFloodingEnvelope(b []byte) (FloodingEnvelope, error) {
	if len(b) < 22 {
		return FloodingEnvelope{}, fmt.Errorf("%w: FloodingEnvelope too short", ErrMalformed)
	}
	origin, err := readPeerID(b)
	if err != nil {
		return FloodingEnvelope{}, err
	}
	seq := binary.BigEndian.Uint32(b[16:20])
	tag := binary.BigEndian.Uint16(b[20:22])
	body := make([]byte, len(b)-22)
	copy(body, b[22:])
	return FloodingEnvelope{Origin: origin, Sequence: seq, InnerTag: tag, InnerBody: body}, nil
}
