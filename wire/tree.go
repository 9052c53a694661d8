package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/meshcore/peerid"
	"github.com/opd-ai/meshcore/routing"
)

// MarshalTree serializes a routing.Tree as PeerId(16) || u16 child_count ||
// child subtrees recursively.
func MarshalTree(t *routing.Tree) []byte {
	var out []byte
	out = append(out, t.Value.Bytes()...)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(t.Children)))
	out = append(out, countBuf...)
	for _, child := range t.Children {
		out = append(out, MarshalTree(child)...)
	}
	return out
}

// ParseTree parses a tree serialized by MarshalTree, returning the tree and
// the number of bytes consumed.
func ParseTree(b []byte) (*routing.Tree, int, error) {
	if len(b) < 18 {
		return nil, 0, fmt.Errorf("%w: Tree node header too short", ErrMalformed)
	}
	value, err := readPeerID(b)
	if err != nil {
		return nil, 0, err
	}
	count := int(binary.BigEndian.Uint16(b[16:18]))
	consumed := 18

	// Leaves keep a nil Children slice, matching how trees are built.
	var children []*routing.Tree
	if count > 0 {
		children = make([]*routing.Tree, 0, count)
	}
	for i := 0; i < count; i++ {
		child, n, err := ParseTree(b[consumed:])
		if err != nil {
			return nil, 0, err
		}
		children = append(children, child)
		consumed += n
	}

	return &routing.Tree{Value: value, Children: children}, consumed, nil
}

// MulticastHandshake is source PeerId(16) || u16 destination_count ||
// destinations[PeerId×N] || Tree serialization.
type MulticastHandshake struct {
	Source       peerid.PeerId
	Destinations []peerid.PeerId
	Tree         *routing.Tree
}

func (h MulticastHandshake) Marshal() []byte {
	out := make([]byte, 0, 16+2+len(h.Destinations)*16)
	out = append(out, h.Source.Bytes()...)
	countBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(countBuf, uint16(len(h.Destinations)))
	out = append(out, countBuf...)
	for _, d := range h.Destinations {
		out = append(out, d.Bytes()...)
	}
	out = append(out, MarshalTree(h.Tree)...)
	return out
}

func ParseMulticastHandshake(b []byte) (MulticastHandshake, error) {
	if len(b) < 18 {
		return MulticastHandshake{}, fmt.Errorf("%w: MulticastHandshake header too short", ErrMalformed)
	}
	source, err := readPeerID(b)
	if err != nil {
		return MulticastHandshake{}, err
	}
	count := int(binary.BigEndian.Uint16(b[16:18]))
	off := 18

	destinations := make([]peerid.PeerId, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < off+16 {
			return MulticastHandshake{}, fmt.Errorf("%w: MulticastHandshake truncated destination list", ErrMalformed)
		}
		d, err := readPeerID(b[off:])
		if err != nil {
			return MulticastHandshake{}, err
		}
		destinations = append(destinations, d)
		off += 16
	}

	tree, _, err := ParseTree(b[off:])
	if err != nil {
		return MulticastHandshake{}, err
	}

	return MulticastHandshake{Source: source, Destinations: destinations, Tree: tree}, nil
}
