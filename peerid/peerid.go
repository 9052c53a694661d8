// Package peerid defines the totally-ordered 128-bit identifier used to name
// peers and in-flight transfers throughout meshcore.
package peerid

import (
	"bytes"
	"encoding/hex"

	"github.com/google/uuid"
)

// PeerId is a 128-bit universally unique peer identifier.
type PeerId [16]byte

// Nil is the zero PeerId, never assigned to a real peer.
var Nil PeerId

// New generates a fresh random PeerId.
func New() PeerId {
	return PeerId(uuid.New())
}

// FromBytes copies a 16-byte slice into a PeerId.
func FromBytes(b []byte) (PeerId, error) {
	var id PeerId
	if len(b) != 16 {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// String renders the PeerId as a canonical UUID string.
func (p PeerId) String() string {
	return uuid.UUID(p).String()
}

// Bytes returns the 16-byte wire representation.
func (p PeerId) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, p[:])
	return b
}

// Compare returns -1, 0, or 1 following byte-lexicographic order, the total
// order used throughout routing and handshake tie-breaking.
func (p PeerId) Compare(other PeerId) int {
	return bytes.Compare(p[:], other[:])
}

// Less reports whether p sorts before other.
func (p PeerId) Less(other PeerId) bool {
	return p.Compare(other) < 0
}

// IsZero reports whether this is the Nil PeerId.
func (p PeerId) IsZero() bool {
	return p == Nil
}

// ParseHex parses a raw 32-character hex PeerId (no dashes), used by
// operator tooling that does not want full UUID punctuation.
func ParseHex(s string) (PeerId, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Nil, err
	}
	return FromBytes(b)
}

// TransferID is a 128-bit identifier tagging an in-flight stream. It is
// referenced by the connection layer but owned by the higher transfer layer
// that sits above it.
type TransferID [16]byte

// NewTransferID generates a fresh random TransferID.
func NewTransferID() TransferID {
	return TransferID(uuid.New())
}

func (t TransferID) String() string {
	return uuid.UUID(t).String()
}
