package peerid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPeerIdUnique(t *testing.T) {
	a := New()
	b := New()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
}

func TestFromBytesRoundTrip(t *testing.T) {
	a := New()
	b, err := FromBytes(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromBytesInvalidLength(t *testing.T) {
	_, err := FromBytes([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestCompareTotalOrder(t *testing.T) {
	a := PeerId{0x00}
	b := PeerId{0x01}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, 0, a.Compare(a))
}

func TestSetSliceSortedDeterministic(t *testing.T) {
	ids := []PeerId{{0x03}, {0x01}, {0x02}}
	s := NewSet(ids...)
	got := s.Slice()
	require.Len(t, got, 3)
	assert.Equal(t, PeerId{0x01}, got[0])
	assert.Equal(t, PeerId{0x02}, got[1])
	assert.Equal(t, PeerId{0x03}, got[2])
}

func TestStringRoundTrip(t *testing.T) {
	a := New()
	str := a.String()
	assert.Len(t, str, 36)
}
