package pdu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := New(7, []byte("hello world"))

	wire, err := p.Marshal(nil, 0)
	require.NoError(t, err)
	require.Equal(t, p.Size(), len(wire))

	got, consumed, ok, err := Unmarshal(wire, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(wire), consumed)
	require.Equal(t, p.Opcode, got.Opcode)
	require.Equal(t, p.Payload, got.Payload)
}

func TestUnmarshalIncompleteFrame(t *testing.T) {
	p := New(1, []byte("partial"))
	wire, err := p.Marshal(nil, 0)
	require.NoError(t, err)

	for n := 0; n < len(wire); n++ {
		_, _, ok, err := Unmarshal(wire[:n], 0)
		require.NoError(t, err)
		require.False(t, ok, "expected incomplete at %d bytes", n)
	}
}

func TestUnmarshalMultipleFramesConcatenated(t *testing.T) {
	a := New(1, []byte("a"))
	b := New(2, []byte("bb"))
	wire, err := a.Marshal(nil, 0)
	require.NoError(t, err)
	wire, err = b.Marshal(wire, 0)
	require.NoError(t, err)

	got, consumed, ok, err := Unmarshal(wire, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), got.Opcode)

	got, _, ok, err = Unmarshal(wire[consumed:], 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), got.Opcode)
	require.Equal(t, []byte("bb"), got.Payload)
}

func TestMarshalPayloadTooLarge(t *testing.T) {
	p := New(1, make([]byte, 100))
	_, err := p.Marshal(nil, 10)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnmarshalDeclaredSizeExceedsMax(t *testing.T) {
	p := New(1, make([]byte, 100))
	wire, err := p.Marshal(nil, 0)
	require.NoError(t, err)

	_, _, _, err = Unmarshal(wire, 10)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestNewCopiesPayload(t *testing.T) {
	src := []byte("mutate me")
	p := New(1, src)
	src[0] = 'X'
	require.Equal(t, byte('m'), p.Payload[0])
}
