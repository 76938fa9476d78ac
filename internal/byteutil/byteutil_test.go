package byteutil

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXORInvolution(t *testing.T) {
	a := []byte{0x01, 0x02, 0x03, 0xFF}
	b := []byte{0xAA, 0xBB, 0xCC, 0x00}

	ab, err := XOR(a, b)
	require.NoError(t, err)

	back, err := XOR(ab, b)
	require.NoError(t, err)
	require.True(t, bytes.Equal(back, a))
}

func TestXORLengthMismatch(t *testing.T) {
	_, err := XOR([]byte{1, 2}, []byte{1, 2, 3})
	require.Error(t, err)
}

func TestXORIntoInPlace(t *testing.T) {
	dst := []byte{0x0F, 0x0F}
	src := []byte{0xF0, 0xF0}
	require.NoError(t, XORInto(dst, src))
	require.Equal(t, []byte{0xFF, 0xFF}, dst)
}

func TestHexRoundTrip(t *testing.T) {
	raw := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	h := ToHex(raw)
	require.Equal(t, "DEADBEEF", h)

	back, err := FromHex(h)
	require.NoError(t, err)
	require.Equal(t, raw, back)
}

func TestFromHexBad(t *testing.T) {
	_, err := FromHex("ABC") // odd length
	require.Error(t, err)

	_, err = FromHex("ZZZZ")
	require.Error(t, err)
}

func TestRightAlign(t *testing.T) {
	short := []byte{0x01, 0x02}
	padded := RightAlign(short, 4)
	require.Equal(t, []byte{0x00, 0x00, 0x01, 0x02}, padded)

	exact := []byte{1, 2, 3, 4}
	require.Equal(t, exact, RightAlign(exact, 4))

	long := []byte{1, 2, 3, 4, 5}
	require.Equal(t, []byte{2, 3, 4, 5}, RightAlign(long, 4))
}
