package bitio_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/bitio"
)

// TestUvarintRoundTrip covers spec invariant 3 for the unsigned encoding.
func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{
		0, 1, 2, 127, 128, 129, 255, 256,
		1 << 20, 1<<35 - 1, math.MaxUint32, math.MaxUint64,
	}
	for _, v := range values {
		buf := make([]byte, 10)
		n := bitio.PutUvarint(buf, v)
		require.Equal(t, bitio.UvarintSize(v), n)

		got, err := bitio.ReadUvarint(bytes.NewReader(buf[:n]))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

// TestVarintRoundTrip covers spec invariant 3 for the ZigZag-encoded signed
// form, including negative values.
func TestVarintRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, -64, 1000, -1000,
		math.MaxInt64, math.MinInt64,
	}
	for _, v := range values {
		buf := make([]byte, 10)
		n := bitio.PutVarint(buf, v)

		got, err := bitio.ReadVarint(bytes.NewReader(buf[:n]))
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestReadUvarintTooLong(t *testing.T) {
	// 11 continuation bytes, all with the high bit set: never terminates
	// within the 10-byte budget.
	data := bytes.Repeat([]byte{0xff}, 11)
	_, err := bitio.ReadUvarint(bytes.NewReader(data))
	require.Error(t, err)
}

func TestReadUvarint32TooLong(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, 6)
	_, err := bitio.ReadUvarint32(bytes.NewReader(data))
	require.Error(t, err)
}

func TestReadUvarintTruncated(t *testing.T) {
	_, err := bitio.ReadUvarint(bytes.NewReader([]byte{0x80}))
	require.Error(t, err)
}

func TestUvarintSizeMatchesEncodedLength(t *testing.T) {
	for _, v := range []uint64{0, 127, 128, 1 << 28, math.MaxUint64} {
		buf := make([]byte, 10)
		n := bitio.PutUvarint(buf, v)
		require.Equal(t, n, bitio.UvarintSize(v))
	}
}
