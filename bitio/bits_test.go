package bitio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/bitio"
)

// TestBitStreamRoundTrip covers spec invariant 4: a sequence of (v, n)
// fields written LSB-first reads back identically.
func TestBitStreamRoundTrip(t *testing.T) {
	type field struct {
		v uint64
		n int
	}
	fields := []field{
		{0, 0},
		{1, 1},
		{0, 1},
		{5, 3},
		{0x7f, 7},
		{0xff, 8},
		{0x1ff, 9},
		{0, 13},
		{1<<20 - 1, 20},
		{math64Max, 64},
		{0, 64},
	}

	w := bitio.NewBitWriter()
	for _, f := range fields {
		w.WriteBits(f.v, f.n)
	}
	data := w.Flush()

	r := bitio.NewBitReader(data)
	for i, f := range fields {
		got, err := r.ReadBits(f.n)
		require.NoErrorf(t, err, "field %d", i)
		require.Equalf(t, f.v, got, "field %d", i)
	}
}

const math64Max = ^uint64(0)

func TestBitWriterByteBoundaries(t *testing.T) {
	w := bitio.NewBitWriter()
	w.WriteBits(0b101, 3)
	w.WriteBits(0b11111, 5)
	data := w.Flush()
	require.Equal(t, []byte{0xfd}, data)
}

func TestBitWriterLenTracksUnflushedBits(t *testing.T) {
	w := bitio.NewBitWriter()
	require.Equal(t, 0, w.Len())
	w.WriteBits(1, 1)
	require.Equal(t, 1, w.Len())
	w.WriteBits(0, 7)
	require.Equal(t, 8, w.Len())
}

func TestWriteBitsPanicsOnOutOfRangeWidth(t *testing.T) {
	w := bitio.NewBitWriter()
	require.Panics(t, func() { w.WriteBits(0, 65) })
	require.Panics(t, func() { w.WriteBits(0, -1) })
}

func TestWriteBitsPanicsOnOverflowingValue(t *testing.T) {
	w := bitio.NewBitWriter()
	require.Panics(t, func() { w.WriteBits(0xff, 4) })
}

func TestReadBitsEndOfStream(t *testing.T) {
	w := bitio.NewBitWriter()
	w.WriteBits(1, 4)
	r := bitio.NewBitReader(w.Flush())
	_, err := r.ReadBits(4)
	require.NoError(t, err)
	_, err = r.ReadBits(1)
	require.Error(t, err)
}

func TestBitReaderRemaining(t *testing.T) {
	w := bitio.NewBitWriter()
	w.WriteBits(1, 3)
	data := w.Flush()
	r := bitio.NewBitReader(data)
	require.Equal(t, len(data)*8, r.Remaining())
	_, err := r.ReadBits(3)
	require.NoError(t, err)
	require.Equal(t, len(data)*8-3, r.Remaining())
}

func TestNewBitReaderCopyIsIndependent(t *testing.T) {
	data := []byte{0xaa, 0xbb}
	r := bitio.NewBitReaderCopy(data)
	data[0] = 0x00
	v, err := r.ReadBits(8)
	require.NoError(t, err)
	require.Equal(t, uint64(0xaa), v)
}
