// Package hashid implements the Hash32 content-hash value type and the
// transpose codec used to raise the compressibility of checksum lists.
package hashid

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
)

// Size is the width in bytes of a Hash32 value.
const Size = 32

// Hash32 is an opaque 32-byte content hash. The zero value is the all-zero
// hash, not a sentinel for "absent" — callers that need "absent" use a
// pointer or a separate bool.
type Hash32 [Size]byte

// Sum computes the canonical Hash32 of b (Blake3-256).
func Sum(b []byte) Hash32 {
	return Hash32(blake3.Sum256(b))
}

// NewHasher returns a streaming Blake3-256 hasher producing Hash32 sums.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Hasher streams bytes into a Blake3-256 digest.
type Hasher struct {
	h *blake3.Hasher
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum32 finalizes and returns the Hash32 digest. The Hasher remains usable
// for further writes, matching hash.Hash semantics.
func (h *Hasher) Sum32() Hash32 {
	var out Hash32
	copy(out[:], h.h.Sum(nil))
	return out
}

// FromBytes copies b into a Hash32. b must be exactly Size bytes.
func FromBytes(b []byte) (Hash32, error) {
	var h Hash32
	if len(b) != Size {
		return h, fmt.Errorf("hashid: expected %d bytes, got %d", Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns a copy of the hash bytes.
func (h Hash32) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, h[:])
	return out
}

// Hex returns the lowercase 64-character hex form.
func (h Hash32) Hex() string { return hex.EncodeToString(h[:]) }

// String implements fmt.Stringer as the hex form.
func (h Hash32) String() string { return h.Hex() }

// ParseHex parses a lowercase 64-character hex string into a Hash32.
func ParseHex(s string) (Hash32, error) {
	var h Hash32
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hashid: invalid hex: %w", err)
	}
	return FromBytes(b)
}

// Compare returns -1, 0, or 1 using lexicographic byte ordering, giving
// Hash32 a total order.
func (h Hash32) Compare(other Hash32) int {
	return bytes.Compare(h[:], other[:])
}

// Less reports whether h sorts before other.
func (h Hash32) Less(other Hash32) bool { return h.Compare(other) < 0 }

// ShardPrefix returns the first n hex characters of the hash, used to pick
// a shard or shard subdirectory. An n larger than 64 is clamped, returning
// the full 64-character hex string.
func (h Hash32) ShardPrefix(n int) string {
	full := h.Hex()
	if n > len(full) {
		n = len(full)
	}
	return full[:n]
}

// CompressTranspose takes an ordered list of Size-byte hashes and emits a
// column-major ("transposed") byte stream: varint count, varint width,
// then, for each of the Size columns, one byte per input hash in order.
// The encoding is lossless and order-preserving; it exists only to raise
// the compressibility of checksum lists under the outer zstd framing.
func CompressTranspose(hashes []Hash32) []byte {
	var buf bytes.Buffer
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(hashes)))
	buf.Write(tmp[:n])
	n = bitio.PutUvarint(tmp[:], uint64(Size))
	buf.Write(tmp[:n])

	out := make([]byte, len(hashes)*Size)
	for col := 0; col < Size; col++ {
		base := col * len(hashes)
		for row, h := range hashes {
			out[base+row] = h[col]
		}
	}
	buf.Write(out)
	return buf.Bytes()
}

// DecompressTranspose inverts CompressTranspose.
func DecompressTranspose(data []byte) ([]Hash32, error) {
	r := bytes.NewReader(data)
	count, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("hashid: reading count: %w", err))
	}
	width, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("hashid: reading width: %w", err))
	}
	if width != Size {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("hashid: unexpected hash width %d", width))
	}
	n := int(count)
	want := n * Size
	rest := data[len(data)-r.Len():]
	if len(rest) < want {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("hashid: truncated transpose blob: want %d bytes, have %d", want, len(rest)))
	}
	hashes := make([]Hash32, n)
	for col := 0; col < Size; col++ {
		base := col * n
		for row := 0; row < n; row++ {
			hashes[row][col] = rest[base+row]
		}
	}
	return hashes, nil
}
