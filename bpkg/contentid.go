package bpkg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
)

// bitWidth returns the number of bits needed to represent max (0 when
// max is 0), i.e. ceil(log2(max+1)).
func bitWidth(max uint64) int {
	w := 0
	for v := max; v > 0; v >>= 1 {
		w++
	}
	return w
}

// encodeRefList renders refs as the shared "bit-packed DeltaChunkRef list"
// wire format (spec §4.8): varint chunk_count, 3 bytes (bits_delta,
// bits_offset, bits_length), then the triples bit-packed LSB-first at
// those widths.
func encodeRefList(refs []DeltaChunkRef) []byte {
	var buf bytes.Buffer
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(refs)))
	buf.Write(tmp[:n])

	var maxDelta, maxOffset, maxLength uint64
	for _, r := range refs {
		if uint64(r.DeltaIndex) > maxDelta {
			maxDelta = uint64(r.DeltaIndex)
		}
		if r.Offset > maxOffset {
			maxOffset = r.Offset
		}
		if r.Length > maxLength {
			maxLength = r.Length
		}
	}
	bd, bo, bl := bitWidth(maxDelta), bitWidth(maxOffset), bitWidth(maxLength)
	buf.WriteByte(byte(bd))
	buf.WriteByte(byte(bo))
	buf.WriteByte(byte(bl))

	if len(refs) > 0 {
		bw := bitio.NewBitWriter()
		for _, r := range refs {
			bw.WriteBits(uint64(r.DeltaIndex), bd)
			bw.WriteBits(r.Offset, bo)
			bw.WriteBits(r.Length, bl)
		}
		buf.Write(bw.Flush())
	}
	return buf.Bytes()
}

// decodeRefList inverts encodeRefList.
func decodeRefList(r byteFullReader) ([]DeltaChunkRef, error) {
	count, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("ref list count: %w", err)
	}
	var widths [3]byte
	if _, err := io.ReadFull(r, widths[:]); err != nil {
		return nil, fmt.Errorf("ref list widths: %w", err)
	}
	bd, bo, bl := int(widths[0]), int(widths[1]), int(widths[2])
	if count == 0 {
		return nil, nil
	}
	totalBits := (bd + bo + bl) * int(count)
	totalBytes := (totalBits + 7) / 8
	packed := make([]byte, totalBytes)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, fmt.Errorf("ref list packed bytes: %w", err)
	}
	br := bitio.NewBitReader(packed)
	refs := make([]DeltaChunkRef, count)
	for i := range refs {
		d, err := br.ReadBits(bd)
		if err != nil {
			return nil, fmt.Errorf("ref %d delta: %w", i, err)
		}
		o, err := br.ReadBits(bo)
		if err != nil {
			return nil, fmt.Errorf("ref %d offset: %w", i, err)
		}
		l, err := br.ReadBits(bl)
		if err != nil {
			return nil, fmt.Errorf("ref %d length: %w", i, err)
		}
		refs[i] = DeltaChunkRef{DeltaIndex: uint32(d), Offset: o, Length: l}
	}
	return refs, nil
}

// refsEqual reports whether two DeltaChunkRef lists are byte-for-byte
// identical.
func refsEqual(a, b []DeltaChunkRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// contentIDOf hashes refs' canonical 24-byte-per-triple little-endian
// encoding with XXH3, used only as an in-memory dedup key; the hash value
// itself never reaches the wire.
func contentIDOf(refs []DeltaChunkRef) uint64 {
	b := make([]byte, 24*len(refs))
	for i, r := range refs {
		off := i * 24
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(r.DeltaIndex))
		binary.LittleEndian.PutUint64(b[off+8:off+16], r.Offset)
		binary.LittleEndian.PutUint64(b[off+16:off+24], r.Length)
	}
	return xxh3.Hash(b)
}

// contentIDTable counts how many files reference each distinct chunk-ref
// list, so that build can decide which lists are worth deduplicating.
type contentIDTable struct {
	buckets map[uint64][]int
	groups  []refListGroup
}

type refListGroup struct {
	refs  []DeltaChunkRef
	count int
}

func newContentIDTable() *contentIDTable {
	return &contentIDTable{buckets: make(map[uint64][]int)}
}

// observe records one file's chunk-ref list as a candidate for dedup.
func (t *contentIDTable) observe(refs []DeltaChunkRef) {
	if len(refs) == 0 {
		return
	}
	key := contentIDOf(refs)
	for _, idx := range t.buckets[key] {
		if refsEqual(t.groups[idx].refs, refs) {
			t.groups[idx].count++
			return
		}
	}
	t.groups = append(t.groups, refListGroup{refs: refs, count: 1})
	t.buckets[key] = append(t.buckets[key], len(t.groups)-1)
}

// contentIDLookup resolves a file's chunk-ref list to a dedup-table slot.
type contentIDLookup func(refs []DeltaChunkRef) (slot int, ok bool)

// build finalizes the table: every list referenced by 2+ files is worth
// dedup-emitting (a simplification of the spec's wire-cost estimate, see
// DESIGN.md), ordered by content-id ascending. Lists referenced by only one
// file are left for the caller to inline.
func (t *contentIDTable) build() ([][]DeltaChunkRef, contentIDLookup) {
	type ent struct {
		key  uint64
		refs []DeltaChunkRef
	}
	var ents []ent
	for key, idxs := range t.buckets {
		for _, idx := range idxs {
			g := t.groups[idx]
			if g.count >= 2 {
				ents = append(ents, ent{key: key, refs: g.refs})
			}
		}
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].key < ents[j].key })

	table := make([][]DeltaChunkRef, len(ents))
	idxByKey := make(map[uint64][]int, len(ents))
	for i, e := range ents {
		table[i] = e.refs
		idxByKey[e.key] = append(idxByKey[e.key], i)
	}

	lookup := func(refs []DeltaChunkRef) (int, bool) {
		if len(refs) == 0 {
			return 0, false
		}
		key := contentIDOf(refs)
		for _, i := range idxByKey[key] {
			if refsEqual(table[i], refs) {
				return i, true
			}
		}
		return 0, false
	}
	return table, lookup
}

// encodeContentIDTable renders the finalized dedup table: varint count,
// then each entry as a bit-packed DeltaChunkRef list.
func encodeContentIDTable(table [][]DeltaChunkRef) []byte {
	var buf bytes.Buffer
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(table)))
	buf.Write(tmp[:n])
	for _, refs := range table {
		buf.Write(encodeRefList(refs))
	}
	return buf.Bytes()
}

// ContentIDTable returns every dedup-worthy chunk-ref list referenced by
// 2+ files across components, keyed by its content id. It is exported for
// the patch package, which diffs two packages' dedup tables by content id
// rather than by table position (positions are not stable across edits).
func ContentIDTable(components []Component) map[uint64][]DeltaChunkRef {
	t := newContentIDTable()
	for _, c := range components {
		for _, f := range c.Files {
			t.observe(f.Chunks)
		}
	}
	rows, _ := t.build()
	out := make(map[uint64][]DeltaChunkRef, len(rows))
	for _, refs := range rows {
		out[contentIDOf(refs)] = refs
	}
	return out
}

func decodeContentIDTable(payload []byte) ([][]DeltaChunkRef, error) {
	r := bytes.NewReader(payload)
	count, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secContentIDTable), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: content-id table count: %w", err))
	}
	table := make([][]DeltaChunkRef, count)
	for i := range table {
		refs, err := decodeRefList(r)
		if err != nil {
			return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secContentIDTable), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: content-id entry %d: %w", i, err))
		}
		table[i] = refs
	}
	return table, nil
}
