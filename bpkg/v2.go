package bpkg

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/token"
)

// serializeV2 renders pkg (which must have Version == 2) as a BPKG v2
// document: 32-byte file hashes deduplicated into a frequency-ordered
// table, a two-pass string table layout, and LCP-delta-encoded component
// and file names. There is no chunk table: chunk layout for a given file
// lives in the ObjectStore's file-definition shards, addressed by Hash.
func serializeV2(pkg *ReleasePackage, opts SerializeOptions) ([]byte, error) {
	tbl := token.NewTable()

	componentNameRefs := make([][]token.Ref, len(pkg.Components))
	fileNameRefs := make([][][]token.Ref, len(pkg.Components))
	for ci, c := range pkg.Components {
		componentNameRefs[ci] = tbl.Tokenize(c.Name)
		fileNameRefs[ci] = make([][]token.Ref, len(c.Files))
		for fi, f := range c.Files {
			fileNameRefs[ci][fi] = tbl.Tokenize(f.Name)
		}
	}

	propKeys := make([]string, 0, len(pkg.CustomProperties))
	for k := range pkg.CustomProperties {
		propKeys = append(propKeys, k)
	}
	sort.Strings(propKeys)
	propKeyRefs := make([][]token.Ref, len(propKeys))
	propValRefs := make([][]token.Ref, len(propKeys))
	for i, k := range propKeys {
		propKeyRefs[i] = tbl.Tokenize(k)
		propValRefs[i] = tbl.Tokenize(pkg.CustomProperties[k])
	}

	perm := tbl.Sort()
	for ci := range pkg.Components {
		token.Rewrite(componentNameRefs[ci], perm)
		for fi := range pkg.Components[ci].Files {
			token.Rewrite(fileNameRefs[ci][fi], perm)
		}
	}
	for i := range propKeys {
		token.Rewrite(propKeyRefs[i], perm)
		token.Rewrite(propValRefs[i], perm)
	}

	hashOrder, hashIndex := buildUniqueFileHashTable(pkg.Components)

	var out bytes.Buffer
	writeHeader(&out, 2, opts.EnableCompression)

	// 0x01 metadata
	{
		var buf bytes.Buffer
		var tmp [10]byte
		n := bitio.PutUvarint(tmp[:], 2)
		buf.Write(tmp[:n])
		putPlainString(&buf, pkg.ReleaseID)
		putPlainString(&buf, pkg.RepoID)
		putPlainString(&buf, pkg.Notes)
		n = bitio.PutVarint(tmp[:], pkg.CreatedAt.Unix())
		buf.Write(tmp[:n])
		if err := writeSection(&out, secMetadata, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x02 unique file hash table, frequency-desc/hash-asc ordered.
	if err := writeSection(&out, secUniqueFileHashes, hashid.CompressTranspose(hashOrder), opts.EnableCompression, opts.CompressionLevel); err != nil {
		return nil, err
	}

	// 0x03 string table, two-pass layout.
	{
		var buf bytes.Buffer
		var tmp [10]byte
		strs := tbl.Strings()
		n := bitio.PutUvarint(tmp[:], uint64(len(strs)))
		buf.Write(tmp[:n])
		for _, s := range strs {
			n = bitio.PutUvarint(tmp[:], uint64(len(s)))
			buf.Write(tmp[:n])
		}
		for _, s := range strs {
			buf.WriteString(s)
		}
		if err := writeSection(&out, secStringTable, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x04 custom properties (same shape as v1).
	{
		var buf bytes.Buffer
		var tmp [10]byte
		n := bitio.PutUvarint(tmp[:], uint64(len(propKeys)))
		buf.Write(tmp[:n])
		for i := range propKeys {
			token.EncodeSequence(&buf, propKeyRefs[i])
			token.EncodeSequence(&buf, propValRefs[i])
		}
		if err := writeSection(&out, secCustomProperties, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x05 components, LCP-delta-encoded names; file-name LCP chains reset
	// at each component boundary (the chain's prev resets to nil there, so
	// the decoder's general LCP<=len(prev) check enforces lcp==0 for free).
	{
		var buf bytes.Buffer
		var tmp [10]byte
		n := bitio.PutUvarint(tmp[:], uint64(len(pkg.Components)))
		buf.Write(tmp[:n])
		var prevComponentName []token.Ref
		for ci, c := range pkg.Components {
			encodeLCPSequence(&buf, prevComponentName, componentNameRefs[ci])
			prevComponentName = componentNameRefs[ci]

			n = bitio.PutUvarint(tmp[:], uint64(len(c.Files)))
			buf.Write(tmp[:n])
			var prevFileName []token.Ref
			for fi, f := range c.Files {
				encodeLCPSequence(&buf, prevFileName, fileNameRefs[ci][fi])
				prevFileName = fileNameRefs[ci][fi]
				idx := hashIndex[f.Hash]
				n = bitio.PutUvarint(tmp[:], uint64(idx))
				buf.Write(tmp[:n])
			}
		}
		if err := writeSection(&out, secComponentsV2, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x06 stats
	{
		var buf bytes.Buffer
		var tmp [10]byte
		for _, v := range []int64{pkg.Stats.ComponentCount, pkg.Stats.FileCount, pkg.Stats.ChunkCount, pkg.Stats.RawSize, pkg.Stats.DedupedSize} {
			n := bitio.PutUvarint(tmp[:], uint64(v))
			buf.Write(tmp[:n])
		}
		if err := writeSection(&out, secStatsV2, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	return out.Bytes(), nil
}

// buildUniqueFileHashTable collects every distinct file hash across every
// component, ordered by descending reference count and then ascending
// hash, and returns both the ordered table and a hash->index lookup.
func buildUniqueFileHashTable(components []Component) ([]hashid.Hash32, map[hashid.Hash32]int) {
	counts := make(map[hashid.Hash32]int)
	for _, c := range components {
		for _, f := range c.Files {
			counts[f.Hash]++
		}
	}
	ordered := make([]hashid.Hash32, 0, len(counts))
	for h := range counts {
		ordered = append(ordered, h)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if counts[ordered[i]] != counts[ordered[j]] {
			return counts[ordered[i]] > counts[ordered[j]]
		}
		return ordered[i].Less(ordered[j])
	})
	index := make(map[hashid.Hash32]int, len(ordered))
	for i, h := range ordered {
		index[h] = i
	}
	return ordered, index
}

// encodeLCPSequence writes cur relative to prev as: varint lcp, varint
// tail_count, tail_count varint ids, then nibble-packed separators for the
// tail (matching token.EncodeSequence's separator packing).
func encodeLCPSequence(buf *bytes.Buffer, prev, cur []token.Ref) {
	lcp := token.CommonPrefixLen(prev, cur)
	tail := cur[lcp:]
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(lcp))
	buf.Write(tmp[:n])
	n = bitio.PutUvarint(tmp[:], uint64(len(tail)))
	buf.Write(tmp[:n])
	for _, r := range tail {
		n = bitio.PutUvarint(tmp[:], uint64(r.ID))
		buf.Write(tmp[:n])
	}
	for i := 0; i < len(tail); i += 2 {
		hi := byte(tail[i].Sep) << 4
		var lo byte
		if i+1 < len(tail) {
			lo = byte(tail[i+1].Sep)
		}
		buf.WriteByte(hi | lo)
	}
}

// decodeLCPSequence inverts encodeLCPSequence given the previous sequence
// in the chain (nil at a chain boundary).
func decodeLCPSequence(r byteFullReader, prev []token.Ref) ([]token.Ref, error) {
	lcp, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading lcp: %w", err)
	}
	if int(lcp) > len(prev) {
		return nil, errs.New(errs.InvalidFormat, fmt.Errorf("lcp %d exceeds previous sequence length %d", lcp, len(prev)))
	}
	tailCount, err := bitio.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("reading tail count: %w", err)
	}
	tail := make([]token.Ref, tailCount)
	for i := range tail {
		id, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("reading tail id %d: %w", i, err)
		}
		tail[i].ID = int(id)
	}
	nibbleBytes := int((tailCount + 1) / 2)
	sepBuf := make([]byte, nibbleBytes)
	if _, err := io.ReadFull(r, sepBuf); err != nil {
		return nil, fmt.Errorf("reading tail separators: %w", err)
	}
	for i := 0; i < int(tailCount); i++ {
		b := sepBuf[i/2]
		if i%2 == 0 {
			tail[i].Sep = token.Separator(b >> 4)
		} else {
			tail[i].Sep = token.Separator(b & 0x0f)
		}
	}
	out := make([]token.Ref, 0, int(lcp)+len(tail))
	out = append(out, prev[:lcp]...)
	out = append(out, tail...)
	return out, nil
}

func deserializeV2(sections []section, compressed bool) (*ReleasePackage, error) {
	byID := make(map[byte][]byte, len(sections))
	for _, s := range sections {
		byID[s.ID] = s.Payload
	}

	pkg := &ReleasePackage{Version: 2, CustomProperties: map[string]string{}}

	if payload, ok := byID[secMetadata]; ok {
		r := bytes.NewReader(payload)
		if _, err := bitio.ReadUvarint(r); err != nil {
			return nil, wrapSec(secMetadata, "version", err)
		}
		var err error
		if pkg.ReleaseID, err = readPlainString(r); err != nil {
			return nil, wrapSec(secMetadata, "release_id", err)
		}
		if pkg.RepoID, err = readPlainString(r); err != nil {
			return nil, wrapSec(secMetadata, "repo_id", err)
		}
		if pkg.Notes, err = readPlainString(r); err != nil {
			return nil, wrapSec(secMetadata, "notes", err)
		}
		sec, err := bitio.ReadVarint(r)
		if err != nil {
			return nil, wrapSec(secMetadata, "created_at", err)
		}
		pkg.CreatedAt = unixToTime(sec)
	} else {
		return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secMetadata), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: missing metadata section"))
	}

	var hashTable []hashid.Hash32
	if payload, ok := byID[secUniqueFileHashes]; ok {
		var err error
		hashTable, err = hashid.DecompressTranspose(payload)
		if err != nil {
			return nil, wrapSec(secUniqueFileHashes, "hash table", err)
		}
	}

	var strs []string
	if payload, ok := byID[secStringTable]; ok {
		r := bytes.NewReader(payload)
		count, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, wrapSec(secStringTable, "count", err)
		}
		lengths := make([]uint64, count)
		for i := range lengths {
			lengths[i], err = bitio.ReadUvarint(r)
			if err != nil {
				return nil, wrapSec(secStringTable, fmt.Sprintf("length %d", i), err)
			}
		}
		strs = make([]string, count)
		for i, l := range lengths {
			b := make([]byte, l)
			if _, err := io.ReadFull(r, b); err != nil {
				return nil, wrapSec(secStringTable, fmt.Sprintf("bytes %d", i), err)
			}
			strs[i] = string(b)
		}
	}

	if payload, ok := byID[secCustomProperties]; ok {
		r := bytes.NewReader(payload)
		count, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, wrapSec(secCustomProperties, "count", err)
		}
		for i := uint64(0); i < count; i++ {
			keyRefs, err := token.DecodeSequence(r)
			if err != nil {
				return nil, wrapSec(secCustomProperties, "key", err)
			}
			valRefs, err := token.DecodeSequence(r)
			if err != nil {
				return nil, wrapSec(secCustomProperties, "value", err)
			}
			key, err := token.Join(keyRefs, strs)
			if err != nil {
				return nil, wrapSec(secCustomProperties, "key join", err)
			}
			val, err := token.Join(valRefs, strs)
			if err != nil {
				return nil, wrapSec(secCustomProperties, "value join", err)
			}
			pkg.CustomProperties[key] = val
		}
	}

	if payload, ok := byID[secComponentsV2]; ok {
		r := bytes.NewReader(payload)
		count, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, wrapSec(secComponentsV2, "count", err)
		}
		pkg.Components = make([]Component, count)
		var prevComponentName []token.Ref
		for ci := range pkg.Components {
			nameRefs, err := decodeLCPSequence(r, prevComponentName)
			if err != nil {
				return nil, wrapSec(secComponentsV2, "component name", err)
			}
			prevComponentName = nameRefs
			name, err := token.Join(nameRefs, strs)
			if err != nil {
				return nil, wrapSec(secComponentsV2, "component name join", err)
			}
			fileCount, err := bitio.ReadUvarint(r)
			if err != nil {
				return nil, wrapSec(secComponentsV2, "file count", err)
			}
			files := make([]ReleaseFile, fileCount)
			var prevFileName []token.Ref
			for fi := range files {
				fNameRefs, err := decodeLCPSequence(r, prevFileName)
				if err != nil {
					return nil, wrapSec(secComponentsV2, "file name", err)
				}
				prevFileName = fNameRefs
				fName, err := token.Join(fNameRefs, strs)
				if err != nil {
					return nil, wrapSec(secComponentsV2, "file name join", err)
				}
				idx, err := bitio.ReadUvarint(r)
				if err != nil {
					return nil, wrapSec(secComponentsV2, "file hash index", err)
				}
				if int(idx) >= len(hashTable) {
					return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secComponentsV2), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: file hash index %d out of range (table has %d rows)", idx, len(hashTable)))
				}
				files[fi] = ReleaseFile{Name: fName, Hash: hashTable[idx]}
			}
			pkg.Components[ci] = Component{Name: name, Files: files}
		}
	}

	if payload, ok := byID[secStatsV2]; ok {
		r := bytes.NewReader(payload)
		vals := make([]int64, 5)
		for i := range vals {
			v, err := bitio.ReadUvarint(r)
			if err != nil {
				return nil, wrapSec(secStatsV2, "field", err)
			}
			vals[i] = int64(v)
		}
		pkg.Stats = Stats{ComponentCount: vals[0], FileCount: vals[1], ChunkCount: vals[2], RawSize: vals[3], DedupedSize: vals[4]}
	}

	return pkg, nil
}
