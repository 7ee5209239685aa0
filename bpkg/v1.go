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

const (
	chunkRefInline    byte = 0x00
	chunkRefContentID byte = 0x01
)

// serializeV1 renders pkg (which must have Version == 1) as a BPKG v1
// document.
func serializeV1(pkg *ReleasePackage, opts SerializeOptions) ([]byte, error) {
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

	// Content-id dedup: a chunk-ref list referenced by two or more files is
	// worth storing once in the content-id table; everything else is
	// inlined (see DESIGN.md for why this replaces the spec's wire-cost
	// estimate with a simpler >=2-uses threshold).
	cidBuilder := newContentIDTable()
	for _, c := range pkg.Components {
		for _, f := range c.Files {
			cidBuilder.observe(f.Chunks)
		}
	}
	cidRows, cidLookup := cidBuilder.build()

	var out bytes.Buffer
	writeHeader(&out, 1, opts.EnableCompression)

	// 0x01 metadata
	{
		var buf bytes.Buffer
		var tmp [10]byte
		n := bitio.PutUvarint(tmp[:], 1)
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

	// 0x02 chunk table
	{
		checksums := make([]hashid.Hash32, len(pkg.Chunks))
		for i, c := range pkg.Chunks {
			checksums[i] = c.Checksum
		}
		payload := hashid.CompressTranspose(checksums)
		if err := writeSection(&out, secChunkTable, payload, opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x03 string table: varint count, then per-entry varint length + bytes.
	{
		var buf bytes.Buffer
		var tmp [10]byte
		strs := tbl.Strings()
		n := bitio.PutUvarint(tmp[:], uint64(len(strs)))
		buf.Write(tmp[:n])
		for _, s := range strs {
			putPlainString(&buf, s)
		}
		if err := writeSection(&out, secStringTable, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x04 custom properties
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

	// 0x05 content-id table
	if err := writeSection(&out, secContentIDTable, encodeContentIDTable(cidRows), opts.EnableCompression, opts.CompressionLevel); err != nil {
		return nil, err
	}

	// 0x06 components
	{
		var buf bytes.Buffer
		var tmp [10]byte
		n := bitio.PutUvarint(tmp[:], uint64(len(pkg.Components)))
		buf.Write(tmp[:n])
		for ci, c := range pkg.Components {
			token.EncodeSequence(&buf, componentNameRefs[ci])
			n = bitio.PutUvarint(tmp[:], uint64(len(c.Files)))
			buf.Write(tmp[:n])
			for fi, f := range c.Files {
				token.EncodeSequence(&buf, fileNameRefs[ci][fi])
				buf.Write(f.Hash[:8])
				if slot, ok := cidLookup(f.Chunks); ok {
					buf.WriteByte(chunkRefContentID)
					n = bitio.PutUvarint(tmp[:], uint64(slot))
					buf.Write(tmp[:n])
				} else {
					buf.WriteByte(chunkRefInline)
					buf.Write(encodeRefList(f.Chunks))
				}
			}
		}
		if err := writeSection(&out, secComponentsV1, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	// 0x07 stats
	{
		var buf bytes.Buffer
		var tmp [10]byte
		for _, v := range []int64{pkg.Stats.ComponentCount, pkg.Stats.FileCount, pkg.Stats.ChunkCount, pkg.Stats.RawSize, pkg.Stats.DedupedSize} {
			n := bitio.PutUvarint(tmp[:], uint64(v))
			buf.Write(tmp[:n])
		}
		if err := writeSection(&out, secStatsV1, buf.Bytes(), opts.EnableCompression, opts.CompressionLevel); err != nil {
			return nil, err
		}
	}

	return out.Bytes(), nil
}

func deserializeV1(sections []section, compressed bool) (*ReleasePackage, error) {
	byID := make(map[byte][]byte, len(sections))
	for _, s := range sections {
		byID[s.ID] = s.Payload
	}

	pkg := &ReleasePackage{Version: 1, CustomProperties: map[string]string{}}

	if payload, ok := byID[secMetadata]; ok {
		r := bytes.NewReader(payload)
		if _, err := bitio.ReadUvarint(r); err != nil { // version, unused beyond validation
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

	var checksums []hashid.Hash32
	if payload, ok := byID[secChunkTable]; ok {
		var err error
		checksums, err = hashid.DecompressTranspose(payload)
		if err != nil {
			return nil, wrapSec(secChunkTable, "chunk table", err)
		}
	}
	pkg.Chunks = make([]ChunkInfo, len(checksums))
	for i, c := range checksums {
		pkg.Chunks[i] = ChunkInfo{Checksum: c}
	}

	var strs []string
	if payload, ok := byID[secStringTable]; ok {
		r := bytes.NewReader(payload)
		count, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, wrapSec(secStringTable, "count", err)
		}
		strs = make([]string, count)
		for i := range strs {
			strs[i], err = readPlainString(r)
			if err != nil {
				return nil, wrapSec(secStringTable, fmt.Sprintf("entry %d", i), err)
			}
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

	var cidRows [][]DeltaChunkRef
	if payload, ok := byID[secContentIDTable]; ok {
		var err error
		cidRows, err = decodeContentIDTable(payload)
		if err != nil {
			return nil, err
		}
	}

	if payload, ok := byID[secComponentsV1]; ok {
		r := bytes.NewReader(payload)
		count, err := bitio.ReadUvarint(r)
		if err != nil {
			return nil, wrapSec(secComponentsV1, "count", err)
		}
		pkg.Components = make([]Component, count)
		for ci := range pkg.Components {
			nameRefs, err := token.DecodeSequence(r)
			if err != nil {
				return nil, wrapSec(secComponentsV1, "component name", err)
			}
			name, err := token.Join(nameRefs, strs)
			if err != nil {
				return nil, wrapSec(secComponentsV1, "component name join", err)
			}
			fileCount, err := bitio.ReadUvarint(r)
			if err != nil {
				return nil, wrapSec(secComponentsV1, "file count", err)
			}
			files := make([]ReleaseFile, fileCount)
			for fi := range files {
				fNameRefs, err := token.DecodeSequence(r)
				if err != nil {
					return nil, wrapSec(secComponentsV1, "file name", err)
				}
				fName, err := token.Join(fNameRefs, strs)
				if err != nil {
					return nil, wrapSec(secComponentsV1, "file name join", err)
				}
				var hash hashid.Hash32
				if _, err := io.ReadFull(r, hash[:8]); err != nil {
					return nil, wrapSec(secComponentsV1, "file hash", err)
				}
				discriminator, err := r.ReadByte()
				if err != nil {
					return nil, wrapSec(secComponentsV1, "chunk discriminator", err)
				}
				var chunks []DeltaChunkRef
				switch discriminator {
				case chunkRefInline:
					chunks, err = decodeRefList(r)
					if err != nil {
						return nil, wrapSec(secComponentsV1, "inline chunk refs", err)
					}
				case chunkRefContentID:
					slot, err := bitio.ReadUvarint(r)
					if err != nil {
						return nil, wrapSec(secComponentsV1, "content-id slot", err)
					}
					if int(slot) >= len(cidRows) {
						return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secComponentsV1), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: content-id slot %d out of range (table has %d rows)", slot, len(cidRows)))
					}
					chunks = cidRows[slot]
				default:
					return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(secComponentsV1), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: unknown chunk-ref discriminator %#x", discriminator))
				}
				files[fi] = ReleaseFile{Name: fName, Hash: hash, Chunks: chunks}
			}
			pkg.Components[ci] = Component{Name: name, Files: files}
		}
	}

	if payload, ok := byID[secStatsV1]; ok {
		r := bytes.NewReader(payload)
		vals := make([]int64, 5)
		for i := range vals {
			v, err := bitio.ReadUvarint(r)
			if err != nil {
				return nil, wrapSec(secStatsV1, "field", err)
			}
			vals[i] = int64(v)
		}
		pkg.Stats = Stats{ComponentCount: vals[0], FileCount: vals[1], ChunkCount: vals[2], RawSize: vals[3], DedupedSize: vals[4]}
	}

	return pkg, nil
}

func wrapSec(id byte, what string, err error) error {
	return errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(id), PackFile: -1, Offset: -1}, fmt.Errorf("bpkg: section %#x %s: %w", id, what, err))
}
