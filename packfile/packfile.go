// Package packfile implements the framed zstd pack-entry format used by
// every on-disk pack file (chunks, file-defs), per spec §4.4 and §6.
package packfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/thebinaryloop/binstash/errs"
)

const (
	// MagicCurrent identifies an entry written by this format version.
	MagicCurrent uint32 = 0x42535042 // "BSPK" (LE)
	// MagicLegacy is accepted in read mode for entries written by an
	// older compressor; the engine never writes it.
	MagicLegacy uint32 = 0x42534342 // "BSCK" (LE)

	// Version is the only header version this package writes.
	Version uint8 = 1

	// HeaderSize is the fixed size of a pack entry header in bytes:
	// magic(4) + version(1) + u_len(4) + c_len(4) + xxh3(8).
	HeaderSize = 4 + 1 + 4 + 4 + 8
)

// Header is the 21-byte fixed header prefixing every pack entry.
type Header struct {
	Magic            uint32
	Version          uint8
	UncompressedLen  uint32
	CompressedLen    uint32
	XXH3OfCompressed uint64
}

func (h Header) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	binary.LittleEndian.PutUint32(buf[5:9], h.UncompressedLen)
	binary.LittleEndian.PutUint32(buf[9:13], h.CompressedLen)
	binary.LittleEndian.PutUint64(buf[13:21], h.XXH3OfCompressed)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:            binary.LittleEndian.Uint32(buf[0:4]),
		Version:          buf[4],
		UncompressedLen:  binary.LittleEndian.Uint32(buf[5:9]),
		CompressedLen:    binary.LittleEndian.Uint32(buf[9:13]),
		XXH3OfCompressed: binary.LittleEndian.Uint64(buf[13:21]),
	}
}

var encoderPool = newEncoderPool()

func newEncoderPool() func(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	var mu sync.Mutex
	cache := map[zstd.EncoderLevel]*zstd.Encoder{}
	return func(level zstd.EncoderLevel) (*zstd.Encoder, error) {
		mu.Lock()
		defer mu.Unlock()
		if e, ok := cache[level]; ok {
			return e, nil
		}
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
		if err != nil {
			return nil, err
		}
		cache[level] = e
		return e, nil
	}
}

// WriteEntry compresses payload, computes the xxh3 checksum over the
// compressed bytes, and writes the 21-byte header followed by the
// compressed payload to w. It returns the total number of bytes written
// (header + compressed payload), which the caller records as the entry's
// length in its index.
func WriteEntry(w io.Writer, payload []byte, level int) (int64, error) {
	enc, err := encoderPool(zstd.EncoderLevelFromZstd(level))
	if err != nil {
		return 0, errs.New(errs.IoError, fmt.Errorf("packfile: building encoder: %w", err))
	}
	compressed := enc.EncodeAll(payload, nil)

	hdr := Header{
		Magic:            MagicCurrent,
		Version:          Version,
		UncompressedLen:  uint32(len(payload)),
		CompressedLen:    uint32(len(compressed)),
		XXH3OfCompressed: xxh3.Hash(compressed),
	}

	n, err := w.Write(hdr.encode())
	if err != nil {
		return 0, errs.New(errs.IoError, fmt.Errorf("packfile: writing header: %w", err))
	}
	m, err := w.Write(compressed)
	if err != nil {
		return 0, errs.New(errs.IoError, fmt.Errorf("packfile: writing payload: %w", err))
	}
	return int64(n + m), nil
}

// ReadOptions controls ReadEntry's strictness.
type ReadOptions struct {
	// Unchecked skips magic/version validation, for salvage-mode rebuild
	// of packs written by an older compressor.
	Unchecked bool
}

// ReadEntry reads one framed entry from r, validates it, decompresses it,
// and returns the original payload plus the total entry length in bytes.
func ReadEntry(r io.Reader, opts ReadOptions) ([]byte, int64, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		if err == io.EOF {
			return nil, 0, err
		}
		return nil, 0, errs.New(errs.IoError, fmt.Errorf("packfile: reading header: %w", err))
	}
	hdr := decodeHeader(hdrBuf)

	if !opts.Unchecked {
		if hdr.Magic != MagicCurrent && hdr.Magic != MagicLegacy {
			return nil, 0, errs.New(errs.InvalidFormat, fmt.Errorf("packfile: bad magic 0x%08x", hdr.Magic))
		}
		if hdr.Version != Version {
			return nil, 0, errs.New(errs.Unsupported, fmt.Errorf("packfile: unsupported entry version %d", hdr.Version))
		}
	}

	compressed := make([]byte, hdr.CompressedLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, 0, errs.New(errs.IoError, fmt.Errorf("packfile: reading payload: %w", err))
	}

	if !opts.Unchecked {
		sum := xxh3.Hash(compressed)
		if sum != hdr.XXH3OfCompressed {
			return nil, 0, errs.New(errs.Corruption, fmt.Errorf("packfile: xxh3 mismatch: header=%x computed=%x", hdr.XXH3OfCompressed, sum))
		}
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, 0, errs.New(errs.IoError, fmt.Errorf("packfile: building decoder: %w", err))
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(compressed, make([]byte, 0, hdr.UncompressedLen))
	if err != nil {
		return nil, 0, errs.New(errs.Corruption, fmt.Errorf("packfile: decompressing: %w", err))
	}
	if !opts.Unchecked && uint32(len(payload)) != hdr.UncompressedLen {
		return nil, 0, errs.New(errs.Corruption, fmt.Errorf("packfile: decompressed length mismatch: header=%d actual=%d", hdr.UncompressedLen, len(payload)))
	}

	return payload, int64(HeaderSize) + int64(hdr.CompressedLen), nil
}

// Entry is one (offset, length, payload) triple yielded by ReadAllEntries.
type Entry struct {
	Offset int64
	Length int64
	Data   []byte
}

// ReadAllEntries reads every entry from r in order until EOF, used by
// RebuildIndex. A short/partial final entry is tolerated (returned results
// stop there, with no error) since append-only pack files may be truncated
// mid-write by a crash.
func ReadAllEntries(r io.Reader, opts ReadOptions) ([]Entry, error) {
	var out []Entry
	var offset int64
	for {
		data, n, err := ReadEntry(r, opts)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			var e *errs.Error
			if ok := asErr(err, &e); ok {
				// A truncated trailing entry is tolerated; anything else
				// is a genuine corruption the caller must decide about.
				if e.Kind == errs.IoError {
					return out, nil
				}
			}
			return out, err
		}
		out = append(out, Entry{Offset: offset, Length: n, Data: data})
		offset += n
	}
}

func asErr(err error, target **errs.Error) bool {
	e, ok := err.(*errs.Error)
	if ok {
		*target = e
	}
	return ok
}

// HeaderEntry is one entry's position and header, without the (possibly
// expensive) decompression step.
type HeaderEntry struct {
	Offset int64
	Length int64
	Header Header
}

// ReadAllHeaders scans r like ReadAllEntries but only parses each entry's
// header and skips over its compressed payload, for callers (e.g. stats
// accounting) that only need sizes rather than decompressed content.
func ReadAllHeaders(r io.ReadSeeker) ([]HeaderEntry, error) {
	var out []HeaderEntry
	var offset int64
	hdrBuf := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(r, hdrBuf); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, nil // truncated trailing header tolerated
		}
		hdr := decodeHeader(hdrBuf)
		total := int64(HeaderSize) + int64(hdr.CompressedLen)
		if _, err := r.Seek(int64(hdr.CompressedLen), io.SeekCurrent); err != nil {
			return out, errs.New(errs.IoError, fmt.Errorf("packfile: seeking past payload: %w", err))
		}
		out = append(out, HeaderEntry{Offset: offset, Length: total, Header: hdr})
		offset += total
	}
}
