package bpkg

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
)

// magic is the 4-byte file signature, written and read as literal ASCII
// bytes (not as a little-endian integer).
var magic = [4]byte{'B', 'P', 'K', 'G'}

// flag bits of the single header flags byte.
const (
	flagSectionsCompressed byte = 1 << 0
)

// section ids. 0x01/0x03/0x04 are numbered identically in both versions;
// the rest shift because v2 drops the chunk table and so renumbers
// components/files and stats one id lower than v1 (spec §4.8).
const (
	secMetadata         byte = 0x01
	secChunkTable       byte = 0x02 // v1 only
	secUniqueFileHashes byte = 0x02 // v2 only; distinct wire meaning per version
	secStringTable      byte = 0x03
	secCustomProperties byte = 0x04
	secContentIDTable   byte = 0x05 // v1 only

	secComponentsV1 byte = 0x06
	secStatsV1      byte = 0x07

	secComponentsV2 byte = 0x05
	secStatsV2      byte = 0x06
)

// writeHeader writes the magic, version byte, and flags byte.
func writeHeader(buf *bytes.Buffer, version int, compressed bool) {
	buf.Write(magic[:])
	buf.WriteByte(byte(version))
	var flags byte
	if compressed {
		flags |= flagSectionsCompressed
	}
	buf.WriteByte(flags)
}

// readHeader validates and consumes the file header, returning the version
// and whether section payloads are zstd-compressed.
func readHeader(r io.Reader) (version int, compressed bool, err error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, false, errs.New(errs.InvalidFormat, fmt.Errorf("bpkg: reading header: %w", err))
	}
	if hdr[0] != magic[0] || hdr[1] != magic[1] || hdr[2] != magic[2] || hdr[3] != magic[3] {
		return 0, false, errs.New(errs.InvalidFormat, fmt.Errorf("bpkg: bad magic %q", hdr[0:4]))
	}
	v := int(hdr[4])
	if v != 1 && v != 2 {
		return 0, false, errs.New(errs.Unsupported, fmt.Errorf("bpkg: unsupported version %d", v))
	}
	return v, hdr[5]&flagSectionsCompressed != 0, nil
}

var (
	zstdEncMu  sync.Mutex
	zstdEncode = map[zstd.EncoderLevel]*zstd.Encoder{}
)

func encoderFor(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	zstdEncMu.Lock()
	defer zstdEncMu.Unlock()
	if e, ok := zstdEncode[level]; ok {
		return e, nil
	}
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	zstdEncode[level] = e
	return e, nil
}

// writeSection appends one section (id + flags byte, reserved zero + varint
// payload size + payload) to buf, zstd-compressing the payload first when
// compress is true.
func writeSection(buf *bytes.Buffer, id byte, payload []byte, compress bool, level int) error {
	out := payload
	if compress {
		enc, err := encoderFor(zstd.EncoderLevelFromZstd(level))
		if err != nil {
			return errs.New(errs.IoError, fmt.Errorf("bpkg: building zstd encoder: %w", err))
		}
		out = enc.EncodeAll(payload, nil)
	}
	buf.WriteByte(id)
	buf.WriteByte(0) // reserved section flags
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(out)))
	buf.Write(tmp[:n])
	buf.Write(out)
	return nil
}

// section is one decoded (id, raw payload) pair read from the wire, already
// decompressed if the file's global flag requested it.
type section struct {
	ID      byte
	Payload []byte
}

// readSections reads every remaining section from r.
func readSections(r io.Reader, compressed bool) ([]section, error) {
	br, ok := r.(byteFullReader)
	if !ok {
		br = bufioWrap(r)
	}
	var dec *zstd.Decoder
	var out []section
	for {
		id, err := br.ReadByte()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errs.New(errs.InvalidFormat, fmt.Errorf("bpkg: reading section id: %w", err))
		}
		if _, err := br.ReadByte(); err != nil { // section flags, reserved
			return nil, errs.New(errs.InvalidFormat, fmt.Errorf("bpkg: reading section flags: %w", err))
		}
		size, err := bitio.ReadUvarint(br)
		if err != nil {
			return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(id), PackFile: -1, Offset: -1},
				fmt.Errorf("bpkg: reading section %#x payload size: %w", id, err))
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, errs.At(errs.InvalidFormat, errs.Location{SectionID: int32(id), PackFile: -1, Offset: -1},
				fmt.Errorf("bpkg: reading section %#x payload: %w", id, err))
		}
		if compressed {
			if dec == nil {
				dec, err = zstd.NewReader(nil)
				if err != nil {
					return nil, errs.New(errs.IoError, fmt.Errorf("bpkg: building zstd decoder: %w", err))
				}
				defer dec.Close()
			}
			payload, err = dec.DecodeAll(payload, nil)
			if err != nil {
				return nil, errs.At(errs.Corruption, errs.Location{SectionID: int32(id), PackFile: -1, Offset: -1},
					fmt.Errorf("bpkg: decompressing section %#x: %w", id, err))
			}
		}
		out = append(out, section{ID: id, Payload: payload})
	}
}

// byteFullReader is what readSections needs: ReadByte for the varint/id
// fields plus bulk Read for payloads.
type byteFullReader interface {
	io.Reader
	io.ByteReader
}

func bufioWrap(r io.Reader) byteFullReader {
	return &simpleByteReader{r: r}
}

// simpleByteReader adapts a plain io.Reader (e.g. *bytes.Reader already
// satisfies byteFullReader directly, so this path is only hit for exotic
// inputs) by reading one byte at a time for ReadByte.
type simpleByteReader struct {
	r   io.Reader
	buf [1]byte
}

func (s *simpleByteReader) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *simpleByteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(s.r, s.buf[:]); err != nil {
		return 0, err
	}
	return s.buf[0], nil
}

// putPlainString writes a varint length prefix followed by s's UTF-8 bytes;
// used for the metadata section's free-text fields, which are not
// tokenized.
func putPlainString(buf *bytes.Buffer, s string) {
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(len(s)))
	buf.Write(tmp[:n])
	buf.WriteString(s)
}

func readPlainString(r byteFullReader) (string, error) {
	n, err := bitio.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
