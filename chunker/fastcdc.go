// Package chunker implements the FastCDC content-defined chunker and its
// tuning recommender.
package chunker

import (
	"fmt"
	"io"
	"math/bits"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/thebinaryloop/binstash/hashid"
)

var log = logging.Logger("binstash/chunker")

const (
	// DefaultMin, DefaultAvg, DefaultMax are the default window sizes per
	// spec §4.3.
	DefaultMin = 2048
	DefaultAvg = 8192
	DefaultMax = 65536

	// readAheadFactor sizes the internal read buffer as a multiple of Max
	// so that a full chunk window is always available without a short
	// read splitting a boundary test.
	readAheadFactor = 2
)

// ChunkMapEntry describes the byte range of one content-defined chunk
// inside its source file.
type ChunkMapEntry struct {
	Checksum hashid.Hash32
	Offset   uint64
	Length   uint64
}

// Options configure a FastCDC chunker. The zero value of each field means
// "use the default".
type Options struct {
	Min int
	Avg int
	Max int
}

// FastCDC implements content-defined chunking with a configurable
// (min, avg, max) window. It holds no shared state, so distinct goroutines
// may each drive their own GenerateChunkMap call concurrently (spec §5.1).
type FastCDC struct {
	min, avg, max       int
	maskShort, maskLong uint64
}

// New constructs a FastCDC chunker. Zero fields in opts fall back to the
// package defaults.
func New(opts Options) (*FastCDC, error) {
	min, avg, max := opts.Min, opts.Avg, opts.Max
	if min == 0 {
		min = DefaultMin
	}
	if avg == 0 {
		avg = DefaultAvg
	}
	if max == 0 {
		max = DefaultMax
	}
	if !(min <= avg && avg <= max) {
		return nil, fmt.Errorf("chunker: window sizes must satisfy min <= avg <= max (got %d,%d,%d)", min, avg, max)
	}
	if avg < 2 {
		return nil, fmt.Errorf("chunker: avg must be >= 2")
	}
	maskShort, maskLong := computeMasks(avg)
	return &FastCDC{min: min, avg: avg, max: max, maskShort: maskShort, maskLong: maskLong}, nil
}

// computeMasks derives the two gear-hash boundary masks from the average
// chunk size: a stricter mask (more required zero bits) applied below avg
// to discourage very small chunks, and a looser mask (fewer required zero
// bits) applied above avg to pull the boundary back toward avg before max.
func computeMasks(avg int) (maskShort, maskLong uint64) {
	log2Avg := bits.Len(uint(avg)) - 1
	shortBits := log2Avg + 1
	longBits := log2Avg - 1
	if longBits < 1 {
		longBits = 1
	}
	if shortBits > 63 {
		shortBits = 63
	}
	maskShort = (uint64(1) << uint(shortBits)) - 1
	maskLong = (uint64(1) << uint(longBits)) - 1
	return
}

// cut finds the boundary within data (a window starting at the current
// chunk's first byte), never returning more than c.max and never less than
// min(len(data), c.min). Exactly one boundary test is performed per byte.
func (c *FastCDC) cut(data []byte) int {
	n := len(data)
	if n <= c.min {
		return n
	}
	end := n
	if end > c.max {
		end = c.max
	}
	avgBoundary := c.avg
	if avgBoundary > end {
		avgBoundary = end
	}

	var fp uint64
	i := c.min
	for ; i < avgBoundary; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&c.maskShort == 0 {
			return i + 1
		}
	}
	for ; i < end; i++ {
		fp = (fp << 1) + gearTable[data[i]]
		if fp&c.maskLong == 0 {
			return i + 1
		}
	}
	return end
}

// ChunkMapSequence is a finite, restartable lazy sequence of ChunkMapEntry
// over one file. Restartable means calling GenerateChunkMap again produces
// an independent sequence that re-reads the file from the start; a single
// ChunkMapSequence itself is forward-only.
type ChunkMapSequence struct {
	c       *FastCDC
	file    *os.File
	buf     []byte
	cursor  int
	end     int
	eof     bool
	offset  uint64
	done    bool
	emitted bool // true once at least one entry has been emitted
}

// GenerateChunkMap returns a lazy sequence over path's bytes. Determinism
// (spec invariant 1) follows from the chunker holding no mutable shared
// state and from cut depending only on the window ending at each tested
// byte.
func (c *FastCDC) GenerateChunkMap(path string) (*ChunkMapSequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: opening %s: %w", path, err)
	}
	bufSize := c.max * readAheadFactor
	if bufSize < c.max+1 {
		bufSize = c.max + 1
	}
	return &ChunkMapSequence{
		c:    c,
		file: f,
		buf:  make([]byte, bufSize),
	}, nil
}

func (s *ChunkMapSequence) fill() error {
	avail := s.end - s.cursor
	if avail >= s.c.max || s.eof {
		return nil
	}
	copy(s.buf[:avail], s.buf[s.cursor:s.end])
	s.cursor = 0
	s.end = avail
	n, err := io.ReadFull(s.file, s.buf[avail:])
	s.end += n
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		s.eof = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("chunker: reading %s: %w", s.file.Name(), err)
	}
	return nil
}

// Next returns the next ChunkMapEntry, or (ChunkMapEntry{}, false, nil)
// once the sequence is exhausted.
func (s *ChunkMapSequence) Next() (ChunkMapEntry, bool, error) {
	if s.done {
		return ChunkMapEntry{}, false, nil
	}
	if err := s.fill(); err != nil {
		return ChunkMapEntry{}, false, err
	}
	window := s.buf[s.cursor:s.end]
	if len(window) == 0 {
		s.done = true
		if !s.emitted && s.offset == 0 {
			// Zero-byte file: emit a single zero-length chunk (spec §8
			// boundary behavior) rather than no chunks at all.
			s.emitted = true
			return ChunkMapEntry{Checksum: hashid.Sum(nil), Offset: 0, Length: 0}, true, nil
		}
		return ChunkMapEntry{}, false, nil
	}
	length := s.c.cut(window)
	chunkBytes := window[:length]
	entry := ChunkMapEntry{
		Checksum: hashid.Sum(chunkBytes),
		Offset:   s.offset,
		Length:   uint64(length),
	}
	s.emitted = true
	s.cursor += length
	s.offset += uint64(length)
	if s.eof && s.cursor >= s.end {
		s.done = true
	}
	return entry, true, nil
}

// Close releases the underlying file handle. It is safe to call more than
// once.
func (s *ChunkMapSequence) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// All drains the sequence into a slice, closing it when done. Convenience
// wrapper for callers that do not need streaming.
func (c *FastCDC) All(path string) ([]ChunkMapEntry, error) {
	seq, err := c.GenerateChunkMap(path)
	if err != nil {
		return nil, err
	}
	defer seq.Close()
	var out []ChunkMapEntry
	for {
		entry, ok, err := seq.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, entry)
	}
}
