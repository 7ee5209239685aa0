package shard

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/thebinaryloop/binstash/bitio"
	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
)

// loadIndex decodes the full index file (if any) into the in-memory map.
// The index file is read sequentially rather than memory-mapped: every
// record is small and fixed-shape (hash + three varints), so a single
// buffered linear scan is simpler and just as fast for the shard sizes
// this engine targets, and avoids a platform-specific mmap dependency the
// example pack does not otherwise need. See DESIGN.md.
func (s *Shard) loadIndex() error {
	f, err := os.OpenFile(s.indexPath, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: opening index %s: %w", s.indexPath, err))
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hashBuf [hashid.Size]byte
		_, err := io.ReadFull(r, hashBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.New(errs.InvalidFormat, fmt.Errorf("shard: truncated index record (hash) in %s: %w", s.indexPath, err))
		}
		hash, _ := hashid.FromBytes(hashBuf[:])

		fileNo, err := bitio.ReadUvarint(r)
		if err != nil {
			return errs.New(errs.InvalidFormat, fmt.Errorf("shard: truncated index record (file_no) in %s: %w", s.indexPath, err))
		}
		offset, err := bitio.ReadUvarint(r)
		if err != nil {
			return errs.New(errs.InvalidFormat, fmt.Errorf("shard: truncated index record (offset) in %s: %w", s.indexPath, err))
		}
		length, err := bitio.ReadUvarint(r)
		if err != nil {
			return errs.New(errs.InvalidFormat, fmt.Errorf("shard: truncated index record (length) in %s: %w", s.indexPath, err))
		}

		s.index[hash] = location{fileNo: uint32(fileNo), offset: offset, length: length}
	}
	return nil
}

func encodeIndexRecord(hash hashid.Hash32, loc location) []byte {
	buf := make([]byte, 0, hashid.Size+3*10)
	buf = append(buf, hash[:]...)
	var tmp [10]byte
	n := bitio.PutUvarint(tmp[:], uint64(loc.fileNo))
	buf = append(buf, tmp[:n]...)
	n = bitio.PutUvarint(tmp[:], loc.offset)
	buf = append(buf, tmp[:n]...)
	n = bitio.PutUvarint(tmp[:], loc.length)
	buf = append(buf, tmp[:n]...)
	return buf
}

// rewriteIndexFile truncates and rewrites the index file from the current
// in-memory map. Callers must hold indexLock.
func (s *Shard) rewriteIndexFile() error {
	tmpPath := s.indexPath + ".rebuild"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: creating %s: %w", tmpPath, err))
	}
	w := bufio.NewWriter(f)

	s.mapMu.RLock()
	for hash, loc := range s.index {
		if _, err := w.Write(encodeIndexRecord(hash, loc)); err != nil {
			s.mapMu.RUnlock()
			f.Close()
			os.Remove(tmpPath)
			return errs.New(errs.IoError, fmt.Errorf("shard: writing %s: %w", tmpPath, err))
		}
	}
	s.mapMu.RUnlock()

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errs.New(errs.IoError, fmt.Errorf("shard: flushing %s: %w", tmpPath, err))
	}
	if err := f.Close(); err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: closing %s: %w", tmpPath, err))
	}
	if err := os.Rename(tmpPath, s.indexPath); err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: replacing %s: %w", s.indexPath, err))
	}
	return nil
}

// appendIndexEntry appends one record to the index file. Callers must hold
// indexLock.
func (s *Shard) appendIndexEntry(hash hashid.Hash32, loc location) error {
	f, err := os.OpenFile(s.indexPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: opening index %s: %w", s.indexPath, err))
	}
	defer f.Close()

	if _, err := f.Write(encodeIndexRecord(hash, loc)); err != nil {
		return errs.New(errs.IoError, fmt.Errorf("shard: appending index record to %s: %w", s.indexPath, err))
	}
	return nil
}
