package shard

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/packfile"
)

// RebuildIndex truncates the index file, clears the in-memory map, and
// replays every pack-<n> file in order, recomputing each payload's hash
// and rewriting the index. Unreadable entries terminate that pack file's
// scan without aborting the rebuild of the remaining files (spec §4.5).
func (s *Shard) RebuildIndex(ctx context.Context) error {
	if err := s.packLock.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Cancelled, err)
	}
	defer s.packLock.Release(1)
	if err := s.indexLock.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Cancelled, err)
	}
	defer s.indexLock.Release(1)

	if err := os.Truncate(s.indexPath, 0); err != nil && !os.IsNotExist(err) {
		return errs.New(errs.IoError, fmt.Errorf("shard: truncating index %s: %w", s.indexPath, err))
	}

	s.mapMu.Lock()
	s.index = make(map[hashid.Hash32]location)
	s.mapMu.Unlock()

	var errAll error
	for n := uint32(0); ; n++ {
		path := s.packFilePath(n)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			if n == 0 {
				continue // tolerate a missing file 0 with later files present
			}
			break
		}
		if err != nil {
			errAll = multierr.Append(errAll, errs.New(errs.IoError, fmt.Errorf("shard: opening %s: %w", path, err)))
			continue
		}

		entries, err := packfile.ReadAllEntries(f, packfile.ReadOptions{})
		f.Close()
		if err != nil {
			log.Warnw("pack file scan stopped early during rebuild", "path", path, "error", err)
			errAll = multierr.Append(errAll, err)
		}

		for _, e := range entries {
			hash := hashid.Sum(e.Data)
			if s.Contains(hash) {
				continue
			}
			loc := location{fileNo: n, offset: uint64(e.Offset), length: uint64(e.Length)}
			if err := s.appendIndexEntry(hash, loc); err != nil {
				return err
			}
			s.mapMu.Lock()
			s.index[hash] = loc
			s.mapMu.Unlock()
		}
	}

	if err := s.findCurrentPackFile(); err != nil {
		return err
	}
	log.Infow("rebuilt shard index", "shard", s.prefix, "kind", s.kind.PackPrefix, "entries", s.Len())
	return errAll
}

// RebuildPacks rewrites every pack file through the current compressor,
// canonicalizing entries written by an older compressor version. When
// salvage is true, corrupt framing (bad xxh3, bad magic) is tolerated and
// the offending entry is dropped rather than aborting the whole pack file.
func (s *Shard) RebuildPacks(ctx context.Context, salvage bool) error {
	if err := s.packLock.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Cancelled, err)
	}
	defer s.packLock.Release(1)

	var errAll error
	for n := uint32(0); n <= s.curFileNo; n++ {
		path := s.packFilePath(n)
		in, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			errAll = multierr.Append(errAll, err)
			continue
		}

		entries, err := packfile.ReadAllEntries(in, packfile.ReadOptions{Unchecked: salvage})
		in.Close()
		if err != nil && !salvage {
			return err
		}
		if err != nil {
			errAll = multierr.Append(errAll, err)
		}

		tmpPath := path + ".rebuild"
		out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return errs.New(errs.IoError, fmt.Errorf("shard: creating %s: %w", tmpPath, err))
		}

		newOffsets := make(map[int64]int64, len(entries))
		var cursor int64
		for _, e := range entries {
			written, err := packfile.WriteEntry(out, e.Data, s.compressionLevel)
			if err != nil {
				out.Close()
				os.Remove(tmpPath)
				return err
			}
			newOffsets[e.Offset] = cursor
			cursor += written
		}
		if err := out.Close(); err != nil {
			return errs.New(errs.IoError, fmt.Errorf("shard: closing %s: %w", tmpPath, err))
		}
		if err := os.Rename(tmpPath, path); err != nil {
			return errs.New(errs.IoError, fmt.Errorf("shard: replacing %s: %w", path, err))
		}

		s.mapMu.Lock()
		for hash, loc := range s.index {
			if loc.fileNo != n {
				continue
			}
			if newOff, ok := newOffsets[int64(loc.offset)]; ok {
				loc.offset = uint64(newOff)
				s.index[hash] = loc
			}
		}
		s.mapMu.Unlock()
	}

	// Entry offsets shift when payloads are recompressed, so the durable
	// index must be rewritten to match the updated in-memory map.
	if err := s.indexLock.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Cancelled, err)
	}
	defer s.indexLock.Release(1)
	if err := s.rewriteIndexFile(); err != nil {
		return err
	}

	return errAll
}
