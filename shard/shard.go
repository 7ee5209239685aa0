// Package shard implements the indexed pack shard described in spec §4.5:
// one hashed shard directory owning an append-only index file, a rolling
// sequence of append-only pack files, and an in-memory Hash32 -> location
// map rebuilt from the index on open.
package shard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/packfile"
)

var log = logging.Logger("binstash/shard")

// MaxPackFileSize is the 4 GiB cap per spec §3; once pack file n has reached
// it, the next write rolls to file number n+1. The write that crosses the
// cap still goes to file n.
const MaxPackFileSize int64 = 4 * 1024 * 1024 * 1024

// Kind names the two families of shard this package serves: chunk shards
// and file-definition shards differ only in their filename prefixes.
type Kind struct {
	// PackPrefix is the filename stem for pack files, e.g. "chunks" or
	// "fileDefs".
	PackPrefix string
}

var (
	// KindChunks names the chunk-shard family: chunks<xxx>-<n>.pack.
	KindChunks = Kind{PackPrefix: "chunks"}
	// KindFileDefs names the file-definition-shard family:
	// fileDefs<xxx>-<n>.pack.
	KindFileDefs = Kind{PackPrefix: "fileDefs"}
)

type location struct {
	fileNo uint32
	offset uint64
	length uint64
}

// Shard owns one hashed shard directory: an index file, the current pack
// file sequence number, and the in-memory map decoded from the index.
type Shard struct {
	dir    string
	prefix string // 3 hex chars
	kind   Kind

	compressionLevel int

	packLock  *semaphore.Weighted
	indexLock *semaphore.Weighted

	mapMu sync.RWMutex
	index map[hashid.Hash32]location

	curFileMu   sync.Mutex
	curFileNo   uint32
	curFileSize int64

	indexPath string
}

// Option configures a Shard.
type Option func(*options)

type options struct {
	compressionLevel int
}

// WithCompressionLevel overrides the zstd level used for new pack entries.
func WithCompressionLevel(level int) Option {
	return func(o *options) { o.compressionLevel = level }
}

const defaultCompressionLevel = 3

// Open opens (creating if absent) the shard directory under baseDir for
// the given 3-hex-char prefix, decoding the full index file into memory.
func Open(baseDir string, kind Kind, prefix string, opts ...Option) (*Shard, error) {
	if len(prefix) != 3 {
		return nil, fmt.Errorf("shard: prefix must be 3 hex chars, got %q", prefix)
	}
	o := &options{compressionLevel: defaultCompressionLevel}
	for _, opt := range opts {
		opt(o)
	}

	dir := filepath.Join(baseDir, prefix[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.New(errs.IoError, fmt.Errorf("shard: creating %s: %w", dir, err))
	}

	s := &Shard{
		dir:              dir,
		prefix:           prefix,
		kind:             kind,
		compressionLevel: o.compressionLevel,
		packLock:         semaphore.NewWeighted(1),
		indexLock:        semaphore.NewWeighted(1),
		index:            make(map[hashid.Hash32]location),
		indexPath:        filepath.Join(dir, "index"+prefix+".idx"),
	}

	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	if err := s.findCurrentPackFile(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Shard) packFilePath(n uint32) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%s-%d.pack", s.kind.PackPrefix, s.prefix, n))
}

func (s *Shard) findCurrentPackFile() error {
	var n uint32
	for {
		path := s.packFilePath(n + 1)
		fi, err := os.Stat(path)
		if err != nil {
			break
		}
		n++
		_ = fi
	}
	s.curFileNo = n
	fi, err := os.Stat(s.packFilePath(n))
	if err == nil {
		s.curFileSize = fi.Size()
	} else if !os.IsNotExist(err) {
		return errs.New(errs.IoError, fmt.Errorf("shard: stat %s: %w", s.packFilePath(n), err))
	}
	return nil
}

// Contains reports whether hash is already present, without taking the
// pack lock (the fast-path check of spec §4.5 step 1).
func (s *Shard) Contains(hash hashid.Hash32) bool {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	_, ok := s.index[hash]
	return ok
}

// Len returns the number of unique entries currently indexed.
func (s *Shard) Len() int {
	s.mapMu.RLock()
	defer s.mapMu.RUnlock()
	return len(s.index)
}

// Put writes payload under hash if not already present. It returns the
// number of bytes appended to the pack file (0 if the hash already
// existed, per the idempotent-dedupe contract of spec §4.5/§7).
func (s *Shard) Put(ctx context.Context, hash hashid.Hash32, payload []byte) (int64, error) {
	if s.Contains(hash) {
		return 0, nil
	}

	if err := s.packLock.Acquire(ctx, 1); err != nil {
		return 0, errs.New(errs.Cancelled, err)
	}
	defer s.packLock.Release(1)

	// Re-check under the lock to serialize races (step 2 of §4.5).
	if s.Contains(hash) {
		return 0, nil
	}

	s.curFileMu.Lock()
	if s.curFileSize >= MaxPackFileSize {
		s.curFileNo++
		s.curFileSize = 0
		log.Debugw("rolled pack file", "shard", s.prefix, "kind", s.kind.PackPrefix, "fileNo", s.curFileNo)
	}
	fileNo := s.curFileNo
	offset := s.curFileSize
	s.curFileMu.Unlock()

	path := s.packFilePath(fileNo)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errs.New(errs.IoError, fmt.Errorf("shard: opening %s: %w", path, err))
	}
	defer f.Close()

	n, err := packfile.WriteEntry(f, payload, s.compressionLevel)
	if err != nil {
		return 0, err
	}

	s.curFileMu.Lock()
	s.curFileSize = offset + n
	s.curFileMu.Unlock()

	loc := location{fileNo: fileNo, offset: uint64(offset), length: uint64(n)}

	s.mapMu.Lock()
	s.index[hash] = loc
	s.mapMu.Unlock()

	if err := s.indexLock.Acquire(ctx, 1); err != nil {
		return 0, errs.New(errs.Cancelled, err)
	}
	defer s.indexLock.Release(1)

	if err := s.appendIndexEntry(hash, loc); err != nil {
		return 0, err
	}

	return n, nil
}

// Get reads back the payload stored under hash.
func (s *Shard) Get(hash hashid.Hash32) ([]byte, error) {
	s.mapMu.RLock()
	loc, ok := s.index[hash]
	s.mapMu.RUnlock()
	if !ok {
		return nil, errs.At(errs.NotFound, errs.Location{ShardPrefix: s.prefix, PackFile: -1, Offset: -1, SectionID: -1}, fmt.Errorf("shard: hash %s not found", hash.Hex()))
	}

	path := s.packFilePath(loc.fileNo)
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.At(errs.Corruption, errs.Location{ShardPrefix: s.prefix, PackFile: int32(loc.fileNo), Offset: int64(loc.offset), SectionID: -1},
			fmt.Errorf("shard: index entry references missing pack file %s: %w", path, err))
	}
	defer f.Close()

	if _, err := f.Seek(int64(loc.offset), 0); err != nil {
		return nil, errs.New(errs.IoError, fmt.Errorf("shard: seeking %s: %w", path, err))
	}
	payload, _, err := packfile.ReadEntry(f, packfile.ReadOptions{})
	if err != nil {
		return payload, err
	}
	return payload, nil
}

// Prefix returns the shard's 3-hex-char prefix.
func (s *Shard) Prefix() string { return s.prefix }
