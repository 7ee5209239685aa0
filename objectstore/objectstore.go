// Package objectstore implements the ObjectStore facade of spec §4.6: a
// sharded, content-addressed store for chunks and file-definitions, plus a
// flat content-addressed store for release packages.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/shard"
)

var log = logging.Logger("binstash/objectstore")

// NumShards is the number of shards per family (16^3 three-hex-char
// prefixes), per spec §3.
const NumShards = 4096

// Option configures an ObjectStore.
type Option func(*config)

type config struct {
	compressionLevel int
}

const defaultCompressionLevel = 3

// WithCompressionLevel overrides the zstd level used for new chunk and
// file-definition pack entries.
func WithCompressionLevel(level int) Option {
	return func(c *config) { c.compressionLevel = level }
}

// ObjectStore owns the on-disk directory tree rooted at a base path:
// Chunks/, FileDefs/, and Releases/. Shards are opened lazily and cached,
// since eagerly opening all 4096 shards per family would mean touching
// thousands of index files that may never be used (see DESIGN.md).
type ObjectStore struct {
	root   string
	config config

	chunksMu  sync.Mutex
	chunks    map[string]*shard.Shard
	fileDefMu sync.Mutex
	fileDefs  map[string]*shard.Shard
}

const (
	chunksDirName   = "Chunks"
	fileDefsDirName = "FileDefs"
	releasesDirName = "Releases"
)

// Open opens (creating if absent) the ObjectStore rooted at root.
func Open(root string, opts ...Option) (*ObjectStore, error) {
	c := config{compressionLevel: defaultCompressionLevel}
	for _, opt := range opts {
		opt(&c)
	}
	for _, sub := range []string{chunksDirName, fileDefsDirName, releasesDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, errs.New(errs.IoError, fmt.Errorf("objectstore: creating %s: %w", sub, err))
		}
	}
	return &ObjectStore{
		root:     root,
		config:   c,
		chunks:   make(map[string]*shard.Shard),
		fileDefs: make(map[string]*shard.Shard),
	}, nil
}

func (o *ObjectStore) shardFor(kind shard.Kind, hash hashid.Hash32) (*shard.Shard, error) {
	prefix := hash.ShardPrefix(3)
	var (
		mu    *sync.Mutex
		cache map[string]*shard.Shard
		base  string
	)
	switch kind.PackPrefix {
	case shard.KindChunks.PackPrefix:
		mu, cache, base = &o.chunksMu, o.chunks, filepath.Join(o.root, chunksDirName)
	case shard.KindFileDefs.PackPrefix:
		mu, cache, base = &o.fileDefMu, o.fileDefs, filepath.Join(o.root, fileDefsDirName)
	default:
		return nil, fmt.Errorf("objectstore: unknown shard kind %q", kind.PackPrefix)
	}

	mu.Lock()
	defer mu.Unlock()
	if s, ok := cache[prefix]; ok {
		return s, nil
	}
	s, err := shard.Open(base, kind, prefix, shard.WithCompressionLevel(o.config.compressionLevel))
	if err != nil {
		return nil, err
	}
	cache[prefix] = s
	return s, nil
}

// PutChunk stores payload content-addressed under the chunk shards,
// returning its Hash32. Idempotent: a byte-identical chunk already stored
// costs nothing beyond the containment check.
func (o *ObjectStore) PutChunk(ctx context.Context, payload []byte) (hashid.Hash32, error) {
	hash := hashid.Sum(payload)
	s, err := o.shardFor(shard.KindChunks, hash)
	if err != nil {
		return hash, err
	}
	if _, err := s.Put(ctx, hash, payload); err != nil {
		return hash, err
	}
	return hash, nil
}

// GetChunk retrieves a chunk's bytes by hash.
func (o *ObjectStore) GetChunk(hash hashid.Hash32) ([]byte, error) {
	s, err := o.shardFor(shard.KindChunks, hash)
	if err != nil {
		return nil, err
	}
	return s.Get(hash)
}

// PutFileDef stores a file-definition's bytes content-addressed, returning
// its Hash32.
func (o *ObjectStore) PutFileDef(ctx context.Context, payload []byte) (hashid.Hash32, error) {
	hash := hashid.Sum(payload)
	s, err := o.shardFor(shard.KindFileDefs, hash)
	if err != nil {
		return hash, err
	}
	if _, err := s.Put(ctx, hash, payload); err != nil {
		return hash, err
	}
	return hash, nil
}

// GetFileDef retrieves a file-definition's bytes by hash.
func (o *ObjectStore) GetFileDef(hash hashid.Hash32) ([]byte, error) {
	s, err := o.shardFor(shard.KindFileDefs, hash)
	if err != nil {
		return nil, err
	}
	return s.Get(hash)
}

func (o *ObjectStore) releasePath(hash hashid.Hash32) string {
	prefix := hash.ShardPrefix(3)
	return filepath.Join(o.root, releasesDirName, prefix, hash.Hex()+".rdef")
}

// PutRelease stores a release package's serialized bytes under its content
// hash and returns that hash.
func (o *ObjectStore) PutRelease(payload []byte) (hashid.Hash32, error) {
	hash := hashid.Sum(payload)
	path := o.releasePath(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hash, errs.New(errs.IoError, fmt.Errorf("objectstore: creating release dir: %w", err))
	}
	if _, err := os.Stat(path); err == nil {
		return hash, nil // already present; idempotent
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return hash, errs.New(errs.IoError, fmt.Errorf("objectstore: writing release: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return hash, errs.New(errs.IoError, fmt.Errorf("objectstore: finalizing release: %w", err))
	}
	return hash, nil
}

// GetRelease reads back a release package's serialized bytes by hash.
func (o *ObjectStore) GetRelease(hash hashid.Hash32) ([]byte, error) {
	data, err := os.ReadFile(o.releasePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.At(errs.NotFound, errs.Location{ShardPrefix: hash.ShardPrefix(3), PackFile: -1, Offset: -1, SectionID: -1},
				fmt.Errorf("objectstore: release %s not found", hash.Hex()))
		}
		return nil, errs.New(errs.IoError, err)
	}
	return data, nil
}

// DeleteRelease removes a release package by hash. Deleting an absent
// release is not an error.
func (o *ObjectStore) DeleteRelease(hash hashid.Hash32) error {
	err := os.Remove(o.releasePath(hash))
	if err != nil && !os.IsNotExist(err) {
		return errs.New(errs.IoError, err)
	}
	return nil
}

// RebuildStorage fans out RebuildIndex across every shard directory that
// currently has data on disk for either family, using an errgroup so
// independent shards rebuild concurrently (spec §5.3); within one shard,
// the rebuild is itself serialized by its own locks.
func (o *ObjectStore) RebuildStorage(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, spec := range []struct {
		kind shard.Kind
		base string
	}{
		{shard.KindChunks, filepath.Join(o.root, chunksDirName)},
		{shard.KindFileDefs, filepath.Join(o.root, fileDefsDirName)},
	} {
		prefixes, err := discoverShardPrefixes(spec.base)
		if err != nil {
			return err
		}
		for _, prefix := range prefixes {
			spec, prefix := spec, prefix
			g.Go(func() error {
				s, err := shard.Open(spec.base, spec.kind, prefix, shard.WithCompressionLevel(o.config.compressionLevel))
				if err != nil {
					return err
				}
				return s.RebuildIndex(gctx)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Infow("rebuilt object store")
	return nil
}

// discoverShardPrefixes walks base (Chunks/ or FileDefs/) and returns the
// 3-hex-char prefixes of every index file found, regardless of whether
// that shard has already been opened in this process.
func discoverShardPrefixes(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.New(errs.IoError, err)
	}
	var prefixes []string
	for _, sub := range entries {
		if !sub.IsDir() {
			continue
		}
		subEntries, err := os.ReadDir(filepath.Join(base, sub.Name()))
		if err != nil {
			return nil, errs.New(errs.IoError, err)
		}
		for _, f := range subEntries {
			name := f.Name()
			if strings.HasPrefix(name, "index") && strings.HasSuffix(name, ".idx") {
				prefix := strings.TrimSuffix(strings.TrimPrefix(name, "index"), ".idx")
				if len(prefix) == 3 {
					prefixes = append(prefixes, prefix)
				}
			}
		}
	}
	return prefixes, nil
}
