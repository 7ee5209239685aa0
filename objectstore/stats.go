package objectstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/packfile"
)

// Stats summarizes what is stored across every shard of one family.
type Stats struct {
	Entries           int64
	StoredBytes       int64 // bytes occupied on disk (compressed)
	UncompressedBytes int64 // sum of each entry's original size, from pack headers
}

// CompressionRatio returns UncompressedBytes/StoredBytes, or 0 if nothing
// is stored.
func (s Stats) CompressionRatio() float64 {
	if s.StoredBytes == 0 {
		return 0
	}
	return float64(s.UncompressedBytes) / float64(s.StoredBytes)
}

// Pretty renders a human-readable one-line summary.
func (s Stats) Pretty() string {
	return fmt.Sprintf("%s entries, %s stored, %s uncompressed (%.2fx)",
		humanize.Comma(s.Entries), humanize.IBytes(uint64(s.StoredBytes)), humanize.IBytes(uint64(s.UncompressedBytes)), s.CompressionRatio())
}

// ChunkStats iterates every chunk shard's pack files, summing index
// cardinality and stored/uncompressed bytes by peeking at each entry's
// header.
func (o *ObjectStore) ChunkStats() (Stats, error) {
	return o.familyStats(filepath.Join(o.root, chunksDirName))
}

// FileDefStats is ChunkStats for the file-definition shard family.
func (o *ObjectStore) FileDefStats() (Stats, error) {
	return o.familyStats(filepath.Join(o.root, fileDefsDirName))
}

func (o *ObjectStore) familyStats(base string) (Stats, error) {
	prefixes, err := discoverShardPrefixes(base)
	if err != nil {
		return Stats{}, err
	}

	var total Stats
	// Several 3-char shard prefixes share one 2-char directory; scan each
	// directory once so its pack files are not counted more than once.
	seenDirs := make(map[string]bool)
	for _, prefix := range prefixes {
		dir := filepath.Join(base, prefix[:2])
		if seenDirs[dir] {
			continue
		}
		seenDirs[dir] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			return Stats{}, errs.New(errs.IoError, err)
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".pack" {
				continue
			}
			f, err := os.Open(filepath.Join(dir, e.Name()))
			if err != nil {
				return Stats{}, errs.New(errs.IoError, err)
			}
			headers, err := packfile.ReadAllHeaders(f)
			f.Close()
			if err != nil {
				return Stats{}, err
			}
			for _, he := range headers {
				total.Entries++
				total.StoredBytes += he.Length
				total.UncompressedBytes += int64(he.Header.UncompressedLen)
			}
		}
	}
	return total, nil
}
