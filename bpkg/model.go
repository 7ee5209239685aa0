// Package bpkg implements the versioned Release Package binary format
// (BPKG v1 and v2) of spec §4.8: a magic-and-version-framed sequence of
// optionally zstd-compressed sections carrying a release's metadata,
// string table, components/files, and (v1 only) its chunk table and
// content-id dedup table.
package bpkg

import (
	"time"

	"github.com/thebinaryloop/binstash/hashid"
)

// DeltaChunkRef encodes one chunk reference relative to the previous
// chunk referenced by the same file: delta_index is the difference
// between this chunk's absolute index in the release's chunk table and
// the previous chunk's absolute index within the same file (the first
// chunk in a file stores its absolute index as delta_index).
type DeltaChunkRef struct {
	DeltaIndex uint32
	Offset     uint64
	Length     uint64
}

// ChunkInfo is one row of a v1 package's chunk table; its index within
// ReleasePackage.Chunks is its identity everywhere else in the package.
type ChunkInfo struct {
	Checksum hashid.Hash32
}

// ReleaseFile is one file within a component.
//
// Hash is always a full Hash32 in memory. BPKG v1 serializes only its low
// 8 bytes (the format's "fingerprint" width) and zero-fills the high 24
// bytes on decode; a ReleaseFile destined for v1 serialization must
// therefore already carry zero high bytes for round-trip fidelity to
// hold (see DESIGN.md, "v1 file hash width").
//
// Chunks is meaningful for v1 only, where it is serialized inline or via
// a content-id dedup reference. In v2 it is elided from the wire format
// entirely (the chunk list lives in the ObjectStore's file-def shards,
// addressed by Hash) and callers should leave it nil.
type ReleaseFile struct {
	Name   string
	Hash   hashid.Hash32
	Chunks []DeltaChunkRef
}

// Component is a named, ordered group of files. Names are unique within a
// package; file names are unique within a component.
type Component struct {
	Name  string
	Files []ReleaseFile
}

// Stats carries redundant-but-convenient package-level counters. Callers
// should treat this as derived data: RecomputeStats produces a
// consistent value from the rest of the package.
type Stats struct {
	ComponentCount int64
	FileCount      int64
	ChunkCount     int64
	RawSize        int64
	DedupedSize    int64
}

// ReleasePackage is the top-level immutable document describing one
// release tree (spec §3). Version selects the wire format (1 or 2); it
// also governs which in-memory invariants apply (see field docs above).
type ReleasePackage struct {
	Version          int
	ReleaseID        string
	RepoID           string
	Notes            string
	CreatedAt        time.Time
	CustomProperties map[string]string

	// Chunks is the v1 chunk table; always nil for v2 packages.
	Chunks []ChunkInfo

	Components []Component

	Stats Stats
}

// RecomputeStats derives Stats from Components (and, for v1, Chunks),
// overwriting the existing value. RawSize is the sum of every chunk
// reference's length; DedupedSize is, for v1, the sum of the first-seen
// ref length of each distinct chunk index, or left equal to RawSize for
// v2, where per-chunk sizes are not carried in the package itself.
func (p *ReleasePackage) RecomputeStats() {
	var s Stats
	s.ComponentCount = int64(len(p.Components))
	for _, c := range p.Components {
		s.FileCount += int64(len(c.Files))
		for _, f := range c.Files {
			for _, ref := range f.Chunks {
				s.RawSize += int64(ref.Length)
			}
		}
	}
	if p.Version == 1 {
		s.ChunkCount = int64(len(p.Chunks))
		// DedupedSize needs chunk lengths, which are not stored on
		// ChunkInfo (only the checksum is); approximate it as the sum of
		// each unique chunk's first-seen length among all file refs.
		seen := make(map[uint32]uint64)
		var index uint32
		for _, c := range p.Components {
			for _, f := range c.Files {
				index = 0
				for _, ref := range f.Chunks {
					index += ref.DeltaIndex
					if _, ok := seen[index]; !ok {
						seen[index] = ref.Length
					}
				}
			}
		}
		for _, length := range seen {
			s.DedupedSize += int64(length)
		}
	} else {
		s.DedupedSize = s.RawSize
	}
	p.Stats = s
}
