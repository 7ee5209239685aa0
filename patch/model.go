// Package patch implements the LCS-based release package patcher of spec
// §4.9: Create diffs two ReleasePackage values into a ReleasePackagePatch,
// and Apply replays one against a base package.
package patch

import (
	"time"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/hashid"
)

// EditOp is one instruction in an edit script.
type EditOp int

const (
	OpKeep EditOp = iota
	OpDelete
	OpInsert
)

func (o EditOp) String() string {
	switch o {
	case OpKeep:
		return "keep"
	case OpDelete:
		return "del"
	case OpInsert:
		return "ins"
	default:
		return "unknown"
	}
}

// EditRun is a run of N consecutive same-op steps.
type EditRun struct {
	Op EditOp
	N  int
}

// EditScript is a Keep/Del/Ins run sequence that turns a parent-side
// ordered list into a child-side ordered list. Replaying it against the
// parent list (consuming Keep/Del runs from the parent and Ins runs from a
// separately-carried insertion payload, in order) must reproduce the child
// list exactly.
type EditScript struct {
	Runs       []EditRun
	FinalCount int
}

// StringTableDelta is the set of strings added and removed between the
// parent's and child's token tables. It is carried for wire fidelity with
// spec §4.9 but is inert at Apply time: the string table is never stored on
// ReleasePackage (bpkg derives it fresh at serialization time), so Apply
// rebuilds it implicitly just by rebuilding Components and Metadata.
type StringTableDelta struct {
	Adds    []string
	Removes []string
}

// ChunkTableDelta is the v1 chunk-table edit script, keyed by
// hex(checksum).
type ChunkTableDelta struct {
	Script  EditScript
	Inserts []bpkg.ChunkInfo
}

// FileHashTableDelta is the v2 unique-file-hash edit script, keyed by
// hex(hash). It is informational only: the table itself is derived by
// bpkg's v2 serializer from Components, which the component/file edit
// scripts already update.
type FileHashTableDelta struct {
	Script  EditScript
	Inserts []hashid.Hash32
}

// ContentIDOp classifies one content-id table change.
type ContentIDOp int

const (
	ContentIDAdd ContentIDOp = iota
	ContentIDRemove
	ContentIDModify
)

// ContentIDChange is one v1 content-id dedup table change, keyed by
// content id. Refs is the child's ref list for an add or modify, and the
// parent's (removed) ref list for a remove.
type ContentIDChange struct {
	Op   ContentIDOp
	ID   uint64
	Refs []bpkg.DeltaChunkRef
}

// ComponentDelta is the component-list edit script, keyed by name. Inserts
// carry the full child component, files included.
type ComponentDelta struct {
	Script  EditScript
	Inserts []bpkg.Component
}

// ComponentFileDelta is one component's file-list edit script, keyed by
// file name. Inserts carry the full child file. Modifies lists files kept
// under the edit script (same name on both sides) whose Hash or Chunks
// changed, carrying the full new value.
type ComponentFileDelta struct {
	ComponentName string
	Script        EditScript
	Inserts       []bpkg.ReleaseFile
	Modifies      []bpkg.ReleaseFile
}

// PropertyOp classifies one custom-property change.
type PropertyOp int

const (
	PropertyAdd PropertyOp = iota
	PropertyRemove
	PropertyModify
)

// PropertyChange is one custom-property add/remove/modify, keyed by key.
type PropertyChange struct {
	Op    PropertyOp
	Key   string
	Value string // meaningless when Op is PropertyRemove
}

// ReleasePackagePatch is the full diff between a parent and a child
// ReleasePackage of the same version (spec §4.9). Metadata fields are
// copied verbatim from the child; every other field is an edit script or
// a keyed delta against the parent.
type ReleasePackagePatch struct {
	Version   int
	ReleaseID string
	RepoID    string
	Notes     string
	CreatedAt time.Time

	StringTable StringTableDelta

	// Exactly one of ChunkTable (v1) / FileHashTable (v2) is populated,
	// matching Version.
	ChunkTable    *ChunkTableDelta
	FileHashTable *FileHashTableDelta

	// ContentID is nil for v2 packages, which have no dedup table.
	ContentID []ContentIDChange

	Components     ComponentDelta
	ComponentFiles []ComponentFileDelta
	Properties     []PropertyChange
}
