package patch

import (
	"fmt"
	"sort"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/errs"
	"github.com/thebinaryloop/binstash/hashid"
)

// Create diffs parent into child, producing a patch that Apply can replay
// against parent (or any package whose relevant lists match parent's) to
// reproduce child. parent and child must share the same Version.
func Create(parent, child *bpkg.ReleasePackage) (*ReleasePackagePatch, error) {
	if parent.Version != child.Version {
		return nil, errs.New(errs.Unsupported, fmt.Errorf("patch: cannot diff package version %d against %d", parent.Version, child.Version))
	}

	p := &ReleasePackagePatch{
		Version:     child.Version,
		ReleaseID:   child.ReleaseID,
		RepoID:      child.RepoID,
		Notes:       child.Notes,
		CreatedAt:   child.CreatedAt,
		StringTable: diffStringTables(parent, child),
		Properties:  diffProperties(parent.CustomProperties, child.CustomProperties),
	}

	switch child.Version {
	case 1:
		p.ChunkTable = diffChunkTable(parent.Chunks, child.Chunks)
		p.ContentID = diffContentIDTables(parent.Components, child.Components)
	case 2:
		p.FileHashTable = diffFileHashTable(parent.Components, child.Components)
	default:
		return nil, errs.New(errs.Unsupported, fmt.Errorf("patch: unsupported package version %d", child.Version))
	}

	p.Components, p.ComponentFiles = diffComponents(parent.Components, child.Components)

	return p, nil
}

func diffChunkTable(parent, child []bpkg.ChunkInfo) *ChunkTableDelta {
	parentKeys := make([]string, len(parent))
	for i, c := range parent {
		parentKeys[i] = c.Checksum.Hex()
	}
	childKeys := make([]string, len(child))
	for i, c := range child {
		childKeys[i] = c.Checksum.Hex()
	}
	script, insertedIdx, _ := computeEditScript(parentKeys, childKeys)
	inserts := make([]bpkg.ChunkInfo, len(insertedIdx))
	for i, idx := range insertedIdx {
		inserts[i] = child[idx]
	}
	return &ChunkTableDelta{Script: script, Inserts: inserts}
}

func diffFileHashTable(parentComponents, childComponents []bpkg.Component) *FileHashTableDelta {
	parentHashes := uniqueFileHashesOrdered(parentComponents)
	childHashes := uniqueFileHashesOrdered(childComponents)

	parentKeys := make([]string, len(parentHashes))
	for i, h := range parentHashes {
		parentKeys[i] = h.Hex()
	}
	childKeys := make([]string, len(childHashes))
	for i, h := range childHashes {
		childKeys[i] = h.Hex()
	}
	script, insertedIdx, _ := computeEditScript(parentKeys, childKeys)
	inserts := make([]hashid.Hash32, len(insertedIdx))
	for i, idx := range insertedIdx {
		inserts[i] = childHashes[idx]
	}
	return &FileHashTableDelta{Script: script, Inserts: inserts}
}

// uniqueFileHashesOrdered returns the distinct file hashes referenced by
// components, in first-seen order. Create only needs a stable, arbitrary
// order to key an LCS diff against (unlike bpkg's v2 serializer, which
// additionally needs frequency-descending order for its wire table).
func uniqueFileHashesOrdered(components []bpkg.Component) []hashid.Hash32 {
	seen := make(map[hashid.Hash32]struct{})
	var out []hashid.Hash32
	for _, c := range components {
		for _, f := range c.Files {
			if _, ok := seen[f.Hash]; ok {
				continue
			}
			seen[f.Hash] = struct{}{}
			out = append(out, f.Hash)
		}
	}
	return out
}

func diffContentIDTables(parentComponents, childComponents []bpkg.Component) []ContentIDChange {
	parentTable := bpkg.ContentIDTable(parentComponents)
	childTable := bpkg.ContentIDTable(childComponents)

	ids := make(map[uint64]struct{}, len(parentTable)+len(childTable))
	for id := range parentTable {
		ids[id] = struct{}{}
	}
	for id := range childTable {
		ids[id] = struct{}{}
	}
	sorted := make([]uint64, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var changes []ContentIDChange
	for _, id := range sorted {
		pRefs, pOK := parentTable[id]
		cRefs, cOK := childTable[id]
		switch {
		case !pOK && cOK:
			changes = append(changes, ContentIDChange{Op: ContentIDAdd, ID: id, Refs: cRefs})
		case pOK && !cOK:
			changes = append(changes, ContentIDChange{Op: ContentIDRemove, ID: id, Refs: pRefs})
		case pOK && cOK && !refListsEqual(pRefs, cRefs):
			changes = append(changes, ContentIDChange{Op: ContentIDModify, ID: id, Refs: cRefs})
		}
	}
	return changes
}

func refListsEqual(a, b []bpkg.DeltaChunkRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffComponents computes the component-list edit script plus, for every
// component matched as Kept on both sides, that component's own file-list
// edit script and kept-file modify list.
func diffComponents(parent, child []bpkg.Component) (ComponentDelta, []ComponentFileDelta) {
	parentKeys := make([]string, len(parent))
	for i, c := range parent {
		parentKeys[i] = c.Name
	}
	childKeys := make([]string, len(child))
	for i, c := range child {
		childKeys[i] = c.Name
	}
	script, insertedIdx, kept := computeEditScript(parentKeys, childKeys)

	inserts := make([]bpkg.Component, len(insertedIdx))
	for i, idx := range insertedIdx {
		inserts[i] = child[idx]
	}

	var fileDeltas []ComponentFileDelta
	for _, kp := range kept {
		pc := parent[kp.ParentIdx]
		cc := child[kp.ChildIdx]
		fileDeltas = append(fileDeltas, diffComponentFiles(pc, cc))
	}

	return ComponentDelta{Script: script, Inserts: inserts}, fileDeltas
}

func diffComponentFiles(parent, child bpkg.Component) ComponentFileDelta {
	parentKeys := make([]string, len(parent.Files))
	for i, f := range parent.Files {
		parentKeys[i] = f.Name
	}
	childKeys := make([]string, len(child.Files))
	for i, f := range child.Files {
		childKeys[i] = f.Name
	}
	script, insertedIdx, kept := computeEditScript(parentKeys, childKeys)

	inserts := make([]bpkg.ReleaseFile, len(insertedIdx))
	for i, idx := range insertedIdx {
		inserts[i] = child.Files[idx]
	}

	var modifies []bpkg.ReleaseFile
	for _, kp := range kept {
		pf := parent.Files[kp.ParentIdx]
		cf := child.Files[kp.ChildIdx]
		if pf.Hash != cf.Hash || !refListsEqual(pf.Chunks, cf.Chunks) {
			modifies = append(modifies, cf)
		}
	}

	return ComponentFileDelta{
		ComponentName: child.Name,
		Script:        script,
		Inserts:       inserts,
		Modifies:      modifies,
	}
}
