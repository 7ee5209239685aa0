package patch

import (
	"fmt"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/errs"
)

// Apply replays patch against base, returning a new ReleasePackage equal to
// the child package patch was created from (spec §4.9). base is not
// modified.
//
// The transported string-table delta is not applied to any field: this
// package's ReleasePackage model never persists a string table (bpkg
// derives it fresh from Components/Metadata at serialization time), so
// rebuilding Components and Metadata below already has the same effect a
// positional string-table replay would have had.
func Apply(base *bpkg.ReleasePackage, patch *ReleasePackagePatch) (*bpkg.ReleasePackage, error) {
	if base.Version != patch.Version {
		return nil, errs.New(errs.Unsupported, fmt.Errorf("patch: cannot apply a v%d patch to a v%d package", patch.Version, base.Version))
	}

	out := cloneReleasePackage(base)

	applyProperties(out.CustomProperties, patch.Properties)

	components, err := applyEditScript(out.Components, patch.Components.Script, patch.Components.Inserts)
	if err != nil {
		return nil, err
	}
	if err := applyComponentFileDeltas(components, patch.ComponentFiles); err != nil {
		return nil, err
	}
	out.Components = components

	switch patch.Version {
	case 1:
		if patch.ChunkTable == nil {
			return nil, errs.New(errs.InvalidFormat, fmt.Errorf("patch: v1 patch missing chunk table delta"))
		}
		chunks, err := applyEditScript(out.Chunks, patch.ChunkTable.Script, patch.ChunkTable.Inserts)
		if err != nil {
			return nil, err
		}
		out.Chunks = chunks
		// FileHashTable is unset for v1; ContentID changes describe the
		// dedup table, which is re-derived by bpkg at serialization time
		// from the (now-updated) Components and so need no replay here.
	case 2:
		out.Chunks = nil
		// FileHashTable, like ContentID, is informational: v2's unique
		// file-hash table is re-derived by bpkg from Components.
	default:
		return nil, errs.New(errs.Unsupported, fmt.Errorf("patch: unsupported package version %d", patch.Version))
	}

	out.ReleaseID = patch.ReleaseID
	out.RepoID = patch.RepoID
	out.Notes = patch.Notes
	out.CreatedAt = patch.CreatedAt

	out.RecomputeStats()
	return out, nil
}

// applyComponentFileDeltas replays each component's file edit script and
// kept-file modifications in place, matching deltas to components by name.
func applyComponentFileDeltas(components []bpkg.Component, deltas []ComponentFileDelta) error {
	byName := make(map[string]ComponentFileDelta, len(deltas))
	for _, d := range deltas {
		byName[d.ComponentName] = d
	}
	for i := range components {
		d, ok := byName[components[i].Name]
		if !ok {
			continue // component was freshly inserted; its files already arrived whole
		}
		files, err := applyEditScript(components[i].Files, d.Script, d.Inserts)
		if err != nil {
			return err
		}
		if len(d.Modifies) > 0 {
			modByName := make(map[string]bpkg.ReleaseFile, len(d.Modifies))
			for _, m := range d.Modifies {
				modByName[m.Name] = m
			}
			for j, f := range files {
				if m, ok := modByName[f.Name]; ok {
					files[j] = m
				}
			}
		}
		components[i].Files = files
	}
	return nil
}

// cloneReleasePackage deep-copies everything Apply mutates.
func cloneReleasePackage(src *bpkg.ReleasePackage) *bpkg.ReleasePackage {
	out := *src

	out.CustomProperties = make(map[string]string, len(src.CustomProperties))
	for k, v := range src.CustomProperties {
		out.CustomProperties[k] = v
	}

	out.Chunks = append([]bpkg.ChunkInfo(nil), src.Chunks...)

	out.Components = make([]bpkg.Component, len(src.Components))
	for i, c := range src.Components {
		out.Components[i] = bpkg.Component{
			Name:  c.Name,
			Files: append([]bpkg.ReleaseFile(nil), c.Files...),
		}
		for j := range out.Components[i].Files {
			out.Components[i].Files[j].Chunks = append([]bpkg.DeltaChunkRef(nil), c.Files[j].Chunks...)
		}
	}

	return &out
}

// ApplyChain replays a sequence of patches against base in order, each
// against the previous step's result.
func ApplyChain(base *bpkg.ReleasePackage, patches []*ReleasePackagePatch) (*bpkg.ReleasePackage, error) {
	cur := base
	for i, p := range patches {
		next, err := Apply(cur, p)
		if err != nil {
			return nil, fmt.Errorf("patch: applying chained patch %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}
