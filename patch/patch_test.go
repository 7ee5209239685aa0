package patch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/patch"
)

func h(b byte) hashid.Hash32 {
	var out hashid.Hash32
	out[0] = b
	return out
}

func v1Hash(b byte) hashid.Hash32 {
	// v1 file hashes only round-trip in their low 8 bytes; keep the high
	// 24 bytes zero so patches built against v1 packages stay realistic.
	return h(b)
}

func samplePackageV1() *bpkg.ReleasePackage {
	pkg := &bpkg.ReleasePackage{
		Version:   1,
		ReleaseID: "rel-1",
		RepoID:    "repo-1",
		Notes:     "initial",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		CustomProperties: map[string]string{
			"env":    "prod",
			"target": "linux/amd64",
		},
		Chunks: []bpkg.ChunkInfo{
			{Checksum: h(1)},
			{Checksum: h(2)},
			{Checksum: h(3)},
		},
		Components: []bpkg.Component{
			{
				Name: "bin",
				Files: []bpkg.ReleaseFile{
					{
						Name: "bin/app",
						Hash: v1Hash(0x10),
						Chunks: []bpkg.DeltaChunkRef{
							{DeltaIndex: 0, Offset: 0, Length: 100},
							{DeltaIndex: 1, Offset: 100, Length: 50},
						},
					},
					{
						Name: "bin/lib.so",
						Hash: v1Hash(0x20),
						Chunks: []bpkg.DeltaChunkRef{
							{DeltaIndex: 2, Offset: 0, Length: 30},
						},
					},
				},
			},
			{
				Name: "docs",
				Files: []bpkg.ReleaseFile{
					{Name: "docs/readme.md", Hash: v1Hash(0x30), Chunks: []bpkg.DeltaChunkRef{
						{DeltaIndex: 0, Offset: 0, Length: 20},
					}},
				},
			},
		},
	}
	pkg.RecomputeStats()
	return pkg
}

func TestCreateApplyV1RoundTrip(t *testing.T) {
	parent := samplePackageV1()

	child := samplePackageV1()
	child.ReleaseID = "rel-2"
	child.Notes = "second cut"
	child.CreatedAt = time.Unix(1700001000, 0).UTC()
	child.CustomProperties["env"] = "staging"  // modify
	delete(child.CustomProperties, "target")   // remove
	child.CustomProperties["channel"] = "beta" // add

	// Modify an existing file's chunk list.
	child.Components[0].Files[0].Chunks = []bpkg.DeltaChunkRef{
		{DeltaIndex: 0, Offset: 0, Length: 100},
		{DeltaIndex: 1, Offset: 100, Length: 60}, // length changed
		{DeltaIndex: 2, Offset: 160, Length: 10}, // new chunk appended
	}
	// Add a new file to an existing component.
	child.Components[0].Files = append(child.Components[0].Files, bpkg.ReleaseFile{
		Name: "bin/app.sig",
		Hash: v1Hash(0x40),
		Chunks: []bpkg.DeltaChunkRef{
			{DeltaIndex: 0, Offset: 0, Length: 8},
		},
	})
	// Remove the docs component entirely.
	child.Components = child.Components[:1]
	// Add a brand new component.
	child.Components = append(child.Components, bpkg.Component{
		Name: "extras",
		Files: []bpkg.ReleaseFile{
			{Name: "extras/licence.txt", Hash: v1Hash(0x50), Chunks: []bpkg.DeltaChunkRef{
				{DeltaIndex: 0, Offset: 0, Length: 5},
			}},
		},
	})
	child.Chunks = append(child.Chunks, bpkg.ChunkInfo{Checksum: h(4)})
	child.RecomputeStats()

	p, err := patch.Create(parent, child)
	require.NoError(t, err)
	require.Equal(t, 1, p.Version)
	require.Equal(t, "rel-2", p.ReleaseID)
	require.NotNil(t, p.ChunkTable)
	require.Nil(t, p.FileHashTable)

	got, err := patch.Apply(parent, p)
	require.NoError(t, err)

	require.Equal(t, child.ReleaseID, got.ReleaseID)
	require.Equal(t, child.Notes, got.Notes)
	require.Equal(t, child.CreatedAt, got.CreatedAt)
	require.Equal(t, child.CustomProperties, got.CustomProperties)
	require.Equal(t, child.Chunks, got.Chunks)
	require.ElementsMatch(t, componentNames(child.Components), componentNames(got.Components))

	for _, wantComp := range child.Components {
		gotComp := findComponent(t, got.Components, wantComp.Name)
		require.ElementsMatch(t, fileNames(wantComp.Files), fileNames(gotComp.Files))
		for _, wantFile := range wantComp.Files {
			gotFile := findFile(t, gotComp.Files, wantFile.Name)
			require.Equal(t, wantFile.Hash, gotFile.Hash)
			require.Equal(t, wantFile.Chunks, gotFile.Chunks)
		}
	}

	require.Equal(t, child.Stats.ComponentCount, got.Stats.ComponentCount)
	require.Equal(t, child.Stats.FileCount, got.Stats.FileCount)

	// base must be untouched by Apply.
	require.Equal(t, "rel-1", parent.ReleaseID)
	require.Len(t, parent.Components, 2)
}

func TestCreateApplyNoopPatch(t *testing.T) {
	pkg := samplePackageV1()
	p, err := patch.Create(pkg, pkg)
	require.NoError(t, err)
	require.Empty(t, p.Properties)
	require.Empty(t, p.ContentID)

	got, err := patch.Apply(pkg, p)
	require.NoError(t, err)
	require.Equal(t, pkg.Components, got.Components)
	require.Equal(t, pkg.Chunks, got.Chunks)
}

func TestCreateRejectsVersionMismatch(t *testing.T) {
	parent := samplePackageV1()
	child := samplePackageV1()
	child.Version = 2

	_, err := patch.Create(parent, child)
	require.Error(t, err)
}

func TestApplyRejectsVersionMismatch(t *testing.T) {
	pkg := samplePackageV1()
	p, err := patch.Create(pkg, pkg)
	require.NoError(t, err)
	p.Version = 2

	_, err = patch.Apply(pkg, p)
	require.Error(t, err)
}

func TestApplyChain(t *testing.T) {
	v0 := samplePackageV1()

	v1 := samplePackageV1()
	v1.Components[0].Files[0].Hash = v1Hash(0xAA)
	v1.RecomputeStats()

	v2 := samplePackageV1()
	v2.Components[0].Files[0].Hash = v1Hash(0xAA)
	v2.Components = append(v2.Components, bpkg.Component{
		Name: "more",
		Files: []bpkg.ReleaseFile{
			{Name: "more/file.bin", Hash: v1Hash(0x99), Chunks: nil},
		},
	})
	v2.RecomputeStats()

	p1, err := patch.Create(v0, v1)
	require.NoError(t, err)
	p2, err := patch.Create(v1, v2)
	require.NoError(t, err)

	got, err := patch.ApplyChain(v0, []*patch.ReleasePackagePatch{p1, p2})
	require.NoError(t, err)

	require.ElementsMatch(t, componentNames(v2.Components), componentNames(got.Components))
	gotBin := findComponent(t, got.Components, "bin")
	gotFile := findFile(t, gotBin.Files, "bin/app")
	require.Equal(t, v1Hash(0xAA), gotFile.Hash)
}

func componentNames(cs []bpkg.Component) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name
	}
	return out
}

func fileNames(fs []bpkg.ReleaseFile) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Name
	}
	return out
}

func findComponent(t *testing.T, cs []bpkg.Component, name string) bpkg.Component {
	t.Helper()
	for _, c := range cs {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("component %q not found", name)
	return bpkg.Component{}
}

func findFile(t *testing.T, fs []bpkg.ReleaseFile, name string) bpkg.ReleaseFile {
	t.Helper()
	for _, f := range fs {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("file %q not found", name)
	return bpkg.ReleaseFile{}
}
