package bpkg_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/bpkg"
	"github.com/thebinaryloop/binstash/hashid"
)

func hashLow(b byte) hashid.Hash32 {
	var h hashid.Hash32
	h[0] = b
	return h
}

func samplePackageV1() *bpkg.ReleasePackage {
	pkg := &bpkg.ReleasePackage{
		Version:   1,
		ReleaseID: "rel-123",
		RepoID:    "acme/widget",
		Notes:     "nightly build",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		CustomProperties: map[string]string{
			"arch":    "amd64",
			"channel": "stable",
		},
		Chunks: []bpkg.ChunkInfo{
			{Checksum: hashLow(1)},
			{Checksum: hashLow(2)},
			{Checksum: hashLow(3)},
			{Checksum: hashLow(4)},
		},
		Components: []bpkg.Component{
			{
				Name: "bin",
				Files: []bpkg.ReleaseFile{
					{
						Name: "bin/widget",
						Hash: hashLow(0x10),
						Chunks: []bpkg.DeltaChunkRef{
							{DeltaIndex: 0, Offset: 0, Length: 4096},
							{DeltaIndex: 1, Offset: 4096, Length: 2048},
						},
					},
					{
						Name: "bin/widget.debug",
						Hash: hashLow(0x20),
						// same chunk list as lib/widget2.debug below -> dedup-worthy
						Chunks: []bpkg.DeltaChunkRef{
							{DeltaIndex: 2, Offset: 0, Length: 512},
						},
					},
				},
			},
			{
				Name: "lib",
				Files: []bpkg.ReleaseFile{
					{
						Name: "lib/widget2.debug",
						Hash: hashLow(0x30),
						Chunks: []bpkg.DeltaChunkRef{
							{DeltaIndex: 2, Offset: 0, Length: 512},
						},
					},
					{
						Name:   "lib/empty.bin",
						Hash:   hashLow(0x40),
						Chunks: nil,
					},
				},
			},
		},
	}
	pkg.RecomputeStats()
	return pkg
}

func sampleComponentsV2() []bpkg.Component {
	return []bpkg.Component{
		{
			Name: "bin",
			Files: []bpkg.ReleaseFile{
				{Name: "bin/widget", Hash: hashid.Sum([]byte("widget-v2"))},
				{Name: "bin/widget-arm64", Hash: hashid.Sum([]byte("widget-v2"))}, // shared hash
			},
		},
		{
			Name: "share/doc",
			Files: []bpkg.ReleaseFile{
				{Name: "share/doc/readme.md", Hash: hashid.Sum([]byte("readme"))},
				{Name: "share/doc/license.txt", Hash: hashid.Sum([]byte("license"))},
			},
		},
	}
}

func samplePackageV2() *bpkg.ReleasePackage {
	pkg := &bpkg.ReleasePackage{
		Version:   2,
		ReleaseID: "rel-v2-9",
		RepoID:    "acme/widget",
		Notes:     "release candidate",
		CreatedAt: time.Unix(1700050000, 0).UTC(),
		CustomProperties: map[string]string{
			"os": "linux",
		},
		Components: sampleComponentsV2(),
	}
	pkg.RecomputeStats()
	return pkg
}

func TestV1RoundTrip(t *testing.T) {
	pkg := samplePackageV1()

	data, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)

	got, err := bpkg.Deserialize(data)
	require.NoError(t, err)

	require.Equal(t, pkg.Version, got.Version)
	require.Equal(t, pkg.ReleaseID, got.ReleaseID)
	require.Equal(t, pkg.RepoID, got.RepoID)
	require.Equal(t, pkg.Notes, got.Notes)
	require.Equal(t, pkg.CreatedAt, got.CreatedAt)
	require.Equal(t, pkg.CustomProperties, got.CustomProperties)
	require.Equal(t, pkg.Chunks, got.Chunks)
	require.Equal(t, pkg.Components, got.Components)
	require.Equal(t, pkg.Stats, got.Stats)
}

func TestV1RoundTripUncompressed(t *testing.T) {
	pkg := samplePackageV1()
	opts := bpkg.SerializeOptions{EnableCompression: false}

	data, err := bpkg.Serialize(pkg, opts)
	require.NoError(t, err)

	got, err := bpkg.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, pkg.Components, got.Components)
}

func TestV1SerializeDeterministic(t *testing.T) {
	pkg := samplePackageV1()
	a, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)
	b, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)
	require.Equal(t, a, b)

	// Re-serializing the decoded package byte-for-byte reproduces the
	// original wire form.
	decoded, err := bpkg.Deserialize(a)
	require.NoError(t, err)
	c, err := bpkg.Serialize(decoded, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)
	require.Equal(t, a, c)
}

func TestV2RoundTrip(t *testing.T) {
	pkg := samplePackageV2()

	data, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)

	got, err := bpkg.Deserialize(data)
	require.NoError(t, err)

	require.Equal(t, pkg.Version, got.Version)
	require.Equal(t, pkg.ReleaseID, got.ReleaseID)
	require.Nil(t, got.Chunks)
	require.Equal(t, pkg.CustomProperties, got.CustomProperties)
	require.Equal(t, pkg.Components, got.Components)
	require.Equal(t, pkg.Stats, got.Stats)
}

func TestV2RoundTripDeterministic(t *testing.T) {
	pkg := samplePackageV2()
	a, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)
	decoded, err := bpkg.Deserialize(a)
	require.NoError(t, err)
	b, err := bpkg.Serialize(decoded, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDeserializeBadMagic(t *testing.T) {
	_, err := bpkg.Deserialize([]byte("NOTBPKG!"))
	require.Error(t, err)
}

func TestDeserializeUnsupportedVersion(t *testing.T) {
	data := []byte{'B', 'P', 'K', 'G', 9, 0}
	_, err := bpkg.Deserialize(data)
	require.Error(t, err)
}

func TestDeserializeTruncated(t *testing.T) {
	pkg := samplePackageV1()
	data, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.NoError(t, err)

	_, err = bpkg.Deserialize(data[:len(data)-5])
	require.Error(t, err)
}

func TestSerializeUnsupportedVersion(t *testing.T) {
	pkg := samplePackageV1()
	pkg.Version = 3
	_, err := bpkg.Serialize(pkg, bpkg.DefaultSerializeOptions())
	require.Error(t, err)
}

func TestContentIDTableDedupesSharedChunkLists(t *testing.T) {
	pkg := samplePackageV1()
	table := bpkg.ContentIDTable(pkg.Components)
	// Two files across different components share an identical single-chunk
	// list; it should appear exactly once in the dedup table.
	require.Len(t, table, 1)
}
