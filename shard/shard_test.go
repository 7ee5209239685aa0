package shard_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/hashid"
	"github.com/thebinaryloop/binstash/shard"
)

func randPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// TestShardDedup is scenario S3: putting the same payload twice leaves
// exactly one index entry, and the second Put writes zero bytes.
func TestShardDedup(t *testing.T) {
	dir := t.TempDir()
	s, err := shard.Open(dir, shard.KindChunks, "abc")
	require.NoError(t, err)

	payload := randPayload(t, 4096)
	hash := hashid.Sum(payload)

	n1, err := s.Put(context.Background(), hash, payload)
	require.NoError(t, err)
	require.Greater(t, n1, int64(0))

	n2, err := s.Put(context.Background(), hash, payload)
	require.NoError(t, err)
	require.Equal(t, int64(0), n2)

	require.Equal(t, 1, s.Len())

	got, err := s.Get(hash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestShardGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := shard.Open(dir, shard.KindChunks, "def")
	require.NoError(t, err)

	var missing hashid.Hash32
	_, err = s.Get(missing)
	require.Error(t, err)
}

func TestShardPersistsIndexAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := shard.Open(dir, shard.KindChunks, "123")
	require.NoError(t, err)

	payload := randPayload(t, 1024)
	hash := hashid.Sum(payload)
	_, err = s.Put(context.Background(), hash, payload)
	require.NoError(t, err)

	reopened, err := shard.Open(dir, shard.KindChunks, "123")
	require.NoError(t, err)
	require.Equal(t, 1, reopened.Len())
	got, err := reopened.Get(hash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

// TestShardRebuildFixpoint is scenario S6: writing many unique payloads and
// then rebuilding the index from the pack files (RebuildIndex truncates the
// index first) reproduces a bijection onto the pack files' content (spec
// invariant 8).
func TestShardRebuildFixpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := shard.Open(dir, shard.KindChunks, "abc")
	require.NoError(t, err)

	const count = 1000
	payloads := make([][]byte, count)
	hashes := make([]hashid.Hash32, count)
	for i := range payloads {
		p := randPayload(t, 2048)
		payloads[i] = p
		h := hashid.Sum(p)
		hashes[i] = h
		_, err := s.Put(context.Background(), h, p)
		require.NoError(t, err)
	}
	require.Equal(t, count, s.Len())

	require.NoError(t, s.RebuildIndex(context.Background()))
	require.Equal(t, count, s.Len())

	for i, h := range hashes {
		got, err := s.Get(h)
		require.NoErrorf(t, err, "entry %d", i)
		require.Equalf(t, payloads[i], got, "entry %d", i)
	}
}

func TestShardRebuildPacksCanonicalizesEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := shard.Open(dir, shard.KindChunks, "abc")
	require.NoError(t, err)

	payload := randPayload(t, 4096)
	hash := hashid.Sum(payload)
	_, err = s.Put(context.Background(), hash, payload)
	require.NoError(t, err)

	require.NoError(t, s.RebuildPacks(context.Background(), false))

	got, err := s.Get(hash)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestOpenRejectsBadPrefix(t *testing.T) {
	dir := t.TempDir()
	_, err := shard.Open(dir, shard.KindChunks, "ab")
	require.Error(t, err)
}
