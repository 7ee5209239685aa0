package chunker_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thebinaryloop/binstash/chunker"
)

func writeRecommendFixture(t *testing.T, dir string) {
	t.Helper()
	r := rand.New(rand.NewSource(42))
	block := make([]byte, 64*1024)
	r.Read(block)

	// File A and file B share a long common prefix so a sane chunker
	// config should show non-trivial dedupe between them.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.bin"), block, 0o644))
	b := append(append([]byte{}, block...), []byte("tail bytes that differ")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.bin"), b, 0o644))
}

func TestRecommendChunkerSettingsForTarget(t *testing.T) {
	dir := t.TempDir()
	writeRecommendFixture(t, dir)

	rec, err := chunker.RecommendChunkerSettingsForTarget(context.Background(), dir, chunker.RecommendOptions{Target: chunker.Dedupe})
	require.NoError(t, err)

	require.True(t, rec.Min <= rec.Avg)
	require.True(t, rec.Avg <= rec.Max)
	require.NotEmpty(t, rec.Summary)
}

func TestRecommendChunkerSettingsForTargetReportsProgress(t *testing.T) {
	dir := t.TempDir()
	writeRecommendFixture(t, dir)

	var calls int
	var lastDone, lastTotal int
	_, err := chunker.RecommendChunkerSettingsForTarget(context.Background(), dir, chunker.RecommendOptions{
		OnProgress: func(done, total int) {
			calls++
			lastDone, lastTotal = done, total
		},
	})
	require.NoError(t, err)
	require.Greater(t, calls, 0)
	require.Equal(t, lastTotal, lastDone)
}

func TestRecommendChunkerSettingsForTargetEmptyFolder(t *testing.T) {
	dir := t.TempDir()
	_, err := chunker.RecommendChunkerSettingsForTarget(context.Background(), dir, chunker.RecommendOptions{})
	require.Error(t, err)
}

func TestRecommendChunkerSettingsForTargetCancellation(t *testing.T) {
	dir := t.TempDir()
	writeRecommendFixture(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := chunker.RecommendChunkerSettingsForTarget(ctx, dir, chunker.RecommendOptions{})
	require.Error(t, err)
}
