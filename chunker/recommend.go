package chunker

import (
	"context"
	"fmt"
	"io/fs"
	"math"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/thebinaryloop/binstash/hashid"
)

// Target selects what RecommendChunkerSettingsForTarget optimizes for.
type Target int

const (
	// Dedupe favors the dedupe ratio, penalized by chunk-size overhead.
	Dedupe Target = iota
	// Throughput is accepted, but RecommendChunkerSettingsForTarget does not
	// read Target: every trial is scored by dedupe_ratio / log2(mean_size)
	// whichever value is set, so Throughput gives the same result as Dedupe.
	Throughput
)

// RecommendOptions configures the recommender.
type RecommendOptions struct {
	Target Target
	// OnProgress, if set, is called after each trial with (completed,
	// total). It is optional; a nil value disables progress reporting, so
	// headless callers pay nothing for it.
	OnProgress func(done, total int)
}

// Recommendation is the result of scanning the trial grid.
type Recommendation struct {
	Min, Avg, Max int
	Summary       string
}

// trialGrid is powers of two in [1 KiB, 1 MiB] with min <= avg <= max, per
// spec §4.3.
func trialGrid() []Options {
	sizes := []int{1 << 10, 1 << 11, 1 << 12, 1 << 13, 1 << 14, 1 << 15, 1 << 16, 1 << 17, 1 << 18, 1 << 19, 1 << 20}
	var grid []Options
	for _, min := range sizes {
		for _, avg := range sizes {
			if avg < min {
				continue
			}
			for _, max := range sizes {
				if max < avg {
					continue
				}
				grid = append(grid, Options{Min: min, Avg: avg, Max: max})
			}
		}
	}
	return grid
}

type trialResult struct {
	opts       Options
	dedupeRat  float64
	meanSize   float64
	score      float64
	rawBytes   uint64
	uniqBytes  uint64
	chunkCount int
}

// RecommendChunkerSettingsForTarget scans all files under folder, runs the
// chunker over the trial grid, and picks the (min, avg, max) triple that
// maximizes dedupe_ratio / log2(mean_size). The scan is pure over the trial
// grid and side-effect-free; it does not mutate folder.
func RecommendChunkerSettingsForTarget(ctx context.Context, folder string, opts RecommendOptions) (Recommendation, error) {
	files, err := listFiles(folder)
	if err != nil {
		return Recommendation{}, err
	}
	if len(files) == 0 {
		return Recommendation{}, fmt.Errorf("chunker: folder %q contains no readable files", folder)
	}

	grid := trialGrid()
	results := make([]trialResult, len(grid))
	total := len(grid)
	done := 0
	var progressMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTrials())
	for i, trial := range grid {
		i, trial := i, trial
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := runTrial(gctx, trial, files)
			if err != nil {
				return err
			}
			results[i] = res
			if opts.OnProgress != nil {
				progressMu.Lock()
				done++
				opts.OnProgress(done, total)
				progressMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return Recommendation{}, fmt.Errorf("chunker: recommend cancelled: %w", ctx.Err())
		}
		return Recommendation{}, err
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.score > best.score {
			best = r
		}
	}

	summary := fmt.Sprintf(
		"best window min=%s avg=%s max=%s: dedupe %.2fx over %d chunks (%s raw -> %s unique), mean chunk size %s",
		humanize.IBytes(uint64(best.opts.Min)), humanize.IBytes(uint64(best.opts.Avg)), humanize.IBytes(uint64(best.opts.Max)),
		best.dedupeRat, best.chunkCount,
		humanize.IBytes(best.rawBytes), humanize.IBytes(best.uniqBytes),
		humanize.IBytes(uint64(best.meanSize)),
	)

	return Recommendation{Min: best.opts.Min, Avg: best.opts.Avg, Max: best.opts.Max, Summary: summary}, nil
}

func maxParallelTrials() int {
	return 4
}

func runTrial(ctx context.Context, trial Options, files []string) (trialResult, error) {
	c, err := New(trial)
	if err != nil {
		// Invalid combinations (can happen at grid edges) are simply
		// scored as worst-possible rather than aborting the whole scan.
		return trialResult{opts: trial, score: math.Inf(-1)}, nil
	}

	seen := make(map[hashid.Hash32]uint64)
	var raw, uniq uint64
	var chunkCount int
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return trialResult{}, err
		}
		entries, err := c.All(path)
		if err != nil {
			log.Warnw("skipping unreadable file during recommend", "path", path, "error", err)
			continue
		}
		for _, e := range entries {
			raw += e.Length
			chunkCount++
			if _, ok := seen[e.Checksum]; !ok {
				seen[e.Checksum] = e.Length
				uniq += e.Length
			}
		}
	}
	if uniq == 0 || chunkCount == 0 {
		return trialResult{opts: trial, score: math.Inf(-1)}, nil
	}

	dedupeRatio := float64(raw) / float64(uniq)
	meanSize := float64(raw) / float64(chunkCount)
	score := dedupeRatio / math.Log2(math.Max(meanSize, 2))

	return trialResult{
		opts:       trial,
		dedupeRat:  dedupeRatio,
		meanSize:   meanSize,
		score:      score,
		rawBytes:   raw,
		uniqBytes:  uniq,
		chunkCount: chunkCount,
	}, nil
}

func listFiles(folder string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(folder, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnw("skipping path during recommend scan", "path", path, "error", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
