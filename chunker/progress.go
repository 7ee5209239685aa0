package chunker

import (
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// NewMpbProgressReporter renders an mpb progress bar over the recommender's
// trial grid and returns an OnProgress callback plus a done func that must
// be called once the scan finishes (closes the underlying mpb.Progress).
// Callers without a TTY (CI, library embedding) should just leave
// RecommendOptions.OnProgress nil instead of using this.
func NewMpbProgressReporter(total int) (onProgress func(done, total int), finish func()) {
	p := mpb.New(mpb.WithWidth(48))
	bar := p.AddBar(int64(total),
		mpb.PrependDecorators(
			decor.Name("recommend", decor.WC{W: len("recommend") + 1, C: decor.DidentRight}),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)

	var last int
	onProgress = func(done, _ int) {
		if delta := done - last; delta > 0 {
			bar.IncrBy(delta)
			last = done
		}
	}
	finish = func() {
		bar.SetCurrent(int64(total))
		p.Wait()
	}
	return onProgress, finish
}
