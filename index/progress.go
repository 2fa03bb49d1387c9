package index

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// outcome is what a compaction pass did with one keyword.
type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeDeferred
	outcomeFailed
)

// compactProgress reports how a compaction pass is doing on a terminal:
// keywords done out of the selection, split by outcome, and the rate.
type compactProgress struct {
	writer         io.Writer
	total          int
	done           int
	migrated       int
	deferred       int
	failed         int
	dropped        int
	reportInterval int
	lastReported   int
	startTime      time.Time
	mu             sync.Mutex
}

// newCompactProgress starts tracking a pass over total keywords, writing a
// line every reportInterval keywords.
func newCompactProgress(writer io.Writer, total, reportInterval int) *compactProgress {
	return &compactProgress{
		writer:         writer,
		total:          total,
		reportInterval: max(1, reportInterval),
		startTime:      time.Now(),
	}
}

// record counts one keyword and the locations the filter dropped from it.
func (p *compactProgress) record(o outcome, dropped int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done >= p.total {
		return
	}
	p.done++
	switch o {
	case outcomeMigrated:
		p.migrated++
	case outcomeDeferred:
		p.deferred++
	case outcomeFailed:
		p.failed++
	}
	p.dropped += dropped

	if p.done-p.lastReported >= p.reportInterval {
		p.report()
		p.lastReported = p.done
	}
}

// finish writes the final line. Keywords never recorded, as when the pass
// is cancelled, are left out of the counts.
func (p *compactProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.report()
	fmt.Fprintln(p.writer)
}

// Must be called with lock held.
func (p *compactProgress) report() {
	elapsed := time.Since(p.startTime)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(p.done) / elapsed.Seconds()
	}

	percentage := 0.0
	if p.total > 0 {
		percentage = float64(p.done) / float64(p.total) * 100.0
	}

	fmt.Fprintf(p.writer, "\rCompaction: %d/%d (%.1f%%) migrated %d, deferred %d, failed %d, dropped %d - %.1f keywords/s",
		p.done, p.total, percentage, p.migrated, p.deferred, p.failed, p.dropped, rate)
}
