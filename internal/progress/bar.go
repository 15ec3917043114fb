package progress

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/sheerbytes/warp/internal/transfer"
)

// describeInterval bounds how often the description is redrawn.
const describeInterval = 250 * time.Millisecond

// Bar renders a Meter as a terminal progress bar.
type Bar struct {
	meter        *Meter
	bar          *progressbar.ProgressBar
	operation    string
	lastDescribe int64
}

// NewBar creates a bar writing to w. A total of zero or less starts an
// indeterminate spinner.
func NewBar(w io.Writer, operation string, total int64) *Bar {
	if total <= 0 {
		total = -1
	}
	b := &Bar{meter: NewMeter(), operation: operation}
	if total > 0 {
		b.meter.AddTotal(total)
	}
	b.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(operation),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	return b
}

// Observe feeds one worker event to the meter and the bar. It is a
// transfer.ProgressFn.
func (b *Bar) Observe(p transfer.Progress) {
	b.meter.Observe(p)
	if p.Bytes > 0 && !p.FileDone {
		_ = b.bar.Add64(p.Bytes)
	}
	if (p.FileDone || p.Skipped) && b.shouldDescribe() {
		b.bar.Describe(b.describe(b.meter.Snapshot()))
	}
}

func (b *Bar) shouldDescribe() bool {
	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&b.lastDescribe)
	if now-prev < int64(describeInterval) {
		return false
	}
	return atomic.CompareAndSwapInt64(&b.lastDescribe, prev, now)
}

func (b *Bar) describe(s Stats) string {
	if s.FilesSkipped > 0 {
		return fmt.Sprintf("%s %d files (%d skipped) %.1f MB/s", b.operation, s.FilesDone, s.FilesSkipped, s.RateBps/1e6)
	}
	return fmt.Sprintf("%s %d files %.1f MB/s", b.operation, s.FilesDone, s.RateBps/1e6)
}

// Stats returns the meter snapshot.
func (b *Bar) Stats() Stats {
	return b.meter.Snapshot()
}

// Finish completes the bar and ends its line.
func (b *Bar) Finish() {
	b.bar.Describe(b.describe(b.meter.Snapshot()))
	_ = b.bar.Finish()
	_ = b.bar.Exit()
}
