package progress

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/warp/internal/transfer"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(2000)

	now = now.Add(1 * time.Second)
	m.Observe(transfer.Progress{ConnID: 0, RelPath: "a", Bytes: 1000})

	stats := m.Snapshot()
	if stats.BytesDone != 1000 {
		t.Fatalf("expected bytes done 1000, got %d", stats.BytesDone)
	}
	if stats.RateBps < 900 || stats.RateBps > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", stats.RateBps)
	}
	if stats.ETA < 900*time.Millisecond || stats.ETA > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", stats.ETA)
	}
	if stats.Percent != 50 {
		t.Fatalf("expected 50%%, got %.1f", stats.Percent)
	}
}

func TestMeterEWMASmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(10000)

	now = now.Add(1 * time.Second)
	m.Observe(transfer.Progress{Bytes: 1000})

	now = now.Add(1 * time.Second)
	m.Observe(transfer.Progress{Bytes: 3000})

	stats := m.Snapshot()
	if stats.RateBps < 1300 || stats.RateBps > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", stats.RateBps)
	}
}

func TestMeterNoRateNoETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(1000)

	stats := m.Snapshot()
	if stats.RateBps != 0 {
		t.Fatalf("expected rate 0, got %.2f", stats.RateBps)
	}
	if stats.ETA != 0 {
		t.Fatalf("expected ETA 0, got %s", stats.ETA)
	}
}

func TestMeterCountsFilesAndSkips(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewMeterWithNow(func() time.Time { return now })
	m.Start(0)

	now = now.Add(time.Second)
	m.Observe(transfer.Progress{ConnID: 1, RelPath: "a", Bytes: 500})
	m.Observe(transfer.Progress{ConnID: 1, RelPath: "a", FileDone: true})
	m.Observe(transfer.Progress{ConnID: 2, RelPath: "b", Bytes: 700, Skipped: true})

	stats := m.Snapshot()
	if stats.FilesDone != 1 || stats.FilesSkipped != 1 {
		t.Fatalf("expected 1 done and 1 skipped, got %+v", stats)
	}
	if stats.BytesDone != 1200 {
		t.Fatalf("skipped bytes should count as done, got %d", stats.BytesDone)
	}
	// skipped bytes do not inflate the rate
	if stats.RateBps < 450 || stats.RateBps > 550 {
		t.Fatalf("expected rate around 500 B/s, got %.2f", stats.RateBps)
	}
	if stats.Connections != 1 {
		t.Fatalf("expected 1 data connection, got %d", stats.Connections)
	}
	if stats.Percent != 0 {
		t.Fatalf("unknown total should report 0%%, got %.1f", stats.Percent)
	}
}

func TestMeterConcurrentObserve(t *testing.T) {
	m := NewMeter()
	var wg sync.WaitGroup
	for c := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.Observe(transfer.Progress{ConnID: c, Bytes: 10})
			}
			m.Observe(transfer.Progress{ConnID: c, FileDone: true})
		}()
	}
	wg.Wait()
	stats := m.Snapshot()
	if stats.BytesDone != 8000 || stats.FilesDone != 8 || stats.Connections != 8 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestBarObserve(t *testing.T) {
	var out bytes.Buffer
	b := NewBar(&out, "sending", 0)
	b.Observe(transfer.Progress{RelPath: "a", Bytes: 4096})
	b.Observe(transfer.Progress{RelPath: "a", FileDone: true})
	b.Finish()

	if s := b.Stats(); s.BytesDone != 4096 || s.FilesDone != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if out.Len() == 0 {
		t.Fatal("bar rendered nothing")
	}
}
