package progress

import (
	"sync"
	"time"

	"github.com/sheerbytes/warp/internal/transfer"
)

// Stats represents a point-in-time snapshot of a transfer.
type Stats struct {
	BytesDone    int64
	Total        int64 // zero while unknown
	FilesDone    int
	FilesSkipped int
	Connections  int // connections that reported data
	RateBps      float64
	ETA          time.Duration
	Percent      float64
	Elapsed      time.Duration
}

// Meter aggregates worker progress events and computes a smoothed rate.
// It is safe for concurrent use by all workers.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	files     int
	skipped   int
	conns     map[int]struct{}
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	m := &Meter{alpha: 0.2, now: now, conns: make(map[int]struct{})}
	m.Start(0)
	return m
}

// Start resets the meter. A total of zero means unknown.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.files = 0
	m.skipped = 0
	clear(m.conns)
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Observe records one worker event. It has the shape of a
// transfer.ProgressFn.
func (m *Meter) Observe(p transfer.Progress) {
	switch {
	case p.Skipped:
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		m.Advance(p.Bytes)
	case p.FileDone:
		m.mu.Lock()
		m.files++
		m.mu.Unlock()
	default:
		m.add(p.ConnID, p.Bytes)
	}
}

func (m *Meter) add(connID int, n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = struct{}{}
	now := m.now()
	m.done += n
	deltaBytes := m.done - m.lastDone
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Advance counts bytes already present at the destination without
// affecting the rate.
func (m *Meter) Advance(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.lastDone += n
}

// AddTotal grows the expected byte count as files are discovered.
func (m *Meter) AddTotal(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total += n
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:    m.done,
		Total:        m.total,
		FilesDone:    m.files,
		FilesSkipped: m.skipped,
		Connections:  len(m.conns),
		RateBps:      m.rateBps,
		Elapsed:      m.now().Sub(m.startedAt),
	}
	if m.total > 0 {
		stats.Percent = min(float64(m.done)/float64(m.total)*100, 100)
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
