// Package xferlog keeps the append-only record of files a transfer has
// completed so an interrupted run can resume without resending them.
package xferlog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

const (
	// Dir is the log directory under a transfer root. It must match
	// manifest.ReservedDir so the enumerator never sends logs.
	Dir    = ".warp"
	suffix = ".xlog"
)

// ErrTransferIDMismatch is returned when an existing log belongs to another
// transfer id.
var ErrTransferIDMismatch = errors.New("log belongs to a different transfer id")

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("transfer log closed")

var safeID = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,63}$`)

// PathFor returns the log path for transferID under rootDir.
func PathFor(rootDir, transferID string) string {
	name := transferID
	switch {
	case name == "":
		name = "default"
	case !safeID.MatchString(name):
		sum := sha256.Sum256([]byte(name))
		name = "id-" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(rootDir, Dir, name+suffix)
}

// Log is an open transfer log. Record is safe for concurrent use.
type Log struct {
	path       string
	transferID string

	mu        sync.Mutex
	f         *os.File
	completed map[string]Entry
	discarded int64
}

// Open locates or creates the log for transferID under rootDir. An existing
// log is repaired first: any incomplete or corrupt tail is truncated away.
func Open(rootDir, transferID string) (*Log, error) {
	path := PathFor(rootDir, transferID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	l, err := load(f, path, transferID)
	if err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

func load(f *os.File, path, transferID string) (*Log, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	res := parse(data)
	if res.HeaderValid && res.TransferID != transferID {
		return nil, fmt.Errorf("%w: %q", ErrTransferIDMismatch, res.TransferID)
	}
	if res.Discarded > 0 {
		if err := f.Truncate(res.ValidBytes); err != nil {
			return nil, fmt.Errorf("failed to truncate log: %w", err)
		}
	}
	if _, err := f.Seek(res.ValidBytes, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek log: %w", err)
	}
	if !res.HeaderValid {
		hdr, err := encodeHeader(transferID)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(hdr); err != nil {
			return nil, fmt.Errorf("failed to write log header: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync log: %w", err)
	}
	l := &Log{
		path:       path,
		transferID: transferID,
		f:          f,
		completed:  make(map[string]Entry, len(res.Entries)),
		discarded:  res.Discarded,
	}
	for _, e := range res.Entries {
		if e.Status == StatusComplete {
			l.completed[e.RelPath] = e
		} else {
			delete(l.completed, e.RelPath)
		}
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// TransferID returns the id the log is keyed by.
func (l *Log) TransferID() string { return l.transferID }

// Discarded returns how many trailing bytes Open dropped during repair.
func (l *Log) Discarded() int64 { return l.discarded }

// Record durably appends e. The record is written with a single Write and
// synced before Record returns.
func (l *Log) Record(e Entry) error {
	if e.Status == 0 {
		e.Status = StatusComplete
	}
	rec, err := encodeEntry(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return ErrClosed
	}
	if _, err := l.f.Write(rec); err != nil {
		return fmt.Errorf("failed to append log record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}
	if e.Status == StatusComplete {
		l.completed[e.RelPath] = e
	}
	return nil
}

// LoadCompleted returns the files recorded complete. Duplicate records
// collapse to the last one.
func (l *Log) LoadCompleted() (map[string]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Entry, len(l.completed))
	for k, v := range l.completed {
		out[k] = v
	}
	return out, nil
}

// Close closes the log file. It is safe to call more than once.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
