package transfer

import (
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/pkg/manifest"
)

// Unit is one contiguous byte range of a file, owned by one worker at a time.
type Unit struct {
	FileIndex int
	RelPath   string
	FileSize  int64
	Mode      fs.FileMode
	Offset    int64
	Length    int64
	Seq       int
}

func (u Unit) String() string {
	return fmt.Sprintf("%s[%d:%d]", u.RelPath, u.Offset, u.Offset+u.Length)
}

type fileState int

const (
	filePending fileState = iota
	fileDone
	fileSkipped
	fileFailed
)

type fileEntry struct {
	info      manifest.FileInfo
	units     int
	completed int
	digest    uint64
	state     fileState
	err       error
}

// Distributor turns a file sequence into a shared arena of units. Workers
// claim arena positions in order; every byte range is issued once.
type Distributor struct {
	root      string
	seq       iter.Seq2[manifest.FileInfo, error]
	blockSize int64
	poll      time.Duration
	log       *slog.Logger

	mu         sync.Mutex
	files      []*fileEntry
	byPath     map[string]int
	units      []Unit
	next       int
	enumDone   bool
	halted     bool
	started    bool
	changed    chan struct{}
	done       chan struct{}
	inputErrs  []report.FileFailure
	completed  map[string]int64
	preSkipped []manifest.FileInfo
	totalBytes int64
}

// NewDistributor prepares a distributor over seq. Relative paths are
// resolved against root when sizes must be discovered.
func NewDistributor(root string, seq iter.Seq2[manifest.FileInfo, error], opts Options) *Distributor {
	opts = NormalizeOptions(opts)
	return &Distributor{
		root:      root,
		seq:       seq,
		blockSize: opts.BlockSize,
		poll:      opts.PollInterval,
		log:       opts.Logger,
		byPath:    make(map[string]int),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// SkipCompleted marks files already known complete. A file is skipped only
// when its current size equals the recorded one. Must be called before Start.
func (d *Distributor) SkipCompleted(sizes map[string]int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic("transfer: SkipCompleted after Start")
	}
	d.completed = sizes
}

// Start launches the producer goroutine.
func (d *Distributor) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()
	go d.produce()
}

// Wait blocks until the producer has finished.
func (d *Distributor) Wait() {
	<-d.done
}

func (d *Distributor) produce() {
	defer func() {
		d.mu.Lock()
		d.enumDone = true
		d.signalLocked()
		d.mu.Unlock()
		close(d.done)
	}()

	for fi, err := range d.seq {
		if d.isHalted() {
			return
		}
		if err != nil {
			d.inputError(fi.RelPath, err)
			continue
		}
		if clean, err := manifest.CleanRelPath(fi.RelPath); err != nil || clean != fi.RelPath {
			if err == nil {
				err = fmt.Errorf("path %q is not canonical", fi.RelPath)
			}
			d.inputError(fi.RelPath, err)
			continue
		}
		if !fi.SizeKnown() || fi.Mode == 0 {
			st, statErr := os.Stat(filepath.Join(d.root, filepath.FromSlash(fi.RelPath)))
			if statErr != nil {
				d.inputError(fi.RelPath, statErr)
				continue
			}
			if !st.Mode().IsRegular() {
				d.inputError(fi.RelPath, fmt.Errorf("not a regular file"))
				continue
			}
			if !fi.SizeKnown() {
				fi.Size = st.Size()
			}
			if fi.Mode == 0 {
				fi.Mode = st.Mode().Perm()
			}
		}
		d.add(fi)
	}
}

func (d *Distributor) add(fi manifest.FileInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.byPath[fi.RelPath]; dup {
		return
	}
	if size, ok := d.completed[fi.RelPath]; ok && size == fi.Size {
		d.preSkipped = append(d.preSkipped, fi)
		d.byPath[fi.RelPath] = -1
		return
	}

	idx := len(d.files)
	entry := &fileEntry{info: fi}
	d.files = append(d.files, entry)
	d.byPath[fi.RelPath] = idx
	d.totalBytes += fi.Size

	off := int64(0)
	for {
		length := min(d.blockSize, fi.Size-off)
		d.units = append(d.units, Unit{
			FileIndex: idx,
			RelPath:   fi.RelPath,
			FileSize:  fi.Size,
			Mode:      fi.Mode,
			Offset:    off,
			Length:    length,
			Seq:       len(d.units),
		})
		entry.units++
		off += length
		if off >= fi.Size {
			break
		}
	}
	d.signalLocked()
}

func (d *Distributor) inputError(relPath string, err error) {
	d.log.Warn("skipping unreadable entry", "path", relPath, "error", err)
	d.mu.Lock()
	d.inputErrs = append(d.inputErrs, report.FileFailure{Path: relPath, Err: err.Error()})
	d.mu.Unlock()
}

func (d *Distributor) signalLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Distributor) isHalted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted
}

// Next claims the next unit. It waits in bounded slices while enumeration
// is still running and returns false once the arena is exhausted, the
// distributor is halted or ab reports an abort.
func (d *Distributor) Next(ab abort.Checker) (Unit, bool) {
	if ab == nil {
		ab = abort.Never
	}
	for {
		if ab.ShouldAbort() {
			return Unit{}, false
		}
		d.mu.Lock()
		if d.halted {
			d.mu.Unlock()
			return Unit{}, false
		}
		for d.next < len(d.units) {
			u := d.units[d.next]
			d.next++
			if d.files[u.FileIndex].state == filePending {
				d.mu.Unlock()
				return u, true
			}
		}
		if d.enumDone {
			d.mu.Unlock()
			return Unit{}, false
		}
		changed := d.changed
		d.mu.Unlock()

		timer := time.NewTimer(d.poll)
		select {
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Pending reports whether u's file is still being transferred.
func (d *Distributor) Pending(u Unit) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[u.FileIndex].state == filePending
}

// Complete records u as acknowledged with its unit checksum. It returns
// true, together with the file digest, only to the caller whose unit
// completed the file.
func (d *Distributor) Complete(u Unit, unitSum uint64) (bool, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.files[u.FileIndex]
	if f.state != filePending {
		return false, 0
	}
	f.completed++
	f.digest = FoldUnit(f.digest, u.Offset, unitSum)
	if f.completed < f.units {
		return false, 0
	}
	f.state = fileDone
	return true, f.digest
}

// Fail marks u's file failed. It returns true only for the first caller.
func (d *Distributor) Fail(u Unit, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.files[u.FileIndex]
	if f.state != filePending {
		return false
	}
	f.state = fileFailed
	f.err = err
	return true
}

// Skip marks u's file as skipped by the receiver. It returns true only for
// the first caller.
func (d *Distributor) Skip(u Unit) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := d.files[u.FileIndex]
	if f.state != filePending {
		return false
	}
	f.state = fileSkipped
	return true
}

// Halt stops issuing units and stops the producer.
func (d *Distributor) Halt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.halted {
		return
	}
	d.halted = true
	d.signalLocked()
}

// Unfinished lists files that were neither completed, skipped nor failed.
func (d *Distributor) Unfinished() []report.FileFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []report.FileFailure
	for _, f := range d.files {
		if f.state == filePending {
			out = append(out, report.FileFailure{Path: f.info.RelPath, Err: "not transferred"})
		}
	}
	return out
}

// InputErrors returns the enumeration errors seen so far.
func (d *Distributor) InputErrors() []report.FileFailure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]report.FileFailure(nil), d.inputErrs...)
}

// PreSkipped returns files dropped by SkipCompleted.
func (d *Distributor) PreSkipped() []manifest.FileInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]manifest.FileInfo(nil), d.preSkipped...)
}

// Totals returns the number of files and bytes queued so far and whether
// enumeration has finished.
func (d *Distributor) Totals() (files int, bytes int64, final bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files), d.totalBytes, d.enumDone
}
