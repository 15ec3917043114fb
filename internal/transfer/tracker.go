package transfer

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sheerbytes/warp/internal/xferlog"
	"github.com/sheerbytes/warp/pkg/manifest"
)

const defaultFileMode fs.FileMode = 0o644

type trackedFile struct {
	f         *os.File
	size      int64
	committed map[int64]int64
	bytes     int64
	digest    uint64
}

// FileTracker owns the destination files a receiver session writes. Units
// of one file may arrive on different connections; the tracker opens each
// file once and closes it when every byte has been committed.
type FileTracker struct {
	root string

	mu    sync.Mutex
	open  map[string]*trackedFile
	done  map[string]int64
	skips map[string]struct{}
}

func NewFileTracker(root string) *FileTracker {
	return &FileTracker{
		root:  root,
		open:  make(map[string]*trackedFile),
		done:  make(map[string]int64),
		skips: make(map[string]struct{}),
	}
}

// resolve validates a wire path and maps it under the root.
func (t *FileTracker) resolve(relPath string) (string, error) {
	clean, err := manifest.CleanRelPath(relPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if clean != relPath {
		return "", fmt.Errorf("%w: %q is not canonical", ErrInvalidPath, relPath)
	}
	first, _, _ := strings.Cut(clean, "/")
	if first == xferlog.Dir {
		return "", fmt.Errorf("%w: %q targets the log directory", ErrInvalidPath, relPath)
	}
	return filepath.Join(t.root, filepath.FromSlash(clean)), nil
}

// Done reports whether relPath was completed with size in this session.
func (t *FileTracker) Done(relPath string, size int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.done[relPath]
	return ok && s == size
}

// MatchesOnDisk reports whether the destination of relPath exists as a
// regular file of the given size.
func (t *FileTracker) MatchesOnDisk(relPath string, size int64) bool {
	path, err := t.resolve(relPath)
	if err != nil {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular() && st.Size() == size
}

// MarkSkipped returns true the first time relPath is marked.
func (t *FileTracker) MarkSkipped(relPath string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.skips[relPath]; ok {
		return false
	}
	t.skips[relPath] = struct{}{}
	return true
}

// Begin opens or creates the destination for relPath, creating parent
// directories, and sizes it. Calls for a file that is already open are
// no-ops.
func (t *FileTracker) Begin(relPath string, size int64, mode fs.FileMode) error {
	path, err := t.resolve(relPath)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tf, ok := t.open[relPath]; ok {
		if tf.size != size {
			return fmt.Errorf("%s: size changed from %d to %d", relPath, tf.size, size)
		}
		return nil
	}
	if mode == 0 {
		mode = defaultFileMode
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", relPath, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, mode.Perm())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", relPath, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return fmt.Errorf("failed to size %s: %w", relPath, err)
	}
	delete(t.done, relPath)
	t.open[relPath] = &trackedFile{
		f:         f,
		size:      size,
		committed: make(map[int64]int64),
	}
	return nil
}

// WriteAt writes a verified frame into relPath.
func (t *FileTracker) WriteAt(relPath string, p []byte, off int64) error {
	t.mu.Lock()
	tf, ok := t.open[relPath]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", relPath, os.ErrClosed)
	}
	if off < 0 || off+int64(len(p)) > tf.size {
		return ErrFrameOutOfRange
	}
	if _, err := tf.f.WriteAt(p, off); err != nil {
		return fmt.Errorf("failed to write %s: %w", relPath, err)
	}
	return nil
}

// Commit marks the unit [off, off+length) of relPath as durable once the
// file is complete. A unit committed twice counts once. When the last
// byte is committed the file is synced and closed and Commit returns true
// with the file digest.
func (t *FileTracker) Commit(relPath string, off, length int64, unitSum uint64) (bool, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tf, ok := t.open[relPath]
	if !ok {
		return false, 0, fmt.Errorf("%s: %w", relPath, os.ErrClosed)
	}
	if _, dup := tf.committed[off]; !dup {
		tf.committed[off] = length
		tf.bytes += length
		tf.digest = FoldUnit(tf.digest, off, unitSum)
	}
	if tf.bytes < tf.size {
		return false, 0, nil
	}

	delete(t.open, relPath)
	syncErr := tf.f.Sync()
	closeErr := tf.f.Close()
	if syncErr != nil {
		return false, 0, fmt.Errorf("failed to sync %s: %w", relPath, syncErr)
	}
	if closeErr != nil {
		return false, 0, fmt.Errorf("failed to close %s: %w", relPath, closeErr)
	}
	t.done[relPath] = tf.size
	return true, tf.digest, nil
}

// CloseAll closes files left incomplete. Their content is not trusted by a
// later resume because they were never logged.
func (t *FileTracker) CloseAll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var paths []string
	for rel, tf := range t.open {
		tf.f.Close()
		paths = append(paths, rel)
	}
	clear(t.open)
	return paths
}

func fileModeFromWire(mode uint32) fs.FileMode {
	return fs.FileMode(mode).Perm()
}
