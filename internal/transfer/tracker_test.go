package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileTracker_OutOfOrderUnits(t *testing.T) {
	root := t.TempDir()
	tr := NewFileTracker(root)
	data := bytes.Repeat([]byte("0123456789"), 30)

	if err := tr.Begin("sub/dir/f.bin", int64(len(data)), 0o600); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// a second worker announcing the same file is a no-op
	if err := tr.Begin("sub/dir/f.bin", int64(len(data)), 0o600); err != nil {
		t.Fatalf("second Begin: %v", err)
	}

	units := [][2]int64{{200, 100}, {0, 100}, {100, 100}}
	var want uint64
	for i, u := range units {
		part := data[u[0] : u[0]+u[1]]
		if err := tr.WriteAt("sub/dir/f.bin", part, u[0]); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
		sum := frameChecksum(5, part)
		want = FoldUnit(want, u[0], sum)
		done, digest, err := tr.Commit("sub/dir/f.bin", u[0], u[1], sum)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if last := i == len(units)-1; done != last {
			t.Fatalf("unit %d: done=%v", i, done)
		}
		if done && digest != want {
			t.Fatalf("digest %x, want %x", digest, want)
		}
		if i == 0 {
			// a resent unit counts once
			if done, _, _ := tr.Commit("sub/dir/f.bin", u[0], u[1], sum); done {
				t.Fatal("duplicate commit completed the file")
			}
		}
	}

	got, err := os.ReadFile(filepath.Join(root, "sub", "dir", "f.bin"))
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("content mismatch: err=%v", err)
	}
	st, _ := os.Stat(filepath.Join(root, "sub", "dir", "f.bin"))
	if st.Mode().Perm() != 0o600 {
		t.Fatalf("mode %v, want 0600", st.Mode().Perm())
	}
	if !tr.Done("sub/dir/f.bin", int64(len(data))) {
		t.Fatal("Done should report the completed file")
	}
	if err := tr.WriteAt("sub/dir/f.bin", data[:1], 0); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("write after completion: %v", err)
	}
}

func TestFileTracker_EmptyFile(t *testing.T) {
	root := t.TempDir()
	tr := NewFileTracker(root)
	if err := tr.Begin("empty", 0, 0); err != nil {
		t.Fatal(err)
	}
	done, _, err := tr.Commit("empty", 0, 0, 0)
	if err != nil || !done {
		t.Fatalf("empty file commit: done=%v err=%v", done, err)
	}
	st, err := os.Stat(filepath.Join(root, "empty"))
	if err != nil || st.Size() != 0 {
		t.Fatalf("empty file missing: %v", err)
	}
}

func TestFileTracker_RejectsUnsafePaths(t *testing.T) {
	tr := NewFileTracker(t.TempDir())
	for _, p := range []string{"../escape", "/abs", ".warp/x.xlog", "a/../b", "a//b", ""} {
		if err := tr.Begin(p, 1, 0); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("Begin(%q) = %v, want ErrInvalidPath", p, err)
		}
	}
}

func TestFileTracker_WriteOutsideFile(t *testing.T) {
	tr := NewFileTracker(t.TempDir())
	if err := tr.Begin("f", 10, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.WriteAt("f", make([]byte, 5), 8); !errors.Is(err, ErrFrameOutOfRange) {
		t.Fatalf("expected ErrFrameOutOfRange, got %v", err)
	}
}

func TestFileTracker_CloseAllReportsPartialFiles(t *testing.T) {
	tr := NewFileTracker(t.TempDir())
	if err := tr.Begin("partial", 100, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.Begin("full", 1, 0); err != nil {
		t.Fatal(err)
	}
	tr.WriteAt("full", []byte("x"), 0)
	tr.Commit("full", 0, 1, 0)

	partial := tr.CloseAll()
	if len(partial) != 1 || partial[0] != "partial" {
		t.Fatalf("unexpected partial files: %v", partial)
	}
}

func TestFileTracker_MarkSkippedOnce(t *testing.T) {
	tr := NewFileTracker(t.TempDir())
	if !tr.MarkSkipped("a") || tr.MarkSkipped("a") {
		t.Fatal("MarkSkipped should report true exactly once")
	}
}
