package app

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/warp/internal/abort"
	"github.com/sheerbytes/warp/internal/history"
	"github.com/sheerbytes/warp/internal/logging"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/transfer"
	"github.com/sheerbytes/warp/internal/transport"
	"github.com/sheerbytes/warp/internal/xferlog"
	"github.com/sheerbytes/warp/pkg/manifest"
)

func writeTree(t *testing.T, root string, files map[string]int) {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	for rel, size := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		data := make([]byte, size)
		rng.Read(data)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func assertCopied(t *testing.T, src, dst string, files map[string]int) {
	t.Helper()
	for rel := range files {
		want, err := os.ReadFile(filepath.Join(src, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatal(err)
		}
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("%s missing at destination: %v", rel, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s differs (%d vs %d bytes)", rel, len(got), len(want))
		}
	}
}

func testTransfer() transfer.Options {
	return transfer.Options{
		BlockSize:     1 << 20,
		FrameSize:     64 << 10,
		IOTimeout:     5 * time.Second,
		IdlePoll:      50 * time.Millisecond,
		ReconnectWait: time.Second,
	}
}

// startReceiver binds n ephemeral loopback ports and serves one session.
func startReceiver(t *testing.T, dst string, n int, opts transfer.Options) (*Receiver, <-chan *report.Report) {
	t.Helper()
	rcv, err := NewReceiver(logging.Discard(), ReceiverConfig{
		Root:          dst,
		Host:          "127.0.0.1",
		NumPorts:      n,
		Transport:     transport.TCP,
		Transfer:      opts,
		AcceptTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rcv.Bind(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rcv.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	out := make(chan *report.Report, 1)
	go func() { out <- rcv.RunOnce(ctx) }()
	return rcv, out
}

func senderConfig(src string, ports []int, opts transfer.Options) SenderConfig {
	return SenderConfig{
		Root:      src,
		Host:      "127.0.0.1",
		Ports:     ports,
		Transport: transport.TCP,
		Transfer:  opts,
	}
}

func waitReport(t *testing.T, ch <-chan *report.Report) *report.Report {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(30 * time.Second):
		t.Fatal("receiver did not finish")
		return nil
	}
}

func TestTransfer_MixedSizes(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string]int{"small": 10, "large": 10_000_000, "empty": 0}
	writeTree(t, src, files)

	rcv, results := startReceiver(t, dst, 4, testTransfer())
	sent := RunSender(context.Background(), logging.Discard(), senderConfig(src, rcv.Ports(), testTransfer()))
	got := waitReport(t, results)

	if sent.Code != report.OK || sent.FilesTransferred != 3 || len(sent.Failures) != 0 {
		t.Fatalf("sender report: code=%v files=%d failures=%v err=%s", sent.Code, sent.FilesTransferred, sent.Failures, sent.Err)
	}
	if got.Code != report.OK || got.FilesTransferred != 3 || len(got.Failures) != 0 {
		t.Fatalf("receiver report: code=%v files=%d failures=%v err=%s", got.Code, got.FilesTransferred, got.Failures, got.Err)
	}
	if got.TransferID != sent.TransferID {
		t.Fatalf("receiver adopted %q, sender used %q", got.TransferID, sent.TransferID)
	}
	if sent.BytesMoved != 10_000_010 {
		t.Fatalf("sender moved %d bytes", sent.BytesMoved)
	}
	if len(sent.Connections) != 4 {
		t.Fatalf("expected 4 sender sub-reports, got %d", len(sent.Connections))
	}
	assertCopied(t, src, dst, files)
}

func TestTransfer_AbortThenResume(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string]int{"1.bin": 100_000, "2.bin": 3_000_000, "3.bin": 100_000}
	writeTree(t, src, files)
	opts := testTransfer()
	opts.TransferID = "resume-me"

	// one connection keeps the file order deterministic
	rcv, results := startReceiver(t, dst, 1, opts)
	var flag abort.Flag
	cfg := senderConfig(src, rcv.Ports(), opts)
	cfg.Abort = &flag
	cfg.Progress = func(p transfer.Progress) {
		if p.RelPath == "2.bin" && p.Bytes > 0 {
			flag.Trigger()
		}
	}
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	got := waitReport(t, results)
	rcv.Close()

	if sent.Code != report.Aborted || got.Code != report.Aborted {
		t.Fatalf("expected aborted reports, got sender=%v receiver=%v", sent.Code, got.Code)
	}
	if sent.FilesTransferred != 1 {
		t.Fatalf("expected 1 file before the abort, got %d", sent.FilesTransferred)
	}

	l, err := xferlog.Open(dst, "resume-me")
	if err != nil {
		t.Fatal(err)
	}
	completed, err := l.LoadCompleted()
	l.Close()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := completed["1.bin"]; !ok || len(completed) != 1 {
		t.Fatalf("log should list only 1.bin, got %v", completed)
	}

	rcv, results = startReceiver(t, dst, 1, transfer.Options{TransferID: "resume-me", BlockSize: opts.BlockSize, FrameSize: opts.FrameSize})
	resumed := RunSender(context.Background(), logging.Discard(), senderConfig(src, rcv.Ports(), opts))
	got = waitReport(t, results)

	if resumed.Code != report.OK || resumed.FilesTransferred != 2 || resumed.FilesSkipped != 1 {
		t.Fatalf("resumed sender: code=%v files=%d skipped=%d err=%s", resumed.Code, resumed.FilesTransferred, resumed.FilesSkipped, resumed.Err)
	}
	if resumed.BytesMoved != 3_100_000 {
		t.Fatalf("resume re-sent bytes: moved %d", resumed.BytesMoved)
	}
	if got.CompletedFiles() != 3 {
		t.Fatalf("receiver completed %d files", got.CompletedFiles())
	}
	assertCopied(t, src, dst, files)
}

func TestTransfer_VersionMismatchIsFatal(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"a": 1000, "b": 2000})

	ropts := testTransfer()
	ropts.ProtocolVersion = 3
	rcv, results := startReceiver(t, dst, 2, ropts)

	sopts := testTransfer()
	sopts.ProtocolVersion = 5
	sent := RunSender(context.Background(), logging.Discard(), senderConfig(src, rcv.Ports(), sopts))
	got := waitReport(t, results)

	if sent.Code != report.NegotiationError || sent.FilesTransferred != 0 {
		t.Fatalf("sender: code=%v files=%d", sent.Code, sent.FilesTransferred)
	}
	if !sent.Code.Fatal() {
		t.Fatal("negotiation error should be fatal")
	}
	if got.Code != report.NegotiationError || got.FilesTransferred != 0 {
		t.Fatalf("receiver: code=%v files=%d", got.Code, got.FilesTransferred)
	}
}

func TestTransfer_ExcludeFilter(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"keep1.txt": 100, "keep2.bin": 200, "scratch.tmp": 300})

	rcv, results := startReceiver(t, dst, 2, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.Filter = manifest.Filter{Exclude: `.*\.tmp`}
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	waitReport(t, results)

	if sent.Code != report.OK || sent.FilesTransferred != 2 {
		t.Fatalf("sender: code=%v files=%d", sent.Code, sent.FilesTransferred)
	}
	if _, err := os.Stat(filepath.Join(dst, "scratch.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("excluded file reached the destination: %v", err)
	}
}

func TestTransfer_SenderLogSkipsConfirmedFiles(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string]int{"a": 5000, "b": 7000}
	writeTree(t, src, files)
	opts := testTransfer()
	opts.TransferID = "with-sender-log"

	rcv, results := startReceiver(t, dst, 2, opts)
	cfg := senderConfig(src, rcv.Ports(), opts)
	cfg.SenderLog = true
	if first := RunSender(context.Background(), logging.Discard(), cfg); first.Code != report.OK {
		t.Fatalf("first run: %v %s", first.Code, first.Err)
	}
	waitReport(t, results)
	rcv.Close()

	// the rerun settles every file from the sender's own log, so the
	// receiver never sees a file header
	rcv, results = startReceiver(t, dst, 2, opts)
	cfg.Ports = rcv.Ports()
	var mu sync.Mutex
	var skipped []string
	cfg.Progress = func(p transfer.Progress) {
		if p.Skipped {
			mu.Lock()
			skipped = append(skipped, p.RelPath)
			mu.Unlock()
		}
	}
	second := RunSender(context.Background(), logging.Discard(), cfg)
	got := waitReport(t, results)

	if second.Code != report.OK || second.FilesSkipped != 2 || second.BytesMoved != 0 {
		t.Fatalf("second run: code=%v skipped=%d bytes=%d", second.Code, second.FilesSkipped, second.BytesMoved)
	}
	if got.FilesTransferred != 0 || got.FilesSkipped != 0 {
		t.Fatalf("receiver saw work on rerun: %+v", got)
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skip progress events, got %v", skipped)
	}
}

func TestTransfer_SenderLogDerivesStableTransferID(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"a": 3000, "dir/b": 4000})

	rcv, results := startReceiver(t, dst, 1, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.SenderLog = true
	first := RunSender(context.Background(), logging.Discard(), cfg)
	waitReport(t, results)
	rcv.Close()
	if first.Code != report.OK || first.TransferID == "" {
		t.Fatalf("first run: code=%v id=%q", first.Code, first.TransferID)
	}

	rcv, results = startReceiver(t, dst, 1, testTransfer())
	cfg.Ports = rcv.Ports()
	second := RunSender(context.Background(), logging.Discard(), cfg)
	waitReport(t, results)
	if second.TransferID != first.TransferID {
		t.Fatalf("transfer id changed between runs: %q then %q", first.TransferID, second.TransferID)
	}
	if second.Code != report.OK || second.FilesSkipped != 2 {
		t.Fatalf("second run: code=%v skipped=%d", second.Code, second.FilesSkipped)
	}
}

func TestTransfer_ExplicitFileList(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"listed": 1234, "unlisted": 10})

	rcv, results := startReceiver(t, dst, 1, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.Files = []manifest.FileInfo{{RelPath: "listed", Size: -1}, {RelPath: "missing", Size: -1}}
	cfg.ListErrors = []report.FileFailure{{Path: "line 3", Err: "malformed file list"}}
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	waitReport(t, results)

	if sent.Code != report.PartialFailure || sent.FilesTransferred != 1 {
		t.Fatalf("sender: code=%v files=%d", sent.Code, sent.FilesTransferred)
	}
	if len(sent.Failures) != 2 || sent.Failures[0].Path != "line 3" || sent.Failures[1].Path != "missing" {
		t.Fatalf("expected list and input failures, got %v", sent.Failures)
	}
	if _, err := os.Stat(filepath.Join(dst, "unlisted")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file outside the list was sent")
	}
}

func TestTransfer_FileListRefusedPathsFailAlone(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string]int{"a": 3000, "b": 7000}
	writeTree(t, src, files)
	writeTree(t, src, map[string]int{".warp/x": 10})

	rcv, results := startReceiver(t, dst, 2, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.Files = []manifest.FileInfo{{RelPath: ".warp/x", Size: -1}, {RelPath: "a", Size: -1}, {RelPath: "b", Size: -1}}
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	got := waitReport(t, results)

	if sent.Code != report.PartialFailure || sent.FilesTransferred != 2 {
		t.Fatalf("sender: code=%v files=%d failures=%v", sent.Code, sent.FilesTransferred, sent.Failures)
	}
	if len(sent.Failures) != 1 || sent.Failures[0].Path != ".warp/x" {
		t.Fatalf("expected only the reserved path to fail, got %v", sent.Failures)
	}
	if got.Code.Fatal() {
		t.Fatalf("receiver: code=%v", got.Code)
	}
	assertCopied(t, src, dst, files)
}

func TestTransfer_AbortAfterDeadline(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"big": 20_000_000})

	rcv, results := startReceiver(t, dst, 1, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.AbortAfter = time.Millisecond
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	got := waitReport(t, results)

	if sent.Code != report.Aborted || got.Code != report.Aborted {
		t.Fatalf("expected aborted reports, got sender=%v receiver=%v", sent.Code, got.Code)
	}
	if sent.FilesTransferred != 0 {
		t.Fatal("file completed despite the deadline")
	}
}

func TestTransfer_UnreachablePortIsTolerated(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	files := map[string]int{"a": 4000, "b": 9000}
	writeTree(t, src, files)

	tr, err := transport.New(transport.TCP, transport.Options{})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closed := ln.Port()
	ln.Close()

	rcv, results := startReceiver(t, dst, 1, testTransfer())
	sent := RunSender(context.Background(), logging.Discard(), senderConfig(src, append(rcv.Ports(), closed), testTransfer()))
	waitReport(t, results)

	if sent.Code != report.OK || sent.FilesTransferred != 2 {
		t.Fatalf("sender: code=%v files=%d err=%s", sent.Code, sent.FilesTransferred, sent.Err)
	}
	assertCopied(t, src, dst, files)
}

func TestTransfer_ArchivesReports(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"a": 10})
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	rcv, results := startReceiver(t, dst, 1, testTransfer())
	cfg := senderConfig(src, rcv.Ports(), testTransfer())
	cfg.History = store
	sent := RunSender(context.Background(), logging.Discard(), cfg)
	waitReport(t, results)

	recs, err := store.List(0)
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one archived report, got %d err=%v", len(recs), err)
	}
	if recs[0].Report.TransferID != sent.TransferID || recs[0].Report.FilesTransferred != 1 {
		t.Fatalf("archived report mismatch: %+v", recs[0].Report)
	}
}

func TestReceiver_BindFailsWithoutPorts(t *testing.T) {
	rcv, err := NewReceiver(logging.Discard(), ReceiverConfig{
		Root:      t.TempDir(),
		Host:      "203.0.113.1",
		StartPort: 1,
		NumPorts:  2,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = rcv.Bind()
	if !errors.Is(err, ErrNoPortBound) {
		t.Fatalf("expected ErrNoPortBound, got %v", err)
	}
	if report.Classify(err) != report.ResourceError {
		t.Fatalf("bind failure classified as %v", report.Classify(err))
	}
}

func TestReceiver_RunForeverServesSessions(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	writeTree(t, src, map[string]int{"a": 3000})

	rcv, err := NewReceiver(logging.Discard(), ReceiverConfig{
		Root:          dst,
		Host:          "127.0.0.1",
		NumPorts:      1,
		Transfer:      testTransfer(),
		AcceptTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := rcv.Bind(); err != nil {
		t.Fatal(err)
	}
	defer rcv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	reports := make(chan *report.Report, 4)
	done := make(chan error, 1)
	go func() { done <- rcv.RunForever(ctx, func(r *report.Report) { reports <- r }) }()

	for i, id := range []string{"first", "second"} {
		opts := testTransfer()
		opts.TransferID = id
		sent := RunSender(context.Background(), logging.Discard(), senderConfig(src, rcv.Ports(), opts))
		if sent.Code != report.OK {
			t.Fatalf("session %d: %v %s", i, sent.Code, sent.Err)
		}
		select {
		case r := <-reports:
			if r.TransferID != id || r.Code != report.OK {
				t.Fatalf("session %d report: id=%q code=%v", i, r.TransferID, r.Code)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("session %d produced no report", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("RunForever returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not stop after cancel")
	}
}
