package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/warp/internal/history"
	"github.com/sheerbytes/warp/internal/report"
	"github.com/sheerbytes/warp/internal/xferlog"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var stdout, stderr lockedBuffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	cases := map[string][]string{
		"unknown flag":     {"send", "--bogus", "localhost"},
		"no host":          {"send"},
		"bad port count":   {"send", "--num-ports", "0", "localhost"},
		"bad transport":    {"receive", "--transport", "carrier-pigeon"},
		"extra arguments":  {"receive", "surplus"},
		"unknown command":  {"teleport"},
		"missing log id":   {"log"},
		"bad config file":  {"history", "list", "--config", "/nonexistent/warp.yaml"},
		"frame over limit": {"send", "--frame-size", "1gb", "localhost"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, stderr := runCLI(t, args...)
			if code != exitUsage {
				t.Fatalf("exit code = %d, want %d (stderr %q)", code, exitUsage, stderr)
			}
			if !strings.Contains(stderr, "error:") {
				t.Fatalf("no error printed: %q", stderr)
			}
		})
	}
}

func TestHistoryListAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	id, err := store.Save(&report.Report{TransferID: "nightly", Role: "sender", FilesTransferred: 7, BytesMoved: 4096})
	if err != nil {
		t.Fatal(err)
	}
	store.Close()

	code, out, stderr := runCLI(t, "history", "list", "--history-path", path)
	if code != 0 {
		t.Fatalf("list exit code %d: %s", code, stderr)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "nightly") {
		t.Fatalf("list output missing record:\n%s", out)
	}

	code, out, stderr = runCLI(t, "history", "show", id, "--history-path", path)
	if code != 0 {
		t.Fatalf("show exit code %d: %s", code, stderr)
	}
	var r report.Report
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		t.Fatalf("show output is not a report: %v\n%s", err, out)
	}
	if r.TransferID != "nightly" || r.FilesTransferred != 7 {
		t.Fatalf("unexpected report %+v", r)
	}

	code, _, _ = runCLI(t, "history", "show", "missing", "--history-path", path)
	if code != int(report.ResourceError) {
		t.Fatalf("show of unknown id exit code = %d", code)
	}
}

func TestLogPrintsEntries(t *testing.T) {
	dir := t.TempDir()
	l, err := xferlog.Open(dir, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(xferlog.Entry{RelPath: "a/b.bin", Size: 42, Checksum: 7}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	code, out, stderr := runCLI(t, "log", "-d", dir, "t1")
	if code != 0 {
		t.Fatalf("exit code %d: %s", code, stderr)
	}
	if !strings.Contains(out, "a/b.bin") || !strings.Contains(out, "1 entries") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

var portsLine = regexp.MustCompile(`listening on ports ([0-9,]+)`)

func TestSendReceive(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	src, dst := t.TempDir(), t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte("warp"), 50_000)
	if err := os.WriteFile(filepath.Join(src, "sub", "data.bin"), want, 0o644); err != nil {
		t.Fatal(err)
	}
	common := []string{"--history=false", "--progress=false", "--transfer-id", "cli-test", "-n", "2"}

	var rout, rerr lockedBuffer
	done := make(chan int, 1)
	go func() {
		args := append([]string{"receive", "-d", dst, "--start-port", "0", "--host", "127.0.0.1"}, common...)
		done <- execute(context.Background(), args, &rout, &rerr)
	}()

	var ports string
	deadline := time.Now().Add(5 * time.Second)
	for ports == "" {
		if time.Now().After(deadline) {
			t.Fatalf("receiver did not report ports: %s", rerr.String())
		}
		if m := portsLine.FindStringSubmatch(rout.String()); m != nil {
			ports = m[1]
		}
		time.Sleep(10 * time.Millisecond)
	}

	var sout, serr lockedBuffer
	args := append([]string{"send", "-d", src, "--ports", ports, "--json", "127.0.0.1"}, common...)
	if code := execute(context.Background(), args, &sout, &serr); code != 0 {
		t.Fatalf("send exit code %d: %s\n%s", code, sout.String(), serr.String())
	}
	var sent report.Report
	if err := json.Unmarshal([]byte(sout.String()), &sent); err != nil {
		t.Fatalf("send output is not a report: %v", err)
	}
	if sent.FilesTransferred != 1 || sent.TransferID != "cli-test" {
		t.Fatalf("unexpected sender report %+v", sent)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("receive exit code %d: %s", code, rerr.String())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not finish")
	}
	got, err := os.ReadFile(filepath.Join(dst, "sub", "data.bin"))
	if err != nil || !bytes.Equal(got, want) {
		t.Fatalf("destination file differs: %v", err)
	}
}
