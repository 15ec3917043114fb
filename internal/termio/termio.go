// Package termio serializes terminal output from concurrent writers. Writes
// are queued and written by one goroutine per stream, so a slow terminal
// never stalls a transfer worker reporting progress.
package termio

import (
	"io"
	"os"
	"sync"
)

const queueDepth = 1024

// Writer is an asynchronous writer over one file.
type Writer struct {
	file *os.File
	out  io.Writer
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

// NewWriter starts the drain goroutine for out. file, if non-nil, is the
// underlying terminal used for TTY detection.
func NewWriter(out io.Writer, file *os.File) *Writer {
	w := &Writer{
		file: file,
		out:  out,
		ch:   make(chan []byte, queueDepth),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for buf := range w.ch {
		_, _ = w.out.Write(buf)
	}
}

// Write queues a copy of p. It never reports an error; output written
// after Close is dropped.
func (w *Writer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	defer func() {
		// send on a closed queue
		if recover() != nil {
			n, err = len(p), nil
		}
	}()
	w.ch <- buf
	return len(p), nil
}

// File returns the underlying file, or nil.
func (w *Writer) File() *os.File {
	return w.file
}

// IsTTY reports whether the writer ends in a character device.
func (w *Writer) IsTTY() bool {
	return IsTTY(w.file)
}

// Close flushes queued output and stops the drain goroutine.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.ch) })
	<-w.done
	return nil
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

// Init starts the process-wide stdout and stderr writers.
func Init() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout, os.Stdout)
		global.stderr = NewWriter(os.Stderr, os.Stderr)
	})
}

// Stdout returns the shared stdout writer.
func Stdout() *Writer {
	Init()
	return global.stdout
}

// Stderr returns the shared stderr writer.
func Stderr() *Writer {
	Init()
	return global.stderr
}

// Flush drains both shared writers. Call it once before the process exits.
func Flush() {
	Init()
	global.stdout.Close()
	global.stderr.Close()
}

// IsTTY reports whether f is a character device.
func IsTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
