// Package bufpool recycles the fixed-size frame buffers used by transfer
// workers.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of exactly one size.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, bufSize)
				return &b
			},
		},
	}
}

// Get returns a buffer of exactly BufSize bytes. Contents are unspecified.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	if cap(*bp) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return (*bp)[:p.bufSize]
}

// Put returns buf for reuse. Buffers smaller than BufSize are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}

var pools sync.Map // map[int]*Pool

// For returns the shared pool for size, creating it on first use. Workers
// with the same frame size share buffers across sessions.
func For(size int) *Pool {
	if pool, ok := pools.Load(size); ok {
		return pool.(*Pool)
	}
	actual, _ := pools.LoadOrStore(size, New(size))
	return actual.(*Pool)
}
