// Package abort provides the cooperative cancellation predicate polled by
// transfer workers at frame and unit boundaries.
package abort

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Checker reports whether the transfer should stop. Implementations must be
// safe for concurrent use and must never block.
type Checker interface {
	ShouldAbort() bool
}

// CheckerFunc adapts a plain function to a Checker.
type CheckerFunc func() bool

// ShouldAbort calls f.
func (f CheckerFunc) ShouldAbort() bool { return f() }

type never struct{}

func (never) ShouldAbort() bool { return false }

// Never is a Checker that never requests an abort.
var Never Checker = never{}

// Flag is an irreversible abort trigger. The zero value is ready to use.
type Flag struct {
	set atomic.Bool
}

// Trigger sets the flag. Subsequent calls are no-ops.
func (f *Flag) Trigger() {
	f.set.Store(true)
}

// ShouldAbort reports whether Trigger has been called.
func (f *Flag) ShouldAbort() bool {
	return f.set.Load()
}

type ctxChecker struct {
	ctx context.Context
}

func (c ctxChecker) ShouldAbort() bool {
	return c.ctx.Err() != nil
}

// FromContext returns a Checker that reports true once ctx is done.
func FromContext(ctx context.Context) Checker {
	return ctxChecker{ctx: ctx}
}

type anyChecker []Checker

func (a anyChecker) ShouldAbort() bool {
	for _, c := range a {
		if c.ShouldAbort() {
			return true
		}
	}
	return false
}

// Any returns a Checker that is true when any of checkers is true. Nil
// entries are ignored.
func Any(checkers ...Checker) Checker {
	out := make(anyChecker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return Never
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Timer sets a Flag once a deadline elapses unless stopped first.
// Stop and the timer firing are mutually exclusive: once Stop returns true
// the flag is never set by this timer.
type Timer struct {
	mu       sync.Mutex
	timer    *time.Timer
	flag     *Flag
	fired    bool
	stopped  bool
	onExpire func()
}

// AfterFunc arms a Timer that triggers flag after d. onExpire, if non-nil,
// runs after the flag is set (used for logging).
func AfterFunc(d time.Duration, flag *Flag, onExpire func()) *Timer {
	t := &Timer{flag: flag, onExpire: onExpire}
	t.timer = time.AfterFunc(d, t.fire)
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.flag.Trigger()
	cb := t.onExpire
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// Stop cancels the timer. It returns false if the deadline already fired.
func (t *Timer) Stop() bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired {
		return false
	}
	t.stopped = true
	t.timer.Stop()
	return true
}

// Fired reports whether the deadline elapsed before Stop.
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
