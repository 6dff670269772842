// Package timers provides the heartbeat timing layer: an injectable Clock
// and a per-task Scheduler for repeating checks and one-shot timeouts.
// Tests drive a FakeClock forward instead of sleeping, so timer-dependent
// behavior is exercised deterministically.
package timers

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped before it fires.
type Timer interface {
	// Stop cancels the timer. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// Clock abstracts time for the scheduler. The real implementation wraps
// the time package; FakeClock advances virtual time under test control.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// ─── Real Clock ─────────────────────────────────────────────────────────────

type realClock struct{}

// NewRealClock returns a Clock backed by wall time.
func NewRealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) Stop() bool { return rt.t.Stop() }

// ─── Fake Clock ─────────────────────────────────────────────────────────────

// FakeClock is a deterministic Clock for tests. Timers fire only when
// Advance moves virtual time past their deadline, in deadline order
// (insertion order breaks ties), with callbacks run synchronously on the
// advancing goroutine.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

// NewFakeClock creates a fake clock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{
		clock: c,
		when:  c.now.Add(d),
		seq:   c.seq,
		fn:    fn,
	}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves virtual time forward by d, firing every timer whose
// deadline falls within the window. Callbacks run synchronously and may
// schedule further timers; those fire too if still within the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.popDueLocked(target)
		if t == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if t.when.After(c.now) {
			c.now = t.when
		}
		c.mu.Unlock()
		t.fn()
		c.mu.Lock()
	}
}

// PendingTimers returns the number of armed timers. Test helper.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

// popDueLocked removes and returns the earliest live timer due at or
// before target, or nil if none qualifies.
func (c *FakeClock) popDueLocked(target time.Time) *fakeTimer {
	live := c.pending[:0]
	for _, t := range c.pending {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.pending = live
	if len(c.pending) == 0 {
		return nil
	}

	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].when.Equal(c.pending[j].when) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].when.Before(c.pending[j].when)
	})

	if c.pending[0].when.After(target) {
		return nil
	}
	t := c.pending[0]
	t.fired = true
	c.pending = c.pending[1:]
	return t
}

type fakeTimer struct {
	clock   *FakeClock
	when    time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
