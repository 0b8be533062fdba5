// Package testutil provides shared test helpers: a deterministic fake clock,
// an event recorder, and template builders used across package tests.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/ReplayDeck/ReplayPipe/internal/engine"
)

// fakeTimer is one pending callback registered with a FakeClock.
type fakeTimer struct {
	clock   *FakeClock
	when    time.Time
	seq     int64
	fn      func()
	stopped bool
	fired   bool
}

// Stop cancels the timer. It reports whether the call prevented the callback
// from firing, matching time.Timer semantics.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// FakeClock is a manually advanced clock implementing engine.Clock. Timers
// never fire on their own; Advance moves time forward and runs every due
// callback in (due time, registration order) sequence, with the clock reading
// exactly the callback's due time while it runs. Callbacks may register new
// timers; those fire too if they fall inside the advanced window.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextSeq int64
	timers  []*fakeTimer
}

// NewFakeClock creates a fake clock pinned to the given start time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers fn to run when the clock advances past d. A zero or
// negative d makes the timer due immediately but it still only fires inside
// Advance, never synchronously.
func (c *FakeClock) AfterFunc(d time.Duration, fn func()) engine.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		d = 0
	}
	c.nextSeq++
	t := &fakeTimer{clock: c, when: c.now.Add(d), seq: c.nextSeq, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing every due timer in order. Each
// callback runs with the clock set to that timer's due time and with no clock
// lock held, so callbacks are free to read the clock and schedule more timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		t := c.popDueLocked(target)
		if t == nil {
			break
		}
		c.now = t.when
		t.fired = true
		fn := t.fn
		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// AdvanceTo moves the clock to an absolute time, firing due timers.
func (c *FakeClock) AdvanceTo(t time.Time) {
	d := t.Sub(c.Now())
	if d < 0 {
		return
	}
	c.Advance(d)
}

// PendingTimers reports how many registered timers are still live.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			count++
		}
	}
	return count
}

// popDueLocked removes and returns the earliest live timer due at or before
// target, or nil when none remain.
func (c *FakeClock) popDueLocked(target time.Time) *fakeTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if !c.timers[i].when.Equal(c.timers[j].when) {
			return c.timers[i].when.Before(c.timers[j].when)
		}
		return c.timers[i].seq < c.timers[j].seq
	})
	if len(c.timers) == 0 || c.timers[0].when.After(target) {
		return nil
	}
	t := c.timers[0]
	c.timers = c.timers[1:]
	return t
}
