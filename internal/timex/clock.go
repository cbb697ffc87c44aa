package timex

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts wall-clock reads and timer scheduling so that rotation and
// sweep logic can be driven by virtual time in tests instead of sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the cancellable handle returned by AfterFunc.
type Timer interface {
	// Stop cancels the timer, reporting whether it was still pending.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Real returns the wall-clock implementation.
func Real() Clock { return realClock{} }

// FakeClock is a deterministic Clock for tests. Time only moves when
// Advance is called; due timers fire synchronously on the advancing
// goroutine, in deadline order.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, stepping through intermediate timer
// deadlines in order so a callback that arms a follow-up timer sees it fire
// within the same Advance. Callbacks run without the clock lock held.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// nextDue claims the earliest pending timer with deadline <= target and
// steps the clock to that deadline.
func (c *FakeClock) nextDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.deadline.After(target) {
			continue
		}
		if due == nil || t.deadline.Before(due.deadline) {
			due = t
		}
	}
	if due != nil {
		due.fired = true
		if due.deadline.After(c.now) {
			c.now = due.deadline
		}
	}
	return due
}

// Pending reports how many timers are armed and not yet fired or stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}
	t.stopped = true

	// Compact occasionally so long-lived fakes don't accumulate handles.
	timers := t.clock.timers[:0]
	for _, other := range t.clock.timers {
		if !other.stopped && !other.fired {
			timers = append(timers, other)
		}
	}
	sort.Slice(timers, func(i, j int) bool { return timers[i].deadline.Before(timers[j].deadline) })
	t.clock.timers = timers
	return true
}
