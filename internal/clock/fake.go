package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, without the clock
// lock held, so callbacks may schedule or stop other timers.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	fn       func()
	ch       chan time.Time
	done     bool
}

// NewFake returns a FakeClock set to start.
func NewFake(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, &waiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.done {
				return false
			}
			w.done = true
			c.remove(w)
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.done
			if !active {
				c.waiters = append(c.waiters, w)
			}
			w.done = false
			w.deadline = c.now.Add(d)
			return active
		},
	}
}

// Advance moves time forward by d and fires everything that came due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.collect(target)
		if len(due) == 0 {
			return
		}
		for _, w := range due {
			if w.fn != nil {
				w.fn()
				continue
			}
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// Pending returns the number of scheduled, unfired timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) collect(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, rest []*waiter
	for _, w := range c.waiters {
		if !w.deadline.After(target) {
			w.done = true
			due = append(due, w)
		} else {
			rest = append(rest, w)
		}
	}
	c.waiters = rest
	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// remove must be called with c.mu held.
func (c *FakeClock) remove(target *waiter) {
	for i, w := range c.waiters {
		if w == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
