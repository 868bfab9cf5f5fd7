// Package clock abstracts the time operations used by the chat timers
// (typing expiry, presence windows, send confirmation) so tests can
// drive them deterministically.
package clock

import "time"

// Clock is the subset of the time package the core depends on.
type Clock interface {
	Now() time.Time

	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time

	// AfterFunc behaves like time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable scheduled callback.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the callback from running. It returns false if the
// timer already fired or was stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the callback to run d from now.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}
