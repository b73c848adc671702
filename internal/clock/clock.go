// Package clock abstracts the current time so ledger timestamps and the
// active-viewing window can be tested without sleeping.
//
// Production code injects Real(); tests inject Fake() and move time with
// Advance.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Real returns a Clock backed by time.Now.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// FakeClock is a Clock whose time only moves when Advance or Set is called.
// It is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// Fake returns a FakeClock stopped at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// Set jumps the clock to t. Moving backwards is allowed; the ledgers sort on
// read, so out-of-order timestamps are a legitimate test input.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// UnixMilli converts t to the millisecond epoch used in stored records.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMilli converts a stored millisecond epoch back to a time.Time.
func FromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}
