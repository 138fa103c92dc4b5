// Package clock is the time source for expiry, retention and rate limits.
// Tests swap in a Mock.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// Clock reports the current time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

type system struct{}

func (system) Now() time.Time                  { return time.Now() }
func (system) Since(t time.Time) time.Duration { return time.Since(t) }

// System is the wall clock.
var System Clock = system{}

// Mock is a Clock that only moves when told to.
type Mock struct {
	mu  sync.RWMutex
	now time.Time
}

// MockClock is the historical name of Mock.
type MockClock = Mock

// NewMockClock returns a Mock stopped at t.
func NewMockClock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *Mock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Set moves the clock to t.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

type box struct{ Clock }

var current atomic.Pointer[box]

func init() {
	current.Store(&box{System})
}

// Default returns the process clock.
func Default() Clock {
	return current.Load().Clock
}

// SetDefault installs c as the process clock until restore is called.
func SetDefault(c Clock) (restore func()) {
	prev := current.Swap(&box{c})
	return func() { current.Store(prev) }
}

// Now is Default().Now().
func Now() time.Time {
	return Default().Now()
}

// Since is Default().Since(t).
func Since(t time.Time) time.Duration {
	return Default().Since(t)
}
