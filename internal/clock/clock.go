package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source for refill arithmetic. Nanos must never go backwards
// within one process.
type Clock interface {
	// Nanos returns the current time in nanoseconds since the Unix epoch.
	Nanos() int64

	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock reads wall time once at construction and advances it with the
// monotonic clock afterwards, so adjustments to the system clock do not move
// bucket time backwards.
type SystemClock struct {
	base time.Time
}

func NewSystemClock() Clock {
	return &SystemClock{base: time.Now()}
}

func (c *SystemClock) Nanos() int64 {
	return c.base.UnixNano() + int64(time.Since(c.base))
}

func (c *SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Mock is a manually driven Clock for tests. Sleep advances the clock by the
// requested duration instead of blocking.
type Mock struct {
	mu     sync.Mutex
	now    int64
	slept  []time.Duration
	before func(d time.Duration)
}

func NewMock(start int64) *Mock {
	return &Mock{now: start}
}

func (m *Mock) Nanos() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += int64(d)
}

// OnSleep registers a hook invoked at the start of every Sleep call.
func (m *Mock) OnSleep(f func(d time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = f
}

func (m *Mock) Sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	hook := m.before
	m.mu.Unlock()
	if hook != nil {
		hook(d)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slept = append(m.slept, d)
	m.now += int64(d)
	return nil
}

// Slept returns every duration passed to a successful Sleep, in order.
func (m *Mock) Slept() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.slept...)
}
