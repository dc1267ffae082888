package engine

import (
	"sync"
	"time"
)

// Clock supplies the engine's notion of now. Production wiring uses
// SystemClock; decay and scheduler tests drive a ManualClock so elapsed
// time is an input, not a side effect.
type Clock interface {
	NowMS() int64
}

// SystemClock reads the wall clock in unix milliseconds.
type SystemClock struct{}

func (SystemClock) NowMS() int64 { return time.Now().UnixMilli() }

// ManualClock is a settable clock for tests.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

// NewManualClock starts a manual clock at the given unix-millisecond
// instant.
func NewManualClock(nowMS int64) *ManualClock {
	return &ManualClock{now: nowMS}
}

func (c *ManualClock) NowMS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d.Milliseconds()
}

// Set jumps the clock to an absolute instant.
func (c *ManualClock) Set(nowMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = nowMS
}
