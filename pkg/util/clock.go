package util

import (
	"sync/atomic"
	"time"
)

// Clock supplies the current time for expiry and permit deadline checks.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// UnixNow returns c's time in unix seconds, the unit order expirations use.
func UnixNow(c Clock) uint64 {
	sec := c.Now().Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}

// FixedClock is a manually advanced clock for tests and replays.
type FixedClock struct {
	unix atomic.Int64
}

func NewFixedClock(unix int64) *FixedClock {
	c := &FixedClock{}
	c.unix.Store(unix)
	return c
}

func (c *FixedClock) Now() time.Time { return time.Unix(c.unix.Load(), 0) }

func (c *FixedClock) Set(unix int64) { c.unix.Store(unix) }

func (c *FixedClock) Advance(d time.Duration) { c.unix.Add(int64(d / time.Second)) }
