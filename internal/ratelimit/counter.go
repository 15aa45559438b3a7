// Package ratelimit throttles repetitive log lines.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and allows one log line per interval. The zero value
// logs every event. Safe for concurrent use.
type Counter struct {
	interval time.Duration
	lastLog  atomic.Int64
	total    atomic.Uint64
}

// NewCounter returns a counter that allows a log at most once per interval.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval}
}

// Inc records one event and returns the running total and whether the caller
// may log now.
func (c *Counter) Inc() (uint64, bool) {
	total := c.total.Add(1)
	if c.interval <= 0 {
		return total, true
	}
	now := time.Now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		return total, false
	}
	return total, c.lastLog.CompareAndSwap(last, now)
}

// Total returns the number of recorded events.
func (c *Counter) Total() uint64 {
	return c.total.Load()
}
