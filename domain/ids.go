package domain

import (
	"strconv"
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns the wall clock in nanoseconds, bumped so that two
// calls never return the same value within a process.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

// NextEntryID returns a monotonically increasing token for activity entries.
func NextEntryID() string {
	return strconv.FormatInt(nextTimestamp(), 36)
}
