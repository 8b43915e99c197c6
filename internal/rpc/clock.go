package rpc

import (
	"sync/atomic"
	"time"
)

var lastTimestamp atomic.Int64

// Timestamp returns wall-clock nanoseconds, forced strictly increasing within
// the process.
func Timestamp() int64 {
	now := time.Now().UnixNano()
	for {
		last := lastTimestamp.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if lastTimestamp.CompareAndSwap(last, next) {
			return next
		}
	}
}
