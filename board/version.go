package board

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns a strictly increasing UnixNano stamp used as the
// version of every row the service writes.
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

// versionAfter stamps a rewrite of a row stored at prev. The result outranks
// prev even when prev came from an instance whose clock runs ahead.
func versionAfter(prev int64) int64 {
	v := nextTimestamp()
	if v <= prev {
		v = prev + 1
	}
	return v
}
