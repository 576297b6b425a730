package obs

import (
	"sync/atomic"
	"time"
)

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count  uint64
	sum    uint64
	min    uint64
	max    uint64
	errors uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count  uint64
	Errors uint64
	Min    time.Duration
	Max    time.Duration
	Avg    time.Duration
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration, failed bool) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)
	if failed {
		atomic.AddUint64(&l.errors, 1)
	}

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count:  count,
		Errors: atomic.LoadUint64(&l.errors),
		Min:    time.Duration(atomic.LoadUint64(&l.min)),
		Max:    time.Duration(atomic.LoadUint64(&l.max)),
		Avg:    time.Duration(sum / count),
	}
}
