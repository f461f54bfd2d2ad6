// Package ratelimit provides a simple average-rate limiter for packet
// send loops, counting either packets or bytes.
package ratelimit

import "time"

// Throttle limits to a fixed number of units (packets or bytes) per
// second on average. Not safe for concurrent use.
type Throttle struct {
	nsPerUnit int64
	sent      uint64
	nextCheck uint64
	interval  uint64
	startTime time.Time
}

// PerSecond creates a limiter for rate units per second.
// If rate == 0, throttling is disabled and Take is a no-op.
func PerSecond(rate uint64) *Throttle {
	if rate == 0 {
		return nil
	}
	// Check wall time every ~10ms worth of units to balance accuracy
	// against timer overhead; clamp to a sane window.
	interval := min(max(rate/100, 32), 65536)
	return &Throttle{
		nsPerUnit: int64(time.Second) / int64(rate),
		interval:  interval,
		nextCheck: interval,
		startTime: time.Now(),
	}
}

// Take accounts for n units and blocks until they are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) Take(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.sent += n
	if l.sent < l.nextCheck {
		return // Fast path: only check time periodically.
	}
	l.nextCheck = l.sent + l.interval

	expected := l.startTime.Add(time.Duration(int64(l.sent) * l.nsPerUnit))
	if now := time.Now(); now.Before(expected) {
		time.Sleep(expected.Sub(now))
	}
	// If behind schedule, catch up naturally by not sleeping.
}
