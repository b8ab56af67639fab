// Package backoff computes capped exponential delays between reconnect attempts.
package backoff

import (
	"math"
	"time"
)

// Policy describes an exponential backoff schedule.
type Policy struct {
	// Base is the delay before the first attempt.
	Base time.Duration
	// Max caps every delay.
	Max time.Duration
	// Multiplier scales the delay after each attempt. Values below 1 are treated as 1.
	Multiplier float64
}

// Default returns the schedule used for realtime reconnects: 1s doubling up to 30s.
func Default() Policy {
	return Policy{
		Base:       time.Second,
		Max:        30 * time.Second,
		Multiplier: 2,
	}
}

// Delay returns the wait before the given 1-based attempt.
// The result is min(Base * Multiplier^(attempt-1), Max) and never decreases as attempt grows.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := max(p.Multiplier, 1)

	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && (d >= float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
