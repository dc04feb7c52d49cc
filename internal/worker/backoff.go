package worker

import (
	"math/rand/v2"
	"time"
)

// JitterFraction bounds random jitter as a fraction of the delay it is added to.
const JitterFraction = 0.1

// Jitter returns a duration in [0, max).
type Jitter func(max time.Duration) time.Duration

// RandomJitter draws uniformly from [0, max).
func RandomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// NoJitter always returns zero.
func NoJitter(time.Duration) time.Duration { return 0 }

// Backoff returns the retry delay for a job on its attempts-th delivery.
//
// The delay is min(max, base * 2^(attempts-1)) plus jitter of at most [JitterFraction] of that delay, and never
// exceeds max.
func Backoff(attempts int, base, max time.Duration, jitter Jitter) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 || base > max {
		base = max
	}

	delay := max
	if shift := attempts - 1; shift < 62 && base <= max>>shift {
		delay = base << shift
	}

	j := jitter(time.Duration(float64(delay) * JitterFraction))
	if delay+j > max {
		j = max - delay
	}
	return delay + j
}

// deferral returns the delay before a rate-limited job may run again: the server-requested delay plus jitter.
func deferral(retryAfter time.Duration, jitter Jitter) time.Duration {
	return retryAfter + jitter(time.Duration(float64(retryAfter)*JitterFraction))
}
