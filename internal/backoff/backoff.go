// Package backoff computes capped exponential retry delays.
//
// Every protocol in the control plane uses the same policy: the delay
// doubles with each consecutive failure, a small multiplicative jitter
// desynchronizes agents whose failures are correlated, and the result
// is clamped to [min, max).
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// jitterBand is the width of the multiplicative jitter: results land in
// [0.95, 1.05] of the doubling base. The band is narrower than the 2x
// growth step so the delay stays non-decreasing in the failure count
// until it saturates.
const jitterBand = 0.10

// Delay returns the wait before retrying after n consecutive failures.
// n <= 0 yields min. The result is always in [min, max).
func Delay(n int, min, max time.Duration) time.Duration {
	return delay(n, min, max, rand.Float64)
}

// delay is Delay with the jitter source injected. jitter must return a
// value in [0, 1).
func delay(n int, min, max time.Duration, jitter func() float64) time.Duration {
	if min <= 0 || max <= min {
		return min
	}
	if n < 0 {
		n = 0
	}

	base := float64(min) * math.Pow(2, float64(n))
	if base > float64(max) {
		base = float64(max)
	}

	factor := 1 - jitterBand/2 + jitterBand*jitter()
	d := time.Duration(base * factor)

	if d < min {
		d = min
	}
	if d >= max {
		d = max - time.Nanosecond
	}
	return d
}
