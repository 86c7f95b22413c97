package orchestrator

import (
	"math"
	"math/rand"
	"time"
)

// Backoff returns an exponential delay for the given attempt, capped at max,
// with the upper half randomized.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := int64(wait / 2)
	if half <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(half))
	return wait/2 + jitter
}
