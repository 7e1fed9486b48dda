package service

import (
	"math/rand"
	"time"
)

// computeBackoff returns an exponentially increasing delay with ±25% jitter.
// The exponent is capped at 20 to prevent integer overflow before the max
// clamp applies.
func computeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 5 * time.Second
	}
	if max <= 0 {
		max = time.Hour
	}
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	if shift < 0 {
		shift = 0
	}
	d := base * time.Duration(1<<shift)
	if d > max || d <= 0 {
		d = max
	}
	if d/2 <= 0 {
		return d
	}
	jitter := time.Duration(rand.Int63n(int64(d/2))) - d/4
	return d + jitter
}
