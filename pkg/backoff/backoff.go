package backoff

import (
	"math"
	"time"
)

// Exponential returns the delay before the next retry once attempt failures
// have occurred: min(base * 2^attempt, max). With a 1s base the sequence is
// 2s, 4s, 8s, ... capped at max.
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d <= 0 || d > max {
		return max
	}
	return d
}
