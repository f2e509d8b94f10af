package store

import (
	"math"
	"math/rand"
	"time"
)

// nextRetryDelay computes the wait before the given attempt is retried:
// base * factor^(attempt-1), with jitter spreading retries so a burst
// of failures does not come back as a burst of retries.
func nextRetryDelay(attempt int, base time.Duration, factor, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if jitter > 0 {
		spread := delay * jitter
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}
