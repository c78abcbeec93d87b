package queue

import (
	"math"
	"math/rand"
	"time"
)

const jitterFraction = 0.2

// nextBackoff computes min(base*2^attempt, cap) +/- 20% jitter (§4.4), where
// attempt is the retry_count the row had *before* this failure (0 on first retry).
func nextBackoff(attempt int, base, cap time.Duration) time.Duration {
	scaled := float64(base) * math.Pow(2, float64(attempt))
	bounded := math.Min(scaled, float64(cap))

	jitter := bounded * jitterFraction * (2*rand.Float64() - 1) //nolint:gosec // jitter spread, not security sensitive

	return time.Duration(bounded + jitter)
}
