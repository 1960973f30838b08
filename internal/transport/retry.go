package transport

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the reconnect backoff.
type RetryPolicy struct {
	MaxAttempts  int           // reconnect attempts before giving up (0 = never reconnect)
	InitialDelay time.Duration // delay before the first attempt
	MaxDelay     time.Duration // cap applied before jitter
	Multiplier   float64       // exponential factor between attempts
	Jitter       float64       // symmetric jitter fraction, 0.2 means ±20%
}

// DefaultRetryPolicy returns the reconnect policy used by the client:
// 1s base, doubling, capped at 30s, ±20% jitter, ten attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Delay computes the wait before reconnect attempt n (0-based). rnd may be
// nil, in which case the global source is used.
func (p RetryPolicy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}

	// Exponential backoff: initialDelay * (multiplier ^ attempt)
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		var f float64
		if rnd != nil {
			f = rnd.Float64()
		} else {
			f = rand.Float64()
		}
		delay += (f*2 - 1) * p.Jitter * delay
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
