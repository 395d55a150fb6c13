package queue

import (
	"math"
	"time"

	"github.com/oriys/orbit/internal/domain"
)

// Backoff returns the delay before the next attempt after `failures` failed
// attempts (failures >= 1).
//
//	exponential: initial * 2^(failures-1)
//	linear:      initial * failures
//
// Both are capped at MaxDelay when it is set.
func Backoff(rc domain.RetryConfig, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	initial := rc.InitialDelay
	if initial <= 0 {
		return 0
	}

	var d float64
	switch rc.BackoffStrategy {
	case domain.BackoffLinear:
		d = float64(initial) * float64(failures)
	default:
		d = float64(initial) * math.Pow(2, float64(failures-1))
	}

	if rc.MaxDelay > 0 && d > float64(rc.MaxDelay) {
		return rc.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
