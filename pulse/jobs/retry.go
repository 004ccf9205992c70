package jobs

import (
	"math"
	"time"

	"github.com/blipee/pulse/errors"
)

// RetryPolicy decides how long a failed job waits before it is eligible again.
// attempt is the retry number about to be scheduled, starting at 1.
// A zero delay leaves nextRunAt untouched so the job is claimable immediately.
type RetryPolicy interface {
	Delay(attempt int) time.Duration
}

// RetryPolicyFunc adapts a function to RetryPolicy
type RetryPolicyFunc func(attempt int) time.Duration

func (f RetryPolicyFunc) Delay(attempt int) time.Duration { return f(attempt) }

// NoBackoff retries immediately. It is the default.
type NoBackoff struct{}

func (NoBackoff) Delay(int) time.Duration { return 0 }

// ConstantBackoff waits the same interval before every retry
type ConstantBackoff struct {
	Interval time.Duration
}

func (b ConstantBackoff) Delay(int) time.Duration { return b.Interval }

// LinearBackoff waits Initial * attempt, capped at Max when Max > 0
type LinearBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capDelay(b.Initial*time.Duration(attempt), b.Max)
}

// ExponentialBackoff waits Initial * 2^(attempt-1), capped at Max when Max > 0
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		// overflow or past the cap: stop doubling
		if d <= 0 || (b.Max > 0 && d >= b.Max) {
			break
		}
	}
	if d <= 0 {
		d = time.Duration(math.MaxInt64)
	}
	return capDelay(d, b.Max)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// NewRetryPolicy builds the policy named by strategy: none, constant, linear or exponential.
// An empty strategy means none.
func NewRetryPolicy(strategy string, initial, max time.Duration) (RetryPolicy, error) {
	switch strategy {
	case "", "none":
		return NoBackoff{}, nil
	case "constant":
		return ConstantBackoff{Interval: initial}, nil
	case "linear":
		return LinearBackoff{Initial: initial, Max: max}, nil
	case "exponential":
		return ExponentialBackoff{Initial: initial, Max: max}, nil
	default:
		return nil, errors.NewValidationError("unknown backoff strategy %q", strategy)
	}
}
