package scheduler

import (
	"math/rand"
	"time"

	"github.com/beamup-io/beamup/upload/network"
)

// Retry bounds.
const (
	// DefaultMaxAttempts is the per-chunk attempt budget.
	DefaultMaxAttempts = 5

	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
)

// Decision is the retry policy's verdict on one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy decides whether and when a failed chunk attempt is retried.
// The zero value is unusable; use DefaultPolicy.
type Policy struct {
	// MaxAttempts caps attempts per chunk, the first one included.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; later attempts
	// double it. Tests shrink this.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// DefaultPolicy returns the standard policy: 5 attempts, exponential
// backoff from 1s capped at 30s with up to 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		MaxDelay:    defaultMaxDelay,
	}
}

// Decide maps (attempt, error) to a verdict. attempt is 0-based: the value
// passed after the first failed attempt is 0. Non-retryable errors and
// exhausted budgets give up; otherwise the delay is
// min(MaxDelay, BaseDelay * 2^attempt * (1 + rand[0, 0.1))).
func (p Policy) Decide(attempt int, err error) Decision {
	if err == nil {
		return Decision{}
	}
	if attempt+1 >= p.MaxAttempts {
		return Decision{}
	}
	if !network.IsRetryable(err) {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= float64(p.MaxDelay) {
			break
		}
	}
	delay *= 1 + rand.Float64()*0.1
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
