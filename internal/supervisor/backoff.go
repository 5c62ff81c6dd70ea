package supervisor

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes exponential backoff delays for recoverable errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// DefaultRetryPolicy returns the default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		MaxDelay:   5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Delay returns the delay before retry attempt n (0-indexed). The result is
// never below BaseDelay and never above MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter && delay >= 2 {
		// +[0, 50%) so concurrent loops do not retry in lockstep.
		delay += float64(rand.Int64N(int64(delay / 2)))
	}

	d := time.Duration(delay)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < p.BaseDelay {
		d = p.BaseDelay
	}
	return d
}

// Sleeper waits for d. It returns false when woken early by wake or ctx.
type Sleeper func(ctx context.Context, wake <-chan struct{}, d time.Duration) bool

func sleep(ctx context.Context, wake <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-wake:
		return false
	case <-ctx.Done():
		return false
	}
}
