package llm

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds and paces retries of a single exchange.
type RetryPolicy struct {
	// MaxAttempts counts the first call.
	MaxAttempts     int
	RateLimitBase   time.Duration
	ServerErrorBase time.Duration
	NetworkBase     time.Duration
	MaxDelay        time.Duration
	// Jitter is the randomization factor applied to each delay, 0 disables it.
	Jitter float64
	// TotalTimeout caps the whole retry loop of one chunk, 0 disables it.
	TotalTimeout time.Duration
}

// DefaultRetryPolicy returns the production retry settings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		RateLimitBase:   500 * time.Millisecond,
		ServerErrorBase: 250 * time.Millisecond,
		NetworkBase:     250 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Jitter:          0.2,
		TotalTimeout:    300 * time.Second,
	}
}

// Attempts returns MaxAttempts, at least 1.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait after the given failed attempt (1-based)
// before trying again.
func (p RetryPolicy) Delay(err *APIError, attempt int) time.Duration {
	if err == nil || attempt < 1 {
		return 0
	}
	var base time.Duration
	steps := attempt
	switch err.Kind {
	case KindRateLimited:
		if err.RetryAfter > 0 {
			return p.cap(err.RetryAfter)
		}
		base = p.RateLimitBase
	case KindServerError:
		base = p.ServerErrorBase
	case KindNetwork:
		// First network retry is immediate.
		if attempt == 1 {
			return 0
		}
		base = p.NetworkBase
		steps = attempt - 1
	default:
		return 0
	}
	if base <= 0 {
		return 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = p.maxDelay()
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < steps; i++ {
		d = b.NextBackOff()
	}
	return p.cap(d)
}

func (p RetryPolicy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return p.MaxDelay
}

func (p RetryPolicy) cap(d time.Duration) time.Duration {
	if max := p.maxDelay(); d > max {
		return max
	}
	if d < 0 {
		return 0
	}
	return d
}

// ShouldRetry reports whether another attempt may follow the given failed
// attempt (1-based).
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	apiErr := Classify(err)
	return apiErr.Retryable() && attempt < p.Attempts()
}
