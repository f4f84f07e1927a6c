package transport

import (
	"math"
	"math/rand"
	"time"
)

// Retryer decides how long to wait before another connection attempt.
type Retryer interface {
	// NextDelay returns the wait before retry number attempt (0-based) and
	// whether to retry at all.
	NextDelay(attempt int, lastErr error) (time.Duration, bool)

	// Reset is called after a successful connection.
	Reset()
}

// ExponentialBackoffRetryer doubles (by Multiplier) the delay on every
// attempt, up to MaxDelay, with optional jitter.
type ExponentialBackoffRetryer struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the wait before jitter is applied.
	MaxDelay time.Duration
	// Multiplier grows the delay on every attempt.
	Multiplier float64

	// MaxRetries bounds the attempts. 0 retries forever.
	MaxRetries int

	// Jitter spreads reconnects of many clients that lost the relay at once.
	Jitter bool
	// JitterFactor is the largest jitter as a fraction of the delay.
	JitterFactor float64
}

// NewExponentialBackoffRetryer returns the reconnect policy used by the
// websocket transport: 1s doubling to 30s, ±30% jitter, no attempt limit.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		JitterFactor: 0.3,
	}
}

// NextDelay implements Retryer. lastErr is not consulted.
func (r *ExponentialBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}

	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}

	if r.Jitter && r.JitterFactor > 0 {
		//nolint:gosec // jitter is not security-critical
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}

	return time.Duration(delay), true
}

// Reset implements Retryer. The delay depends only on attempt, so there is
// nothing to clear.
func (r *ExponentialBackoffRetryer) Reset() {}

// FixedDelayRetryer waits the same Delay before every attempt.
type FixedDelayRetryer struct {
	// Delay is the wait before every retry.
	Delay time.Duration
	// MaxRetries bounds the attempts. 0 retries forever.
	MaxRetries int
}

// NewFixedDelayRetryer returns a retryer waiting delay between attempts, at
// most maxRetries times.
func NewFixedDelayRetryer(delay time.Duration, maxRetries int) *FixedDelayRetryer {
	return &FixedDelayRetryer{Delay: delay, MaxRetries: maxRetries}
}

// NextDelay implements Retryer.
func (r *FixedDelayRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Reset implements Retryer.
func (r *FixedDelayRetryer) Reset() {}

// LinearBackoffRetryer waits (attempt+1) × Delay, so the first retry waits
// Delay, the second 2×Delay and so on. Session initialization uses it.
type LinearBackoffRetryer struct {
	// Delay is the step the wait grows by.
	Delay time.Duration
	// MaxRetries bounds the attempts. 0 retries forever.
	MaxRetries int
}

// NewLinearBackoffRetryer returns a retryer whose wait grows by delay on
// every attempt, at most maxRetries times.
func NewLinearBackoffRetryer(delay time.Duration, maxRetries int) *LinearBackoffRetryer {
	return &LinearBackoffRetryer{Delay: delay, MaxRetries: maxRetries}
}

// NextDelay implements Retryer.
func (r *LinearBackoffRetryer) NextDelay(attempt int, lastErr error) (time.Duration, bool) {
	if r.MaxRetries > 0 && attempt >= r.MaxRetries {
		return 0, false
	}
	return time.Duration(attempt+1) * r.Delay, true
}

// Reset implements Retryer.
func (r *LinearBackoffRetryer) Reset() {}
