package hub

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reconnect schedule: min(1s * 2^attempt, 30s), no jitter.
const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
)

// NewBackoff returns a deterministic doubling schedule starting at initial and
// capped at max. It never gives up; Stop on the connection ends retries.
func NewBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// DefaultBackoff is the production reconnect schedule.
func DefaultBackoff() backoff.BackOff {
	return NewBackoff(DefaultInitialDelay, DefaultMaxDelay)
}
